package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Issue("u1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify("u1", token); err != nil {
		t.Fatalf("verify own token: %v", err)
	}
}

func TestVerifyRejectsWrongUser(t *testing.T) {
	v := NewVerifier("test-secret")

	token, _ := v.Issue("u1", time.Hour)
	if err := v.Verify("u2", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token for u1 accepted for u2: %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _ := NewVerifier("secret-a").Issue("u1", time.Hour)

	if err := NewVerifier("secret-b").Verify("u1", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("test-secret")

	token, _ := v.Issue("u1", -time.Minute)
	if err := v.Verify("u1", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("expired token accepted")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier("test-secret")

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if err := v.Verify("u1", token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("garbage token %q accepted", token)
		}
	}
}

func TestSubject(t *testing.T) {
	v := NewVerifier("test-secret")

	token, _ := v.Issue("u42", time.Hour)
	subject, err := v.Subject(token)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "u42" {
		t.Fatalf("subject = %q, want u42", subject)
	}

	if _, err := v.Subject("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("garbage token yielded a subject")
	}
}
