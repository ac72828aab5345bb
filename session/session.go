// Package session tracks active streaming translation sessions. A
// session binds a user, a language pair, and an optional voice profile
// for the lifetime of one conversation. Sessions live in process
// memory only; a restart loses them all and clients must start fresh.
package session

import (
	"errors"
	"time"
)

var (
	ErrPipelineUnavailable = errors.New("translation pipeline not available")
	ErrSessionNotFound     = errors.New("session not found")
	ErrTooManyStreams      = errors.New("maximum concurrent streams reached")
)

// Session is one bound translation context. ExpiresAt is fixed at
// creation and never extended by activity.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SourceLanguage string    `json:"source_language,omitempty"`
	TargetLanguage string    `json:"target_language"`
	VoiceProfileID string    `json:"voice_profile_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
