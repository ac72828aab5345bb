package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"parley.live/wire"
)

// fakeServer speaks just enough of the protocol to exercise the
// controller: scripted replies, recorded traffic.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	upgrader websocket.Upgrader

	// closeFirstAfterAuth drops the first connection right after
	// authenticating it, simulating an abnormal close.
	closeFirstAfterAuth bool
	// holdStreamStarted, when non-nil, delays the stream_started
	// reply until the channel is closed.
	holdStreamStarted chan struct{}
	// ignorePings suppresses pong replies, simulating a half-open
	// connection.
	ignorePings bool
	// echoResults replies to each chunk with a translation_result.
	echoResults bool

	mu      sync.Mutex
	dials   int
	auths   []string
	chunks  [][]byte
	endings int
	pings   int
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	fs.mu.Lock()
	fs.dials++
	connIndex := fs.dials
	fs.mu.Unlock()

	ws.WriteJSON(wire.Message{
		Type:         wire.TypeConnectionEstablished,
		ConnectionID: fmt.Sprintf("conn-%d", connIndex),
	})

	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case wire.TypeAuthenticate:
			fs.mu.Lock()
			fs.auths = append(fs.auths, msg.UserID)
			fs.mu.Unlock()
			ws.WriteJSON(wire.Message{Type: wire.TypeAuthenticated, UserID: msg.UserID})
			if fs.closeFirstAfterAuth && connIndex == 1 {
				return // abnormal close, no close frame
			}

		case wire.TypeStartStream:
			if fs.holdStreamStarted != nil {
				<-fs.holdStreamStarted
			}
			ws.WriteJSON(wire.Message{
				Type:      wire.TypeStreamStarted,
				SessionID: fmt.Sprintf("sess-%d", connIndex),
			})

		case wire.TypeAudioChunk:
			audio, err := wire.DecodeAudio(msg.AudioData)
			if err != nil {
				continue
			}
			fs.mu.Lock()
			fs.chunks = append(fs.chunks, audio)
			fs.mu.Unlock()
			if fs.echoResults {
				ws.WriteJSON(wire.Message{
					Type:             wire.TypeTranslationResult,
					SessionID:        msg.SessionID,
					Success:          wire.Bool(true),
					SourceText:       "hello",
					TranslatedText:   "hola",
					SynthesizedAudio: msg.AudioData,
				})
			}

		case wire.TypeEndStream:
			fs.mu.Lock()
			fs.endings++
			fs.mu.Unlock()
			ws.WriteJSON(wire.Message{
				Type:      wire.TypeStreamEnded,
				SessionID: msg.SessionID,
			})

		case wire.TypePing:
			fs.mu.Lock()
			fs.pings++
			fs.mu.Unlock()
			if !fs.ignorePings {
				ws.WriteJSON(wire.Message{Type: wire.TypePong})
			}
		}
	}
}

func (fs *fakeServer) dialCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dials
}

func newTestController(fs *fakeServer, opts Options) *Controller {
	return New(fs.url(), "u1", "token", log.New(io.Discard), opts)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectAuthenticates(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestController(fs, Options{})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.auths) != 1 || fs.auths[0] != "u1" {
		t.Fatalf("auths = %v", fs.auths)
	}
}

func TestConnectRequiresUserContext(t *testing.T) {
	fs := newFakeServer(t)
	c := New(fs.url(), "", "", log.New(io.Discard), Options{})

	if err := c.Connect(); !errors.Is(err, ErrNoUserContext) {
		t.Fatalf("expected ErrNoUserContext, got %v", err)
	}
}

func TestDoubleConnectRefused(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestController(fs, Options{})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestChunksDroppedUntilStreamStarted(t *testing.T) {
	fs := newFakeServer(t)
	fs.holdStreamStarted = make(chan struct{})
	c := newTestController(fs, Options{})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	if err := c.StartTranslation("en", "es", ""); err != nil {
		t.Fatal(err)
	}

	// stream_started has not arrived: these must be dropped, not
	// queued.
	c.SendAudioChunk([]byte("early-1"))
	c.SendAudioChunk([]byte("early-2"))

	close(fs.holdStreamStarted)
	waitFor(t, 2*time.Second, func() bool { return c.SessionID() != "" })

	c.SendAudioChunk([]byte("on-time"))
	waitFor(t, 2*time.Second, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.chunks) == 1
	})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.chunks) != 1 || !bytes.Equal(fs.chunks[0], []byte("on-time")) {
		t.Fatalf("server saw chunks %q", fs.chunks)
	}
}

func TestResultDelivery(t *testing.T) {
	fs := newFakeServer(t)
	fs.echoResults = true
	c := newTestController(fs, Options{})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })
	if err := c.StartTranslation("en", "es", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.SessionID() != "" })

	audio := []byte("utterance")
	c.SendAudioChunk(audio)

	select {
	case result := <-c.Results():
		if !result.Success {
			t.Fatalf("result failed: %+v", result)
		}
		if result.TranslatedText != "hola" {
			t.Fatalf("translated = %q", result.TranslatedText)
		}
		if !bytes.Equal(result.Audio, audio) {
			t.Fatal("audio did not round-trip")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestStopTranslationWithoutSessionIsNoop(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestController(fs, Options{})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	c.StopTranslation()
	time.Sleep(100 * time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.endings != 0 {
		t.Fatalf("end_stream sent with no session: %d", fs.endings)
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	fs := newFakeServer(t)
	fs.closeFirstAfterAuth = true
	fs.echoResults = true
	c := newTestController(fs, Options{})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}

	// First connection dies right after auth; the controller must
	// redial (first backoff step is 1s) and re-authenticate.
	waitFor(t, 5*time.Second, func() bool { return fs.dialCount() >= 2 })
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	fs.mu.Lock()
	auths := len(fs.auths)
	fs.mu.Unlock()
	if auths < 2 {
		t.Fatalf("expected re-authentication, saw %d auths", auths)
	}

	// A prior session never survives reconnection.
	if c.SessionID() != "" {
		t.Fatalf("session %q survived reconnect", c.SessionID())
	}

	// Chunks stay dropped until the caller starts a fresh stream.
	c.SendAudioChunk([]byte("stale"))
	time.Sleep(100 * time.Millisecond)
	fs.mu.Lock()
	chunks := len(fs.chunks)
	fs.mu.Unlock()
	if chunks != 0 {
		t.Fatalf("chunk accepted without a fresh start_stream")
	}

	if err := c.StartTranslation("en", "es", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.SessionID() != "" })
	c.SendAudioChunk([]byte("fresh"))
	waitFor(t, 2*time.Second, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.chunks) == 1
	})
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestController(fs, Options{})

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// Well past the first backoff step: still exactly one dial.
	time.Sleep(1500 * time.Millisecond)
	if fs.dialCount() != 1 {
		t.Fatalf("dials = %d after clean close", fs.dialCount())
	}
}

func TestPongWatchdogForcesReconnect(t *testing.T) {
	fs := newFakeServer(t)
	fs.ignorePings = true
	c := newTestController(fs, Options{Keepalive: 50 * time.Millisecond})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	// No pongs ever arrive; the watchdog must close the transport,
	// which routes into the reconnect path.
	waitFor(t, 5*time.Second, func() bool { return fs.dialCount() >= 2 })
}
