package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"parley.live/pipeline"
)

const (
	DefaultTTL        = 3 * time.Hour
	DefaultMaxStreams = 64

	sweepInterval = time.Minute
)

// Manager owns the registry of active sessions. One instance is shared
// by the gateway and the REST surface; all access goes through its
// lock.
type Manager struct {
	capability pipeline.Capability
	logger     *log.Logger
	ttl        time.Duration
	maxStreams int
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Options tune the manager; zero values take defaults.
type Options struct {
	TTL        time.Duration
	MaxStreams int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewManager(capability pipeline.Capability, logger *log.Logger, opts Options) *Manager {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxStreams == 0 {
		opts.MaxStreams = DefaultMaxStreams
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		capability: capability,
		logger:     logger,
		ttl:        opts.TTL,
		maxStreams: opts.MaxStreams,
		now:        opts.Now,
		sessions:   make(map[string]*Session),
	}
}

// Create allocates a session. It fails with ErrPipelineUnavailable
// before the capability has signaled readiness and ErrTooManyStreams
// at the concurrency cap.
func (m *Manager) Create(userID, sourceLang, targetLang, voiceProfileID string) (*Session, error) {
	if !m.capability.Ready() {
		return nil, ErrPipelineUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxStreams {
		return nil, ErrTooManyStreams
	}

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		VoiceProfileID: voiceProfileID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	m.sessions[s.ID] = s

	m.logger.Info(
		"session created",
		"session", s.ID,
		"user", userID,
		"source", sourceLang,
		"target", targetLang,
	)
	return s, nil
}

// Get returns a live session. Expired sessions are indistinguishable
// from unknown ones.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Expired(m.now()) {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close removes a session. Closing an unknown session returns
// ErrSessionNotFound; callers cleaning up blind should ignore it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.logger.Info("session closed", "session", id)
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot copies all live sessions, oldest first.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep drops expired sessions and reports how many went.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	swept := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			swept++
		}
	}
	if swept > 0 {
		m.logger.Info("swept expired sessions", "count", swept)
	}
	return swept
}

// Run sweeps on an interval until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
