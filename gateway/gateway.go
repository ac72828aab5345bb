// Package gateway runs the server side of the streaming translation
// protocol: one WebSocket connection per conversation, a state machine
// per connection, and asynchronous dispatch of audio chunks into the
// translation pipeline.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parley.live/auth"
	"parley.live/pipeline"
	"parley.live/session"
	"parley.live/wire"
)

const (
	DefaultChunkTimeout = 10 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute

	reapInterval = 30 * time.Second

	// sendBuffer bounds per-connection outbound messages so a slow
	// reader cannot stall translation goroutines.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway accepts streaming connections and drives each through its
// state machine. All connections share one session manager and one
// pipeline capability.
type Gateway struct {
	sessions   *session.Manager
	capability pipeline.Capability
	verifier   *auth.Verifier
	metrics    *pipeline.Metrics
	logger     *log.Logger

	chunkTimeout time.Duration
	idleTimeout  time.Duration

	mu    sync.Mutex
	conns map[string]*conn
}

// Options tune per-connection behavior; zero values take defaults.
type Options struct {
	ChunkTimeout time.Duration
	IdleTimeout  time.Duration
}

func New(
	sessions *session.Manager,
	capability pipeline.Capability,
	verifier *auth.Verifier,
	metrics *pipeline.Metrics,
	logger *log.Logger,
	opts Options,
) *Gateway {
	if opts.ChunkTimeout == 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Gateway{
		sessions:     sessions,
		capability:   capability,
		verifier:     verifier,
		metrics:      metrics,
		logger:       logger,
		chunkTimeout: opts.ChunkTimeout,
		idleTimeout:  opts.IdleTimeout,
		conns:        make(map[string]*conn),
	}
}

// ServeHTTP upgrades the request and runs the connection until the
// peer goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(g, ws)
	g.register(c)
	g.logger.Info("connection open", "conn", c.id, "remote", ws.RemoteAddr())

	go c.writePump()
	c.send(wire.Message{
		Type:         wire.TypeConnectionEstablished,
		ConnectionID: c.id,
		Timestamp:    wire.Now(),
	})

	c.readLoop()

	g.unregister(c)
	c.teardown()
	g.logger.Info("connection closed", "conn", c.id)
}

func (g *Gateway) register(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.id] = c
}

func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.id)
}

// ConnStat describes one live connection for the stats surface.
type ConnStat struct {
	ConnectionID     string  `json:"connection_id"`
	UserID           string  `json:"user_id,omitempty"`
	SessionID        string  `json:"session_id,omitempty"`
	ConnectedSeconds float64 `json:"connected_seconds"`
	IdleSeconds      float64 `json:"idle_seconds"`
	MessageCount     uint64  `json:"message_count"`
}

// Stats summarizes the gateway's live connections.
type Stats struct {
	TotalConnections   int        `json:"total_connections"`
	AuthenticatedUsers int        `json:"authenticated_users"`
	ActiveSessions     int        `json:"active_sessions"`
	Connections        []ConnStat `json:"connections"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	now := time.Now()
	stats := Stats{Connections: make([]ConnStat, 0, len(conns))}
	for _, c := range conns {
		stat := c.stat(now)
		stats.TotalConnections++
		if stat.UserID != "" {
			stats.AuthenticatedUsers++
		}
		if stat.SessionID != "" {
			stats.ActiveSessions++
		}
		stats.Connections = append(stats.Connections, stat)
	}
	return stats
}

// Run reaps idle connections until the context ends. A connection
// counts as idle when no message of any kind has arrived within the
// idle timeout; keepalive pings keep it alive.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.reapIdle()
		}
	}
}

func (g *Gateway) reapIdle() {
	g.mu.Lock()
	var idle []*conn
	now := time.Now()
	for _, c := range g.conns {
		if now.Sub(c.activity()) > g.idleTimeout {
			idle = append(idle, c)
		}
	}
	g.mu.Unlock()

	for _, c := range idle {
		g.logger.Info("closing idle connection", "conn", c.id)
		c.ws.Close()
	}
}

// chunkTag identifies the stream one translation belongs to. Results
// whose tag no longer matches the connection are discarded instead of
// delivered to a client that has moved on.
type chunkTag struct {
	sessionID string
	epoch     uint64
	seq       uint64
}

func (g *Gateway) translate(c *conn, tag chunkTag, req pipeline.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), g.chunkTimeout)
	defer cancel()

	start := time.Now()
	result, err := g.capability.ProcessSpeechToSpeech(ctx, req)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	msg := wire.Message{
		Type:      wire.TypeTranslationResult,
		SessionID: tag.sessionID,
		Timestamp: wire.Now(),
	}

	switch {
	case err != nil:
		g.metrics.Record(elapsed, false)
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "translation timed out"
		}
		g.logger.Error(
			"translation failed",
			"conn", c.id,
			"session", tag.sessionID,
			"seq", tag.seq,
			"error", err,
		)
		msg.Success = wire.Bool(false)
		msg.Error = reason
		msg.Kind = wire.KindTranslationFailure
	case !result.Success:
		g.metrics.Record(elapsed, false)
		msg.Success = wire.Bool(false)
		msg.Error = result.Error
		msg.Kind = wire.KindTranslationFailure
	default:
		g.metrics.Record(elapsed, true)
		msg.Success = wire.Bool(true)
		msg.SourceText = result.SourceText
		msg.TranslatedText = result.TranslatedText
		msg.SynthesizedAudio = wire.EncodeAudio(result.SynthesizedAudio)
		if len(result.LipSyncVideo) > 0 {
			msg.LipSyncVideo = wire.EncodeAudio(result.LipSyncVideo)
		}
		msg.DetectedLanguage = result.DetectedLanguage
		msg.QualityMetrics = wire.Marshal(result.Quality)
		msg.PerformanceMetrics = wire.Marshal(result.Performance)
	}

	c.deliver(tag, msg)
}

func newConnID() string {
	return "conn_" + uuid.NewString()
}
