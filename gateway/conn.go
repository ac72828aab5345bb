package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parley.live/pipeline"
	"parley.live/session"
	"parley.live/wire"
)

// connState is the per-connection protocol state. end_stream returns
// the connection to stateAuthenticated so a fresh start_stream can
// reuse it.
type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateStreaming
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateStreaming:
		return "streaming"
	}
	return "unknown"
}

type conn struct {
	id string
	gw *Gateway
	ws *websocket.Conn

	sendCh chan wire.Message
	done   chan struct{}

	mu           sync.Mutex
	state        connState
	userID       string
	sess         *session.Session
	epoch        uint64
	seq          uint64
	chunks       uint64
	messageCount uint64
	connectedAt  time.Time
	lastActivity time.Time
}

func newConn(g *Gateway, ws *websocket.Conn) *conn {
	now := time.Now()
	return &conn{
		id:           newConnID(),
		gw:           g,
		ws:           ws,
		sendCh:       make(chan wire.Message, sendBuffer),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
}

// readLoop pulls frames off the wire and dispatches them in arrival
// order. Chunk translation happens off this goroutine, so the loop
// keeps accepting messages while results are in flight.
func (c *conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		c.touch()

		var msg wire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(wire.KindBadRequest, "invalid JSON message")
			continue
		}

		switch msg.Type {
		case wire.TypeAuthenticate:
			c.handleAuthenticate(msg)
		case wire.TypeStartStream:
			c.handleStartStream(msg)
		case wire.TypeAudioChunk:
			c.handleAudioChunk(msg)
		case wire.TypeEndStream:
			c.handleEndStream(msg)
		case wire.TypePing:
			c.send(wire.Message{Type: wire.TypePong, Timestamp: wire.Now()})
		default:
			// Tolerates version skew: newer peers may send types
			// this server does not know yet.
			c.gw.logger.Debug(
				"ignoring unknown message type",
				"conn", c.id,
				"type", msg.Type,
			)
		}
	}
}

func (c *conn) handleAuthenticate(msg wire.Message) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != stateUnauthenticated {
		c.sendError(wire.KindBadRequest, "already authenticated")
		return
	}
	if msg.UserID == "" || msg.Token == "" {
		c.sendError(wire.KindAuthenticationError, "missing user_id or token")
		return
	}
	if err := c.gw.verifier.Verify(msg.UserID, msg.Token); err != nil {
		c.gw.logger.Warn("authentication failed", "conn", c.id, "user", msg.UserID)
		c.sendError(wire.KindAuthenticationError, "authentication failed")
		return
	}

	c.mu.Lock()
	c.state = stateAuthenticated
	c.userID = msg.UserID
	c.mu.Unlock()

	c.gw.logger.Info("authenticated", "conn", c.id, "user", msg.UserID)
	c.send(wire.Message{
		Type:      wire.TypeAuthenticated,
		UserID:    msg.UserID,
		Timestamp: wire.Now(),
	})
}

func (c *conn) handleStartStream(msg wire.Message) {
	c.mu.Lock()
	state := c.state
	userID := c.userID
	c.mu.Unlock()

	switch state {
	case stateUnauthenticated:
		c.sendError(wire.KindAuthenticationError, "not authenticated")
		return
	case stateStreaming:
		c.sendError(wire.KindBadRequest, "stream already active")
		return
	}
	if msg.TargetLanguage == "" {
		c.sendError(wire.KindBadRequest, "missing target_language")
		return
	}

	sess, err := c.gw.sessions.Create(
		userID,
		msg.SourceLanguage,
		msg.TargetLanguage,
		msg.VoiceProfileID,
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPipelineUnavailable):
			c.sendError(wire.KindPipelineUnavailable, err.Error())
		default:
			c.sendError(wire.KindBadRequest, err.Error())
		}
		return
	}

	c.mu.Lock()
	c.state = stateStreaming
	c.sess = sess
	c.chunks = 0
	c.seq = 0
	c.mu.Unlock()

	c.send(wire.Message{
		Type:           wire.TypeStreamStarted,
		SessionID:      sess.ID,
		SourceLanguage: sess.SourceLanguage,
		TargetLanguage: sess.TargetLanguage,
		Timestamp:      wire.Now(),
	})
}

func (c *conn) handleAudioChunk(msg wire.Message) {
	c.mu.Lock()
	if c.state != stateStreaming || c.sess == nil || c.sess.ID != msg.SessionID {
		c.mu.Unlock()
		c.sendError(wire.KindSessionNotFound, "no active stream session")
		return
	}
	sess := c.sess
	epoch := c.epoch
	c.mu.Unlock()

	payload, err := wire.DecodeAudio(msg.AudioData)
	if err != nil {
		// One bad chunk never drops the connection.
		c.sendError(wire.KindInvalidAudioData, "invalid audio data")
		return
	}

	c.mu.Lock()
	c.seq++
	c.chunks++
	tag := chunkTag{sessionID: sess.ID, epoch: epoch, seq: c.seq}
	c.mu.Unlock()

	req := pipeline.Request{
		Audio:          payload,
		TargetLanguage: sess.TargetLanguage,
		SourceLanguage: sess.SourceLanguage,
	}
	if sess.VoiceProfileID != "" {
		req.VoiceProfile = &pipeline.VoiceProfile{
			ID:     sess.VoiceProfileID,
			UserID: sess.UserID,
		}
	}

	go c.gw.translate(c, tag, req)
}

func (c *conn) handleEndStream(msg wire.Message) {
	c.mu.Lock()
	if c.state != stateStreaming || c.sess == nil || c.sess.ID != msg.SessionID {
		c.mu.Unlock()
		c.sendError(wire.KindSessionNotFound, "no active stream session")
		return
	}
	sess := c.sess
	chunks := c.chunks
	c.sess = nil
	c.epoch++
	c.state = stateAuthenticated
	c.mu.Unlock()

	if err := c.gw.sessions.Close(sess.ID); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		c.gw.logger.Error("close session", "session", sess.ID, "error", err)
	}

	c.send(wire.Message{
		Type:            wire.TypeStreamEnded,
		SessionID:       sess.ID,
		ChunksProcessed: chunks,
		Timestamp:       wire.Now(),
	})
}

// deliver hands a translation result to the client, unless the stream
// it belongs to has been ended or replaced since the chunk arrived.
func (c *conn) deliver(tag chunkTag, msg wire.Message) {
	c.mu.Lock()
	stale := c.state != stateStreaming ||
		c.sess == nil ||
		c.sess.ID != tag.sessionID ||
		c.epoch != tag.epoch
	c.mu.Unlock()

	if stale {
		c.gw.logger.Debug(
			"discarding stale result",
			"conn", c.id,
			"session", tag.sessionID,
			"seq", tag.seq,
		)
		return
	}
	c.send(msg)
}

func (c *conn) send(msg wire.Message) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	}
}

func (c *conn) sendError(kind, text string) {
	c.send(wire.Message{
		Type:      wire.TypeError,
		Kind:      kind,
		Error:     text,
		Timestamp: wire.Now(),
	})
}

// writePump serializes all writes to the socket.
func (c *conn) writePump() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown releases connection resources after the read loop exits.
// The bound session, if any, is closed; a not-found error here just
// means it already expired.
func (c *conn) teardown() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.epoch++
	c.mu.Unlock()

	if sess != nil {
		if err := c.gw.sessions.Close(sess.ID); err != nil &&
			!errors.Is(err, session.ErrSessionNotFound) {
			c.gw.logger.Error("close session", "session", sess.ID, "error", err)
		}
	}

	close(c.done)
	c.ws.Close()
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.messageCount++
	c.mu.Unlock()
}

func (c *conn) activity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *conn) stat(now time.Time) ConnStat {
	c.mu.Lock()
	defer c.mu.Unlock()

	stat := ConnStat{
		ConnectionID:     c.id,
		UserID:           c.userID,
		ConnectedSeconds: now.Sub(c.connectedAt).Seconds(),
		IdleSeconds:      now.Sub(c.lastActivity).Seconds(),
		MessageCount:     c.messageCount,
	}
	if c.sess != nil {
		stat.SessionID = c.sess.ID
	}
	return stat
}
