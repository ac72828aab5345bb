// Package client runs the participant side of the streaming
// translation protocol: it owns the physical connection, authenticates,
// ships audio chunks, receives results, keeps the connection alive, and
// reconnects with exponential backoff after abnormal closes.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"parley.live/wire"
)

const (
	DefaultKeepalive    = 30 * time.Second
	defaultResultBuffer = 32
)

var (
	ErrNoUserContext    = errors.New("no authenticated user context")
	ErrAlreadyConnected = errors.New("connection already in progress")
	ErrClosed           = errors.New("controller closed")
	ErrNotConnected     = errors.New("not connected")
)

// State is the connection state, owned exclusively by the controller.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Result is one delivered translation, or a protocol error surfaced to
// the application. Kind distinguishes a failed utterance (keep
// talking) from a structural failure (stop and show an error).
type Result struct {
	SessionID        string
	Success          bool
	SourceText       string
	TranslatedText   string
	Audio            []byte
	LipSyncVideo     []byte
	DetectedLanguage string
	Err              string
	Kind             string
}

// Options tune the controller; zero values take defaults.
type Options struct {
	Keepalive    time.Duration
	Dialer       *websocket.Dialer
	ResultBuffer int
}

// Controller is the client streaming state machine. All entry points
// are safe for concurrent use.
type Controller struct {
	url    string
	userID string
	token  string
	logger *log.Logger
	dialer *websocket.Dialer

	keepalive time.Duration
	results   chan Result

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	connDone  chan struct{}
	sessionID string
	active    bool
	attempt   int
	closed    bool
	lastPong  time.Time
	pingsSent int
}

func New(url, userID, token string, logger *log.Logger, opts Options) *Controller {
	if opts.Keepalive == 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ResultBuffer == 0 {
		opts.ResultBuffer = defaultResultBuffer
	}
	return &Controller{
		url:       url,
		userID:    userID,
		token:     token,
		logger:    logger,
		dialer:    opts.Dialer,
		keepalive: opts.Keepalive,
		results:   make(chan Result, opts.ResultBuffer),
	}
}

// Results delivers translations and surfaced protocol errors. The
// channel is buffered and never blocks the network reader; under a
// sustained burst the oldest unread results are dropped.
func (c *Controller) Results() <-chan Result {
	return c.results
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID reports the active session, empty until stream_started
// has arrived.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect establishes the transport and authenticates. Both initial
// startup and the backoff timer come through here; the state machine
// guards against double connects.
func (c *Controller) Connect() error {
	if c.userID == "" || c.token == "" {
		return ErrNoUserContext
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateReconnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ws, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.logger.Error("dial failed", "url", c.url, "error", err)
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	connDone := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.connDone = connDone
	c.state = StateConnected
	c.lastPong = time.Now()
	c.pingsSent = 0
	c.mu.Unlock()

	go c.readLoop(ws, connDone)
	go c.keepaliveLoop(ws, connDone)

	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	if err := c.writeJSON(wire.Message{
		Type:   wire.TypeAuthenticate,
		UserID: c.userID,
		Token:  c.token,
	}); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	return nil
}

// StartTranslation asks the server for a new session. It does not
// block for stream_started; chunk submission stays gated until the
// session id arrives.
func (c *Controller) StartTranslation(sourceLang, targetLang, voiceProfileID string) error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateConnecting || c.state == StateReconnecting {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.active = true
	c.mu.Unlock()

	return c.writeJSON(wire.Message{
		Type:           wire.TypeStartStream,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		VoiceProfileID: voiceProfileID,
	})
}

// SendAudioChunk ships one captured frame. Until a session id is known
// and translation is active the chunk is silently dropped; losing a
// frame beats queueing unbounded audio across a disconnection.
func (c *Controller) SendAudioChunk(b []byte) {
	c.mu.Lock()
	sessionID := c.sessionID
	active := c.active
	c.mu.Unlock()

	if sessionID == "" || !active {
		c.logger.Debug("dropping chunk, no active session", "bytes", len(b))
		return
	}

	if err := c.writeJSON(wire.Message{
		Type:      wire.TypeAudioChunk,
		SessionID: sessionID,
		AudioData: wire.EncodeAudio(b),
		Timestamp: wire.Now(),
	}); err != nil {
		c.logger.Error("send chunk", "error", err)
	}
}

// StopTranslation ends the active session if one is known.
func (c *Controller) StopTranslation() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.active = false
	if c.state == StateStreaming {
		c.state = StateConnected
	}
	c.mu.Unlock()

	if sessionID == "" {
		return
	}
	if err := c.writeJSON(wire.Message{
		Type:      wire.TypeEndStream,
		SessionID: sessionID,
	}); err != nil {
		c.logger.Error("send end_stream", "error", err)
	}
}

// Close shuts the controller down for good. A clean close never
// reconnects.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	c.writeMu.Lock()
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *Controller) writeJSON(msg wire.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

func (c *Controller) readLoop(ws *websocket.Conn, connDone chan struct{}) {
	defer c.connClosed(ws, connDone)

	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Controller) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeConnectionEstablished:
		c.logger.Debug("connection established", "conn", msg.ConnectionID)

	case wire.TypeAuthenticated:
		c.mu.Lock()
		c.state = StateConnected
		c.attempt = 0
		c.mu.Unlock()
		c.logger.Info("authenticated", "user", msg.UserID)

	case wire.TypeStreamStarted:
		c.mu.Lock()
		c.sessionID = msg.SessionID
		if c.active {
			c.state = StateStreaming
		}
		c.mu.Unlock()
		c.logger.Info(
			"stream started",
			"session", msg.SessionID,
			"source", msg.SourceLanguage,
			"target", msg.TargetLanguage,
		)

	case wire.TypeTranslationResult:
		c.handleResult(msg)

	case wire.TypeStreamEnded:
		c.logger.Info(
			"stream ended",
			"session", msg.SessionID,
			"chunks", msg.ChunksProcessed,
		)

	case wire.TypePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()

	case wire.TypeError:
		c.logger.Warn("server error", "kind", msg.Kind, "error", msg.Error)
		c.offer(Result{Success: false, Err: msg.Error, Kind: msg.Kind})

	default:
		c.logger.Debug("ignoring unknown message type", "type", msg.Type)
	}
}

func (c *Controller) handleResult(msg wire.Message) {
	result := Result{
		SessionID:        msg.SessionID,
		Success:          msg.Success != nil && *msg.Success,
		SourceText:       msg.SourceText,
		TranslatedText:   msg.TranslatedText,
		DetectedLanguage: msg.DetectedLanguage,
		Err:              msg.Error,
		Kind:             msg.Kind,
	}
	if msg.SynthesizedAudio != "" {
		audio, err := wire.DecodeAudio(msg.SynthesizedAudio)
		if err != nil {
			c.logger.Error("decode result audio", "error", err)
		} else {
			result.Audio = audio
		}
	}
	if msg.LipSyncVideo != "" {
		video, err := wire.DecodeAudio(msg.LipSyncVideo)
		if err == nil {
			result.LipSyncVideo = video
		}
	}
	c.offer(result)
}

// offer never blocks; a full sink sheds the oldest result first.
func (c *Controller) offer(r Result) {
	for {
		select {
		case c.results <- r:
			return
		default:
		}
		select {
		case dropped := <-c.results:
			c.logger.Warn("result sink full, dropping oldest", "session", dropped.SessionID)
		default:
		}
	}
}

func (c *Controller) keepaliveLoop(ws *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			c.mu.Lock()
			lastPong := c.lastPong
			sent := c.pingsSent
			c.mu.Unlock()

			// Watchdog: a half-open connection never answers, so
			// force a close and let the reconnect path take over.
			if sent > 0 && time.Since(lastPong) > 2*c.keepalive {
				c.logger.Warn("pong timeout, closing connection")
				ws.Close()
				return
			}

			if err := c.writeJSON(wire.Message{
				Type:      wire.TypePing,
				Timestamp: wire.Now(),
			}); err != nil {
				return
			}
			c.mu.Lock()
			c.pingsSent++
			c.mu.Unlock()
		}
	}
}

// connClosed runs when the read loop exits for any reason. A session
// never survives its connection: queued state is discarded and, unless
// the shutdown was intentional, a reconnect is scheduled.
func (c *Controller) connClosed(ws *websocket.Conn, connDone chan struct{}) {
	close(connDone)
	ws.Close()

	c.mu.Lock()
	if c.ws != ws {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.sessionID = ""
	c.active = false
	c.state = StateDisconnected
	intentional := c.closed
	c.mu.Unlock()

	if intentional {
		c.logger.Info("disconnected")
		return
	}
	c.logger.Warn("connection lost")
	c.scheduleReconnect()
}

func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateReconnecting || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	delay := ReconnectDelay(c.attempt)
	c.attempt++
	c.mu.Unlock()

	c.logger.Info("reconnecting", "attempt", c.attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		if err := c.Connect(); err != nil &&
			!errors.Is(err, ErrAlreadyConnected) &&
			!errors.Is(err, ErrClosed) {
			c.logger.Error("reconnect failed", "error", err)
		}
	})
}
