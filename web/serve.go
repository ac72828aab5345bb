// Package web exposes the REST surface around the streaming core and
// mounts the WebSocket gateway.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley.live/auth"
	"parley.live/gateway"
	"parley.live/pipeline"
	"parley.live/session"
)

// Server wires the REST handlers to the shared streaming components.
type Server struct {
	sessions   *session.Manager
	capability pipeline.Capability
	gateway    *gateway.Gateway
	verifier   *auth.Verifier
	metrics    *pipeline.Metrics
	logger     *log.Logger
	wsURL      string
}

func NewServer(
	sessions *session.Manager,
	capability pipeline.Capability,
	gw *gateway.Gateway,
	verifier *auth.Verifier,
	metrics *pipeline.Metrics,
	logger *log.Logger,
	wsURL string,
) *Server {
	return &Server{
		sessions:   sessions,
		capability: capability,
		gateway:    gw,
		verifier:   verifier,
		metrics:    metrics,
		logger:     logger,
		wsURL:      wsURL,
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/languages", s.handleLanguages)
	r.Post("/stream/create", s.handleCreateStream)
	r.Delete("/stream/{session_id}", s.handleCloseStream)
	r.Get("/stream/stats", s.handleStats)
	r.HandleFunc("/ws", s.gateway.ServeHTTP)

	return r
}

// bearerSubject authenticates a request and returns the user id from
// its token.
func (s *Server) bearerSubject(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", auth.ErrInvalidToken
	}
	return s.verifier.Subject(token)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.capability.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, pipeline.Health{
			Status: "unhealthy",
			Error:  "translation pipeline not initialized",
		})
		return
	}

	health := s.capability.Health(r.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.capability.Ready() {
		writeError(w, http.StatusServiceUnavailable, "translation pipeline not available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline":        s.metrics.Snapshot(),
		"active_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	if !s.capability.Ready() {
		writeError(w, http.StatusServiceUnavailable, "translation pipeline not available")
		return
	}

	languages, err := s.capability.SupportedLanguages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list languages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"languages": languages})
}

type createStreamRequest struct {
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
	VoiceProfileID string `json:"voice_profile_id,omitempty"`
}

type createStreamResponse struct {
	SessionID    string `json:"session_id"`
	WebsocketURL string `json:"websocket_url"`
	ExpiresAt    string `json:"expires_at"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	userID, err := s.bearerSubject(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetLanguage == "" {
		writeError(w, http.StatusBadRequest, "missing target_language")
		return
	}

	sess, err := s.sessions.Create(
		userID,
		req.SourceLanguage,
		req.TargetLanguage,
		req.VoiceProfileID,
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPipelineUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, session.ErrTooManyStreams):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	writeJSON(w, http.StatusOK, createStreamResponse{
		SessionID:    sess.ID,
		WebsocketURL: s.wsURL,
		ExpiresAt:    sess.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.bearerSubject(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	sessionID := chi.URLParam(r, "session_id")
	if err := s.sessions.Close(sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_closed": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Serve assembles the full server (loopback pipeline, session manager,
// gateway, REST) and blocks on ListenAndServe.
func Serve(port int) error {
	logger := log.New(os.Stdout)

	capability := pipeline.NewLoopback(logger)
	metrics := pipeline.NewMetrics()

	sessions := session.NewManager(capability, logger, session.Options{
		TTL:        viper.GetDuration("session_ttl"),
		MaxStreams: viper.GetInt("max_streams"),
	})

	verifier := auth.NewVerifier(viper.GetString("auth_secret"))

	gw := gateway.New(sessions, capability, verifier, metrics, logger, gateway.Options{
		ChunkTimeout: viper.GetDuration("chunk_timeout"),
	})

	wsURL := fmt.Sprintf("ws://localhost:%d/ws", port)
	server := NewServer(sessions, capability, gw, verifier, metrics, logger, wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Readiness comes up in the background; REST answers 503 until
	// then.
	go func() {
		if err := capability.Initialize(ctx); err != nil {
			logger.Error("pipeline initialization failed", "error", err)
		}
	}()
	go sessions.Run(ctx)
	go gw.Run(ctx)

	logger.Info("serving", "url", fmt.Sprintf("http://localhost:%d", port), "ws", wsURL)
	return http.ListenAndServe(fmt.Sprintf(":%d", port), server.Router())
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the translation streaming server",
	Long:  `Start the WebSocket gateway and its REST surface.`,
	Run: func(cmd *cobra.Command, args []string) {
		port := viper.GetInt("http_port")
		if err := Serve(port); err != nil {
			log.Fatal("server failed", "error", err)
		}
	},
}

func init() {
	ServeCmd.Flags().IntP("port", "p", 8000, "Port to serve on")
	viper.BindPFlag("http_port", ServeCmd.Flags().Lookup("port"))
}
