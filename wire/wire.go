// Package wire defines the JSON messages exchanged over a translation
// streaming connection. Both sides speak the same flat envelope with a
// "type" discriminator; fields not used by a given type are omitted.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeStartStream  = "start_stream"
	TypeAudioChunk   = "audio_chunk"
	TypeEndStream    = "end_stream"
	TypePing         = "ping"
)

// Server-to-client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAuthenticated         = "authenticated"
	TypeStreamStarted         = "stream_started"
	TypeTranslationResult     = "translation_result"
	TypeStreamEnded           = "stream_ended"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Error kinds carried on error messages. Clients key off these to tell
// "this one utterance failed" apart from "the service is down".
const (
	KindAuthenticationError = "authentication_error"
	KindInvalidAudioData    = "invalid_audio_data"
	KindSessionNotFound     = "session_not_found"
	KindPipelineUnavailable = "pipeline_unavailable"
	KindTranslationFailure  = "translation_failure"
	KindBadRequest          = "bad_request"
)

// Message is the envelope for every frame on the connection.
type Message struct {
	Type string `json:"type"`

	// authenticate, authenticated
	UserID string `json:"user_id,omitempty"`
	Token  string `json:"token,omitempty"`

	// start_stream, stream_started
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	VoiceProfileID string `json:"voice_profile_id,omitempty"`

	// audio_chunk and everything scoped to a session
	SessionID string `json:"session_id,omitempty"`
	AudioData string `json:"audio_data,omitempty"`

	// connection_established
	ConnectionID string `json:"connection_id,omitempty"`

	// translation_result
	Success            *bool           `json:"success,omitempty"`
	SourceText         string          `json:"source_text,omitempty"`
	TranslatedText     string          `json:"translated_text,omitempty"`
	SynthesizedAudio   string          `json:"synthesized_audio,omitempty"`
	LipSyncVideo       string          `json:"lip_sync_video,omitempty"`
	DetectedLanguage   string          `json:"detected_language,omitempty"`
	QualityMetrics     json.RawMessage `json:"quality_metrics,omitempty"`
	PerformanceMetrics json.RawMessage `json:"performance_metrics,omitempty"`

	// stream_ended
	ChunksProcessed uint64 `json:"chunks_processed,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`

	Timestamp float64 `json:"timestamp,omitempty"`
}

// Now returns the wall clock as a wire timestamp, Unix seconds with a
// fractional part.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// EncodeAudio converts a raw payload to its wire form.
func EncodeAudio(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeAudio converts a wire payload back to raw bytes.
func DecodeAudio(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty audio payload")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return b, nil
}

// Marshal renders v as a raw JSON field, panicking on types that cannot
// be encoded. Only used for metric structs, which always encode.
func Marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Bool returns a pointer for the optional success field.
func Bool(v bool) *bool {
	return &v
}
