// Package pipeline defines the speech-to-speech translation capability
// that the streaming protocol carries work to. The computation itself
// lives elsewhere; everything here treats it as an opaque service that
// must report readiness before use.
package pipeline

import (
	"context"
	"errors"
)

// ErrNotReady is returned by capability methods called before
// Initialize has completed.
var ErrNotReady = errors.New("translation pipeline not initialized")

// VoiceProfile is an opaque token describing a trained voice. The
// streaming core looks it up by id and passes it through untouched.
type VoiceProfile struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Language     string         `json:"language"`
	QualityScore float64        `json:"quality_score"`
	Features     map[string]any `json:"features,omitempty"`
}

// Request carries one bounded utterance through the pipeline.
type Request struct {
	Audio          []byte
	TargetLanguage string
	// SourceLanguage is empty to let the pipeline auto-detect.
	SourceLanguage string
	VoiceProfile   *VoiceProfile
	IncludeLipSync bool
	FaceImage      []byte
}

// QualityMetrics scores one translation.
type QualityMetrics struct {
	OverallQuality        float64 `json:"overall_quality"`
	STTConfidence         float64 `json:"stt_confidence"`
	TranslationConfidence float64 `json:"translation_confidence"`
	VoiceQuality          float64 `json:"voice_quality"`
}

// PerformanceMetrics times one translation, per stage.
type PerformanceMetrics struct {
	TotalTimeMs       float64 `json:"total_time_ms"`
	STTTimeMs         float64 `json:"stt_time_ms"`
	TranslationTimeMs float64 `json:"translation_time_ms"`
	TTSTimeMs         float64 `json:"tts_time_ms"`
	LipSyncTimeMs     float64 `json:"lip_sync_time_ms,omitempty"`
}

// Result is immutable once returned and consumed exactly once.
type Result struct {
	Success          bool
	SourceText       string
	TranslatedText   string
	SynthesizedAudio []byte
	LipSyncVideo     []byte
	DetectedLanguage string
	Quality          QualityMetrics
	Performance      PerformanceMetrics
	// Error is set when Success is false; the session stays alive.
	Error string
}

// Language is one supported source or target language.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Health reports the capability's service status.
type Health struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Capability is the external translation engine. Implementations must
// be safe for concurrent invocation; every active session multiplexes
// onto one instance.
type Capability interface {
	// Initialize brings the underlying services up. Ready reports
	// false until it has succeeded.
	Initialize(ctx context.Context) error
	Ready() bool

	ProcessSpeechToSpeech(ctx context.Context, req Request) (*Result, error)
	DetectLanguage(ctx context.Context, audio []byte) (string, error)
	SupportedLanguages(ctx context.Context) ([]Language, error)
	Health(ctx context.Context) Health
}
