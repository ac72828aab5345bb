package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Loopback is a capability that echoes audio back as its own
// translation. It exists so the server and tests can run without the
// real engine; latency and metrics behave like the real thing.
type Loopback struct {
	logger *log.Logger
	ready  atomic.Bool

	// Delay is applied to each request before responding. Tests use
	// it to keep several invocations in flight at once.
	Delay time.Duration
}

func NewLoopback(logger *log.Logger) *Loopback {
	return &Loopback{logger: logger}
}

func (l *Loopback) Initialize(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.ready.Store(true)
	l.logger.Info("pipeline ready", "kind", "loopback")
	return nil
}

func (l *Loopback) Ready() bool {
	return l.ready.Load()
}

func (l *Loopback) ProcessSpeechToSpeech(ctx context.Context, req Request) (*Result, error) {
	if !l.Ready() {
		return nil, ErrNotReady
	}

	start := time.Now()
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	detected := req.SourceLanguage
	if detected == "" {
		detected = "en"
	}

	voiceQuality := 0.8
	if req.VoiceProfile != nil {
		voiceQuality = req.VoiceProfile.QualityScore
	}

	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	return &Result{
		Success:          true,
		SourceText:       fmt.Sprintf("[%d bytes of %s speech]", len(req.Audio), detected),
		TranslatedText:   fmt.Sprintf("[%d bytes translated to %s]", len(req.Audio), req.TargetLanguage),
		SynthesizedAudio: req.Audio,
		DetectedLanguage: detected,
		Quality: QualityMetrics{
			OverallQuality:        0.95*0.7 + voiceQuality*0.3,
			STTConfidence:         0.95,
			TranslationConfidence: 0.95,
			VoiceQuality:          voiceQuality,
		},
		Performance: PerformanceMetrics{
			TotalTimeMs: elapsed,
		},
	}, nil
}

func (l *Loopback) DetectLanguage(ctx context.Context, audio []byte) (string, error) {
	if !l.Ready() {
		return "", ErrNotReady
	}
	return "en", nil
}

func (l *Loopback) SupportedLanguages(ctx context.Context) ([]Language, error) {
	if !l.Ready() {
		return nil, ErrNotReady
	}
	return []Language{
		{Code: "en", Name: "English"},
		{Code: "es", Name: "Spanish"},
		{Code: "fr", Name: "French"},
		{Code: "de", Name: "German"},
		{Code: "ja", Name: "Japanese"},
	}, nil
}

func (l *Loopback) Health(ctx context.Context) Health {
	if !l.Ready() {
		return Health{Status: "unhealthy", Error: ErrNotReady.Error()}
	}
	return Health{
		Status:   "healthy",
		Services: map[string]string{"loopback": "healthy"},
	}
}
