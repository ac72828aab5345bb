package chunk

import (
	"context"
	"encoding/binary"

	"github.com/charmbracelet/log"
)

// queueDepth bounds pending playback. Results arriving faster than the
// device can play shed the newest audio rather than stall the network.
const queueDepth = 16

// Player renders one clip of synthesized audio.
type Player interface {
	Play(audio []byte) error
}

// Queue decouples playback from the connection: results are enqueued
// without blocking and drained by a single goroutine.
type Queue struct {
	player Player
	volume float64
	logger *log.Logger
	in     chan []byte
}

// NewQueue applies volume (0..1) to 16-bit PCM before handing it to
// the player.
func NewQueue(player Player, volume float64, logger *log.Logger) *Queue {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	return &Queue{
		player: player,
		volume: volume,
		logger: logger,
		in:     make(chan []byte, queueDepth),
	}
}

// Enqueue never blocks. A full queue drops the clip.
func (q *Queue) Enqueue(audio []byte) {
	select {
	case q.in <- audio:
	default:
		q.logger.Warn("playback queue full, dropping clip", "bytes", len(audio))
	}
}

// Run drains the queue until the context ends.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case audio := <-q.in:
			scaled := Scale(audio, q.volume)
			if err := q.player.Play(scaled); err != nil {
				q.logger.Error("playback failed", "error", err)
			}
		}
	}
}

// Scale multiplies 16-bit little-endian PCM samples by volume. Odd
// trailing bytes pass through untouched.
func Scale(audio []byte, volume float64) []byte {
	if volume >= 1 {
		return audio
	}
	out := make([]byte, len(audio))
	copy(out, audio)
	for i := 0; i+1 < len(out); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(out[i:]))
		scaled := int16(float64(sample) * volume)
		binary.LittleEndian.PutUint16(out[i:], uint16(scaled))
	}
	return out
}
