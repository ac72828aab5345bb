// Package chunk handles audio on either side of the wire: slicing
// captured PCM into fixed-duration frames for submission, and queueing
// synthesized audio for playback without blocking the network.
package chunk

import "time"

// DefaultFrameDuration is the capture window for conversation
// scenarios. Each frame is submitted as soon as it completes; frames
// are never batched.
const DefaultFrameDuration = 500 * time.Millisecond

// Framer slices a PCM byte stream into fixed-duration frames. It is
// not safe for concurrent use; one framer feeds one session.
type Framer struct {
	frameBytes int
	duration   time.Duration
	buf        []byte
}

// NewFramer sizes frames for 16-bit PCM at the given rate and channel
// count.
func NewFramer(sampleRate, channels int, frame time.Duration) *Framer {
	if frame <= 0 {
		frame = DefaultFrameDuration
	}
	samples := int(frame * time.Duration(sampleRate) / time.Second)
	return &Framer{
		frameBytes: samples * channels * 2,
		duration:   frame,
	}
}

// FrameBytes is the size of one complete frame.
func (f *Framer) FrameBytes() int {
	return f.frameBytes
}

// Duration is the capture window one frame covers.
func (f *Framer) Duration() time.Duration {
	return f.duration
}

// Write appends captured audio and returns every frame completed by
// it, in capture order.
func (f *Framer) Write(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for len(f.buf) >= f.frameBytes {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.buf[:f.frameBytes])
		frames = append(frames, frame)
		f.buf = f.buf[f.frameBytes:]
	}
	return frames
}

// Flush returns the trailing partial frame, if any. Used when capture
// stops mid-frame.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	tail := f.buf
	f.buf = nil
	return tail
}
