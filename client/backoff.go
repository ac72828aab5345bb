package client

import "time"

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// ReconnectDelay returns how long to wait before reconnect attempt n
// (zero-based): 1s, 2s, 4s, ... capped at 30s.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^5 seconds already exceeds the cap.
	if attempt > 5 {
		return maxReconnectDelay
	}
	d := baseReconnectDelay << uint(attempt)
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
