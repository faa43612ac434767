package casttransport

import "time"

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// ReconnectAfter returns the backoff before reconnect attempt n (0-based):
// 1s, 2s, 4s, ... capped at 30s.
func ReconnectAfter(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	delay := baseReconnectDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}

	return delay
}
