package websocket

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// generateCorrelationID builds a process-unique request id from a timestamp
// and a monotonic sequence number.
// Returns format: "{prefix}-{YYYYMMDD-HHMMSS}-{seq}"
// Example: "msg-20241119-130831-42"
func generateCorrelationID(prefix string, now time.Time, seq uint64) string {
	return fmt.Sprintf("%s-%s-%d", prefix, now.UTC().Format("20060102-150405"), seq)
}

// newContextID identifies one connection attempt in URLs and logs
func newContextID(channel string) string {
	return fmt.Sprintf("%s-%s", channel, uuid.NewString())
}

// ReconnectDelay returns the wait before reconnect attempt n (zero based):
// min(base * 2^n, maxDelay).
func ReconnectDelay(n int, base, maxDelay time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := base
	for i := 0; i < n; i++ {
		if delay >= maxDelay {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
