// Package validator decides whether an inbound gossip message earns
// delivery to its topic handler. Acceptance requires a valid signature
// over the publisher's identity under the public key derived from a paid
// transaction kernel, a fee at or above the floor, and an unexhausted
// per-kernel publishing quota.
package validator

import (
	"sync"
	"time"
)

// CallHistoryLenLimit bounds how many timestamps are retained per kernel
// excess.
const CallHistoryLenLimit = 10

// CallHistoryRetention is how long a kernel's history is kept once its
// newest timestamp falls outside this window; GC sweeps reclaim entries
// older than this.
const CallHistoryRetention = 10 * IntegrityCallMaxPeriod

// CallHistory tracks, per kernel excess, an ordered (oldest-first)
// sequence of up to CallHistoryLenLimit unix-second call timestamps. It
// is the anti-Sybil rate-limit state: keyed by the paid kernel, not by
// PeerId, so rotating identities does not reset a publisher's quota.
type CallHistory struct {
	mu      sync.Mutex
	entries map[[33]byte][]int64
}

// NewCallHistory creates an empty CallHistory.
func NewCallHistory() *CallHistory {
	return &CallHistory{entries: make(map[[33]byte][]int64)}
}

// record appends now to kernelExcess's history, truncating the oldest
// entry while length exceeds CallHistoryLenLimit, and reports whether the
// resulting history is at its saturation point with the publisher
// exceeding the allowed average period.
func (h *CallHistory) record(kernelExcess [33]byte, now int64) (exceeded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := append(h.entries[kernelExcess], now)
	if len(ts) > CallHistoryLenLimit {
		ts = ts[len(ts)-CallHistoryLenLimit:]
	}
	h.entries[kernelExcess] = ts

	if len(ts) < CallHistoryLenLimit {
		return false
	}

	oldest, newest := ts[0], ts[len(ts)-1]
	avgPeriod := float64(newest-oldest) / float64(CallHistoryLenLimit-1)
	return avgPeriod < float64(IntegrityCallMaxPeriod/time.Second)
}

// Len reports the current history length for kernelExcess, for tests and
// metrics.
func (h *CallHistory) Len(kernelExcess [33]byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[kernelExcess])
}

// GC removes per-kernel histories whose newest timestamp is older than
// CallHistoryRetention relative to now. Intended to be called periodically
// (spec: every >= 600s) from the node's event loop.
func (h *CallHistory) GC(now int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	horizon := int64(CallHistoryRetention / time.Second)
	for k, ts := range h.entries {
		if len(ts) == 0 || now-ts[len(ts)-1] > horizon {
			delete(h.entries, k)
		}
	}
}
