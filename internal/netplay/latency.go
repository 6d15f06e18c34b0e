package netplay

import "time"

// PingExpiry is how long an unanswered ping is remembered.
const PingExpiry = 30 * time.Second

// LatencyTracker hands out ping identifiers and measures round-trip time when
// their echoes come back. It is not synchronized; the session guards it with
// its own lock.
type LatencyTracker struct {
	next    uint16
	pending map[uint16]time.Time
}

// NewLatencyTracker creates a tracker whose first identifier is 0.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{pending: make(map[uint16]time.Time)}
}

// NextPing returns the current identifier and advances the counter, wrapping
// after 65535.
func (t *LatencyTracker) NextPing() uint16 {
	id := t.next
	t.next++
	return id
}

// Record remembers when ping id was sent.
func (t *LatencyTracker) Record(id uint16, sentAt time.Time) {
	t.pending[id] = sentAt
}

// Match resolves an echo of id. It returns the round-trip time and removes the
// entry; an id that is not pending reports false.
func (t *LatencyTracker) Match(id uint16, now time.Time) (time.Duration, bool) {
	sentAt, ok := t.pending[id]
	if !ok {
		return 0, false
	}
	delete(t.pending, id)
	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	return rtt, true
}

// Expire forgets pings sent before cutoff and returns how many were dropped.
func (t *LatencyTracker) Expire(cutoff time.Time) int {
	dropped := 0
	for id, sentAt := range t.pending {
		if sentAt.Before(cutoff) {
			delete(t.pending, id)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of unanswered pings.
func (t *LatencyTracker) Pending() int {
	return len(t.pending)
}
