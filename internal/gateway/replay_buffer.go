package gateway

import "sync"

// replayEntry is one broadcast envelope kept for backfill.
type replayEntry struct {
	Seq         int64
	PortfolioID string
	Symbol      string
	Data        []byte
}

// ReplayBuffer is a fixed-size ring of the most recent envelopes, oldest
// overwritten first. Safe for concurrent use.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	pos  int // next write position
	full bool
}

// NewReplayBuffer creates a buffer holding capacity envelopes (default 1000).
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ReplayBuffer{buf: make([]replayEntry, capacity)}
}

// Push stores a copy of data under seq.
func (rb *ReplayBuffer) Push(e replayEntry) {
	e.Data = append([]byte(nil), e.Data...)

	rb.mu.Lock()
	rb.buf[rb.pos] = e
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
	rb.mu.Unlock()
}

// Range returns entries with seq in [fromSeq, toSeq] that keep accepts,
// oldest first. A nil keep accepts everything.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64, keep func(replayEntry) bool) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	n := rb.len()
	for i := 0; i < n; i++ {
		e := rb.buf[rb.index(i)]
		if e.Seq < fromSeq || e.Seq > toSeq {
			continue
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Oldest returns the lowest retained seq, or 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.len() == 0 {
		return 0
	}
	return rb.buf[rb.index(0)].Seq
}

// Len returns the number of retained entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *ReplayBuffer) len() int {
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// index maps a logical position (0 = oldest) to a slot.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % len(rb.buf)
	}
	return logical
}
