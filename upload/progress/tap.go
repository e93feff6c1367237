// Package progress reports the bytes consumed from outgoing chunk bodies.
package progress

import (
	"io"
	"sync"
)

// BlockSize is the reporting granularity of a Tap.
const BlockSize = 4096

// Sink receives byte increments. Negative increments revoke bytes reported by a failed attempt.
// Implementations must be safe for concurrent use.
type Sink interface {
	Add(n int64)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(n int64)

// Add ...
func (f SinkFunc) Add(n int64) {
	f(n)
}

type discard struct{}

func (discard) Add(int64) {}

// Discard is a Sink that ignores every increment.
var Discard Sink = discard{}

// Tap wraps one chunk's payload and reports every block handed downstream to a Sink.
// A Tap is read by a single consumer; Revoke may be called from another goroutine.
type Tap struct {
	data []byte
	off  int

	mu       sync.Mutex
	sink     Sink
	reported int64
	revoked  bool
}

// NewTap creates a Tap over data. A nil sink discards the increments.
func NewTap(data []byte, sink Sink) *Tap {
	if sink == nil {
		sink = Discard
	}
	return &Tap{data: data, sink: sink}
}

// Next returns the next block of at most BlockSize bytes, or io.EOF once the payload is exhausted.
func (t *Tap) Next() ([]byte, error) {
	block := t.take(BlockSize)
	if block == nil {
		return nil, io.EOF
	}
	return block, nil
}

// Read copies at most one block into p.
func (t *Tap) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	limit := BlockSize
	if len(p) < limit {
		limit = len(p)
	}
	block := t.take(limit)
	if block == nil {
		return 0, io.EOF
	}
	return copy(p, block), nil
}

// Len returns the number of bytes not yet emitted.
func (t *Tap) Len() int {
	return len(t.data) - t.off
}

// Reported returns the bytes currently accounted to the sink by this Tap.
func (t *Tap) Reported() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reported
}

// Revoke takes back every byte this Tap reported and stops further reporting.
// It is used when the request carrying the payload failed.
func (t *Tap) Revoke() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.revoked {
		return
	}
	t.revoked = true
	if t.reported != 0 {
		t.sink.Add(-t.reported)
		t.reported = 0
	}
}

func (t *Tap) take(limit int) []byte {
	n := len(t.data) - t.off
	if n == 0 {
		return nil
	}
	if n > limit {
		n = limit
	}
	block := t.data[t.off : t.off+n]
	t.off += n
	t.report(n)
	return block
}

func (t *Tap) report(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.revoked {
		return
	}
	t.reported += int64(n)
	t.sink.Add(int64(n))
}
