package progress

import "sync/atomic"

// Counter is a Sink accumulating the reported bytes.
type Counter struct {
	n atomic.Int64
}

// Add ...
func (c *Counter) Add(n int64) {
	c.n.Add(n)
}

// Load returns the current total.
func (c *Counter) Load() int64 {
	return c.n.Load()
}

// Tee forwards every increment to all sinks.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(n int64) {
		for _, s := range sinks {
			if s != nil {
				s.Add(n)
			}
		}
	})
}
