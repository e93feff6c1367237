package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Reporter is a Counter that periodically logs the transferred amount of one file.
type Reporter struct {
	Counter

	name     string
	total    int64
	interval time.Duration
	logger   log.Logger
	start    time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReporter starts logging the progress of name every interval until Stop is called.
func NewReporter(name string, total int64, interval time.Duration, logger log.Logger) *Reporter {
	r := &Reporter{
		name:     name,
		total:    total,
		interval: interval,
		logger:   logger,
		start:    time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Stop ends the periodic logging. It is safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *Reporter) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.logger.Printf("%s", r.line())
		}
	}
}

func (r *Reporter) line() string {
	sent := r.Load()
	percent := 0.0
	if r.total > 0 {
		percent = float64(sent) * 100 / float64(r.total)
	}
	rate := Throughput(sent, time.Since(r.start))
	return fmt.Sprintf("%s: %s / %s (%s/s, %.1f%%)",
		r.name,
		units.HumanSizeWithPrecision(float64(sent), 3),
		units.HumanSizeWithPrecision(float64(r.total), 3),
		units.HumanSizeWithPrecision(rate, 3),
		percent)
}
