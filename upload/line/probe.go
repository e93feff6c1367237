package line

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-cleanhttp"
)

// LatencyProber races the probe URLs of the candidate lines and picks the first one to answer.
type LatencyProber struct {
	// Client performs the probe requests. Probes are never retried.
	Client *http.Client
	// Scheme completes the scheme relative probe URLs.
	Scheme string
	// Timeout bounds the whole race.
	Timeout time.Duration
	// Lines are the raced candidates.
	Lines []Line

	logger log.Logger
}

// NewLatencyProber ...
func NewLatencyProber(logger log.Logger) *LatencyProber {
	return &LatencyProber{
		Client:  cleanhttp.DefaultPooledClient(),
		Scheme:  "https",
		Timeout: 10 * time.Second,
		Lines:   Candidates(),
		logger:  logger,
	}
}

type probeResult struct {
	line Line
	cost time.Duration
	err  error
}

// Probe returns the line whose probe URL answered first with a success status.
// If every probe fails it falls back to Default.
func (p *LatencyProber) Probe(ctx context.Context) Line {
	if len(p.Lines) == 0 {
		return Default()
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan probeResult, len(p.Lines))
	for _, l := range p.Lines {
		go func(l Line) {
			cost, err := p.measure(ctx, l)
			results <- probeResult{line: l, cost: cost, err: err}
		}(l)
	}

	for range p.Lines {
		r := <-results
		if r.err != nil {
			p.logger.Debugf("Probe of line %s failed: %s", r.line.Name, r.err)
			continue
		}
		p.logger.Debugf("Line %s answered in %s", r.line.Name, r.cost.Round(time.Millisecond))
		return r.line
	}

	fallback := Default()
	p.logger.Warnf("Failed to probe upload lines, falling back to %s", fallback.Name)
	return fallback
}

func (p *LatencyProber) measure(ctx context.Context, l Line) (time.Duration, error) {
	url := l.ProbeURL
	if strings.HasPrefix(url, "//") {
		url = p.Scheme + ":" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
