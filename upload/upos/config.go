package upos

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultUserAgent is sent with every UPOS request.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/63.0.3239.108"

// PlaceholderETag is the content tag submitted for every part unless Config.UseResponseETag is set.
const PlaceholderETag = "etag"

// Config holds configuration for an upload session.
type Config struct {
	// Concurrency is the maximum number of chunk uploads in flight for one file.
	// Default: 3
	Concurrency int

	// MaxRetries is the number of retries of a request failing transiently.
	// Default: 3
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds a single request attempt.
	// Default: 300 seconds
	Timeout time.Duration

	// Scheme completes scheme relative endpoints.
	// Default: https
	Scheme string

	UserAgent string

	// UseResponseETag submits the ETag header of each chunk response instead of PlaceholderETag.
	UseResponseETag bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:  3,
		MaxRetries:   3,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 30 * time.Second,
		Timeout:      300 * time.Second,
		Scheme:       "https",
		UserAgent:    DefaultUserAgent,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries should not be negative, got %d", c.MaxRetries)
	}
	if c.Scheme == "" {
		return fmt.Errorf("scheme should not be empty")
	}
	return nil
}

// NewHTTPClient creates the retrying client shared by every request of the sessions using cfg.
// Network errors, 429 and every 5xx response, 501 included, are retried with exponential backoff.
func NewHTTPClient(cfg Config, logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.Backoff = retryablehttp.DefaultBackoff
	client.CheckRetry = createCheckRetry(logger)
	client.HTTPClient.Timeout = cfg.Timeout
	return client
}

func createCheckRetry(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if !retry && checkErr == nil && resp != nil && resp.StatusCode == http.StatusNotImplemented {
			retry = true
		}
		if retry {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			logger.Debugf("Retrying request: status=%d ; err=%v", status, err)
		}
		return retry, checkErr
	}
}
