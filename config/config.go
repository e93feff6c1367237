// Package config loads the uploader settings from a YAML file and UPOS_ prefixed environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/upos-tools/go-uploader/upload"
	"github.com/upos-tools/go-uploader/upload/line"
	"github.com/upos-tools/go-uploader/upload/upos"
)

// EnvPrefix prefixes the environment variables overriding the file settings.
const EnvPrefix = "UPOS"

// Retry ...
type Retry struct {
	Max     int           `yaml:"max" envconfig:"MAX"`
	WaitMin time.Duration `yaml:"wait_min" envconfig:"WAIT_MIN"`
	WaitMax time.Duration `yaml:"wait_max" envconfig:"WAIT_MAX"`
}

// Config holds the uploader settings.
type Config struct {
	// Line names the upload line, empty probes for the fastest one.
	Line string `yaml:"line" envconfig:"LINE"`
	// Limit is the number of concurrent chunk uploads per file.
	Limit int `yaml:"limit" envconfig:"LIMIT"`
	// ChunkSize overrides the negotiated chunk size, e.g. "8MB". Empty keeps the negotiated one.
	ChunkSize  string `yaml:"chunk_size" envconfig:"CHUNK_SIZE"`
	CookieFile string `yaml:"cookie_file" envconfig:"COOKIE_FILE"`
	MemberURL  string `yaml:"member_url" envconfig:"MEMBER_URL"`

	Retry           Retry         `yaml:"retry" envconfig:"RETRY"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	UseResponseETag bool          `yaml:"use_response_etag" envconfig:"USE_RESPONSE_ETAG"`
	StopOnError     bool          `yaml:"stop_on_error" envconfig:"STOP_ON_ERROR"`
}

// Default returns the settings used for the keys missing from the file and the environment.
func Default() Config {
	session := upos.DefaultConfig()
	return Config{
		Limit:      session.Concurrency,
		CookieFile: "cookies.json",
		MemberURL:  upload.DefaultMemberURL,
		Retry: Retry{
			Max:     session.MaxRetries,
			WaitMin: session.RetryWaitMin,
			WaitMax: session.RetryWaitMax,
		},
		Timeout: session.Timeout,
	}
}

// Loader reads Config values.
type Loader struct {
	envRepo env.Repository
}

// NewLoader ...
func NewLoader(envRepo env.Repository) Loader {
	return Loader{envRepo: envRepo}
}

// Load reads the YAML file at pth over the defaults, then applies the environment overrides.
// An empty pth skips the file.
func (l Loader) Load(pth string) (Config, error) {
	cfg := Default()

	if pth != "" {
		data, err := os.ReadFile(pth)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", pth, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.CookieFile = l.expandPath(cfg.CookieFile)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (l Loader) expandPath(pth string) string {
	if pth == "~" || strings.HasPrefix(pth, "~/") {
		if home := l.envRepo.Get("HOME"); home != "" {
			pth = filepath.Join(home, strings.TrimPrefix(pth, "~"))
		}
	}
	return os.Expand(pth, l.envRepo.Get)
}

// ChunkSizeBytes returns the chunk size override in bytes, 0 when it is not set.
func (c Config) ChunkSizeBytes() (int, error) {
	if c.ChunkSize == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", c.ChunkSize, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("invalid chunk size %q: should be positive", c.ChunkSize)
	}
	return int(size), nil
}

// Validate ...
func (c Config) Validate() error {
	if c.Line != "" {
		if _, err := line.Lookup(c.Line); err != nil {
			return err
		}
	}
	if c.Limit < 1 {
		return fmt.Errorf("limit should be at least 1, got %d", c.Limit)
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if c.Retry.Max < 0 {
		return fmt.Errorf("retry max should not be negative, got %d", c.Retry.Max)
	}
	if c.Retry.WaitMax < c.Retry.WaitMin {
		return fmt.Errorf("retry wait_max (%s) is less than wait_min (%s)", c.Retry.WaitMax, c.Retry.WaitMin)
	}
	return nil
}

// UploaderConfig converts the settings to the upload package configuration.
func (c Config) UploaderConfig() (upload.Config, error) {
	chunkSize, err := c.ChunkSizeBytes()
	if err != nil {
		return upload.Config{}, err
	}

	session := upos.DefaultConfig()
	session.Concurrency = c.Limit
	session.MaxRetries = c.Retry.Max
	session.RetryWaitMin = c.Retry.WaitMin
	session.RetryWaitMax = c.Retry.WaitMax
	session.Timeout = c.Timeout
	session.UseResponseETag = c.UseResponseETag

	return upload.Config{
		Line:        c.Line,
		ChunkSize:   chunkSize,
		StopOnError: c.StopOnError,
		Session:     session,
	}, nil
}
