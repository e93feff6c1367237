// Package upload drives the upload of a batch of video files, one upload session per file.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/upos-tools/go-uploader/upload/line"
	"github.com/upos-tools/go-uploader/upload/progress"
	"github.com/upos-tools/go-uploader/upload/upos"
	"github.com/upos-tools/go-uploader/video"
)

// ErrNoFiles is returned when Upload is called without paths.
var ErrNoFiles = errors.New("no video files to upload")

// Config ...
type Config struct {
	// Line names the upload line. Empty picks one by probing.
	Line string

	// ChunkSize overrides the negotiated chunk size when positive.
	ChunkSize int

	// StopOnError aborts the batch at the first failed file.
	StopOnError bool

	// Session configures every upload session. Session.Concurrency is the chunk upload limit.
	Session upos.Config
}

// Validate ...
func (c Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size should not be negative, got %d", c.ChunkSize)
	}
	if c.Line != "" {
		if _, err := line.Lookup(c.Line); err != nil {
			return err
		}
	}
	return c.Session.Validate()
}

// ProgressFactory returns the sink receiving the progress of f and a function
// called once the upload of f has ended.
type ProgressFactory func(f video.File) (progress.Sink, func())

// Result is the outcome of one file's upload.
type Result struct {
	Path    string
	File    video.File
	Video   video.Video
	Err     error
	Elapsed time.Duration
}

// Videos returns the videos of the successful results.
func Videos(results []Result) []video.Video {
	var videos []video.Video
	for _, r := range results {
		if r.Err == nil {
			videos = append(videos, r.Video)
		}
	}
	return videos
}

// Uploader uploads video files through one line.
type Uploader struct {
	config          Config
	preuploader     Preuploader
	prober          line.Prober
	resolver        video.Resolver
	client          *retryablehttp.Client
	progressFactory ProgressFactory
	logger          log.Logger
}

// NewUploader creates an Uploader. A nil prober probes the candidate lines by latency,
// a nil progressFactory discards the progress.
func NewUploader(config Config, preuploader Preuploader, prober line.Prober, progressFactory ProgressFactory, logger log.Logger) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upload config: %w", err)
	}
	if preuploader == nil {
		return nil, errors.New("preuploader is not set")
	}
	if prober == nil {
		prober = line.NewLatencyProber(logger)
	}

	return &Uploader{
		config:          config,
		preuploader:     preuploader,
		prober:          prober,
		resolver:        video.NewResolver(),
		client:          upos.NewHTTPClient(config.Session, logger),
		progressFactory: progressFactory,
		logger:          logger,
	}, nil
}

// Upload uploads the files at paths one after the other. The line is resolved once, before
// any file is touched. A failing file does not stop the others unless Config.StopOnError is set;
// its error is reported in its Result.
func (u *Uploader) Upload(ctx context.Context, paths []string) ([]Result, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}

	l, err := line.Resolve(ctx, u.config.Line, u.prober)
	if err != nil {
		return nil, err
	}
	u.logger.Infof("Uploading %d file(s) through line %s", len(paths), l)

	results := make([]Result, 0, len(paths))
	for _, pth := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := u.UploadFile(ctx, l, pth)
		results = append(results, result)

		if result.Err != nil {
			u.logger.Errorf("Failed to upload %s: %s", pth, result.Err)
			if u.config.StopOnError {
				return results, fmt.Errorf("upload %s: %w", pth, result.Err)
			}
			continue
		}

		u.logger.Donef("Uploaded %s (%s) in %s, %s/s",
			result.File.Name,
			units.HumanSize(float64(result.File.Size)),
			result.Elapsed.Round(time.Millisecond),
			units.HumanSize(progress.Throughput(result.File.Size, result.Elapsed)))
	}

	return results, nil
}

// UploadFile uploads the file at pth through line l.
func (u *Uploader) UploadFile(ctx context.Context, l line.Line, pth string) Result {
	result := Result{Path: pth}

	f, err := u.resolver.Resolve(pth)
	if err != nil {
		result.Err = err
		return result
	}
	result.File = f

	start := time.Now()
	v, err := u.uploadFile(ctx, l, f)
	result.Elapsed = time.Since(start)
	result.Video = v
	result.Err = err
	return result
}

func (u *Uploader) uploadFile(ctx context.Context, l line.Line, f video.File) (video.Video, error) {
	u.logger.Infof("Uploading %s (%s)", f.Title(), units.HumanSize(float64(f.Size)))

	target, err := u.preuploader.Preupload(ctx, l, f)
	if err != nil {
		return video.Video{}, err
	}
	if u.config.ChunkSize > 0 {
		target.ChunkSize = u.config.ChunkSize
	}
	u.logger.Debugf("Upload target of %s: %s, chunk size %s", f.Name, target.Endpoint, units.BytesSize(float64(target.ChunkSize)))

	session, err := upos.NewSession(u.client, target, u.config.Session, u.logger)
	if err != nil {
		return video.Video{}, err
	}

	source, err := u.resolver.Open(f)
	if err != nil {
		return video.Video{}, err
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", f.Path, err)
		}
	}()

	sink := progress.Discard
	if u.progressFactory != nil {
		var done func()
		sink, done = u.progressFactory(f)
		if done != nil {
			defer done()
		}
	}

	return session.Run(ctx, source, f.Size, f.Path, sink)
}
