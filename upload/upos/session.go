// Package upos drives one file's chunked upload session against an UPOS endpoint.
package upos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/upos-tools/go-uploader/upload/chunk"
	"github.com/upos-tools/go-uploader/upload/progress"
	"github.com/upos-tools/go-uploader/video"
)

const authHeader = "X-Upos-Auth"

// State is the lifecycle state of a Session.
type State int32

// Session states. Failed is reachable from every non terminal state.
const (
	StateNegotiating State = iota
	StateUploading
	StateFinalizing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateUploading:
		return "uploading"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// sessionInfo is the read-only view of a started session shared by the chunk uploads.
type sessionInfo struct {
	url       string
	uploadID  string
	chunkSize int
	chunks    int
	total     int64
}

// Session uploads one file to one negotiated Target.
type Session struct {
	client *retryablehttp.Client
	target Target
	config Config
	logger log.Logger
	stats  *progress.Stats

	url      string
	uploadID string
	state    atomic.Int32
}

// NewSession creates a Session in the negotiating state. client is shared by concurrent sessions.
func NewSession(client *retryablehttp.Client, target Target, config Config, logger log.Logger) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upload target: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	return &Session{
		client: client,
		target: target,
		config: config,
		logger: logger,
		stats:  progress.NewStats(),
		url:    target.URL(config.Scheme),
	}, nil
}

// State returns the current state. It is safe to call concurrently with the upload.
func (s *Session) State() State {
	return State(s.state.Load())
}

// UploadID returns the identifier assigned by the endpoint, empty before Start.
func (s *Session) UploadID() string {
	return s.uploadID
}

// Stats returns the chunk upload statistics.
func (s *Session) Stats() *progress.Stats {
	return s.stats
}

// Run uploads total bytes read from source and finalizes them into a Video named after localPath.
func (s *Session) Run(ctx context.Context, source io.Reader, total int64, localPath string, sink progress.Sink) (video.Video, error) {
	if err := s.Start(ctx); err != nil {
		return video.Video{}, err
	}

	reader, err := chunk.NewReader(source, s.target.ChunkSize)
	if err != nil {
		return video.Video{}, s.fail(err)
	}

	parts, err := s.UploadChunks(ctx, reader, total, sink)
	if err != nil {
		return video.Video{}, err
	}

	return s.Finalize(ctx, parts, localPath)
}

// Start requests an upload id for the session.
func (s *Session) Start(ctx context.Context) error {
	if state := s.State(); state != StateNegotiating {
		return fmt.Errorf("start session: session is %s", state)
	}

	s.logger.Debugf("Start upload session: %s", s.url)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url+"?uploads&output=json", nil)
	if err != nil {
		return s.fail(fmt.Errorf("create request: %w", err))
	}
	s.setHeaders(req)
	s.dumpRequest("Start session", req)

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(fmt.Errorf("start session: %w", err))
	}
	defer s.closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return s.fail(fmt.Errorf("start session: read response: %w", err))
	}
	s.logger.Debugf("Start session response: HTTP %d: %s", resp.StatusCode, body)

	if !isSuccess(resp) {
		return s.fail(&ProtocolError{Op: "start session", StatusCode: resp.StatusCode, Body: string(body)})
	}

	var response startResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return s.fail(&ProtocolError{Op: "start session", StatusCode: resp.StatusCode, Body: string(body), Err: err})
	}
	if response.UploadID == "" {
		return s.fail(&ProtocolError{Op: "start session", StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("missing upload_id")})
	}

	s.uploadID = response.UploadID
	s.logger.Debugf("Upload ID: %s", s.uploadID)
	s.setState(StateUploading)
	return nil
}

// UploadChunks uploads every chunk of reader with at most Config.Concurrency uploads in flight.
// Chunks are read sequentially and may complete in any order. The first permanent failure
// cancels the in-flight uploads and stops scheduling new ones.
// The returned parts are ordered by part number, one per chunk.
func (s *Session) UploadChunks(ctx context.Context, reader *chunk.Reader, total int64, sink progress.Sink) ([]Part, error) {
	if state := s.State(); state != StateUploading {
		return nil, fmt.Errorf("upload chunks: session is %s", state)
	}
	if reader.Size() != s.target.ChunkSize {
		return nil, s.fail(fmt.Errorf("chunk size mismatch: reader uses %d, target %d", reader.Size(), s.target.ChunkSize))
	}
	if total <= 0 {
		return nil, s.fail(ErrNoParts)
	}
	if sink == nil {
		sink = progress.Discard
	}

	info := sessionInfo{
		url:       s.url,
		uploadID:  s.uploadID,
		chunkSize: s.target.ChunkSize,
		chunks:    chunk.Count(total, s.target.ChunkSize),
		total:     total,
	}
	s.logger.Debugf("Uploading %d chunks, %dB each, concurrency %d", info.chunks, info.chunkSize, s.config.Concurrency)

	parts := make([]Part, info.chunks)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	var readErr error
	for gctx.Err() == nil {
		c, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			cancel()
			break
		}
		if c.Index >= info.chunks {
			readErr = fmt.Errorf("source is larger than %d bytes", total)
			cancel()
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			part, err := s.uploadChunk(gctx, info, c, sink)
			if err != nil {
				return err
			}
			parts[c.Index] = part
			return nil
		})
	}

	err := g.Wait()
	if readErr != nil {
		return nil, s.fail(readErr)
	}
	if err != nil {
		return nil, s.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, s.fail(fmt.Errorf("upload cancelled: %w", err))
	}

	for i, p := range parts {
		if p.PartNumber != i+1 {
			return nil, s.fail(fmt.Errorf("chunk %d of %d was not uploaded: source is smaller than %d bytes", i+1, info.chunks, total))
		}
	}

	s.logger.Debugf("Uploaded %d chunks (%d bytes), chunk upload time %s, avg %s",
		s.stats.FinishedCount(), s.stats.Bytes(), s.stats.TotalDuration().Round(time.Millisecond), s.stats.Average().Round(time.Millisecond))
	s.setState(StateFinalizing)
	return parts, nil
}

func (s *Session) uploadChunk(ctx context.Context, info sessionInfo, c chunk.Chunk, sink progress.Sink) (Part, error) {
	desc := newChunkDescriptor(info.uploadID, c.Index, c.Len(), info.chunkSize, info.chunks, info.total)

	// Every attempt reads a fresh tap; the bytes of the previous, failed attempt are revoked.
	var tap *progress.Tap
	revoke := func() {
		if tap != nil {
			tap.Revoke()
		}
	}
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		revoke()
		tap = progress.NewTap(c.Data, sink)
		return tap, nil
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, info.url+"?"+desc.Query().Encode(), body)
	if err != nil {
		return Part{}, fmt.Errorf("create request: %w", err)
	}
	s.setHeaders(req)
	req.ContentLength = int64(c.Len())

	s.logger.Debugf("Uploading chunk %d/%d (%d bytes) [finished=%d] [avg=%v]",
		desc.PartNumber, info.chunks, desc.Size, s.stats.FinishedCount(), s.stats.Average().Round(time.Millisecond))

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		revoke()
		return Part{}, fmt.Errorf("upload chunk %d: %w", desc.PartNumber, err)
	}
	defer s.closeBody(resp.Body)

	if !isSuccess(resp) {
		revoke()
		return Part{}, fmt.Errorf("upload chunk %d: %w", desc.PartNumber, unwrapError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	took := time.Since(start)
	s.stats.Update(took, int64(c.Len()))
	s.logger.Debugf("Chunk %d/%d uploaded in %v", desc.PartNumber, info.chunks, took.Round(time.Millisecond))

	etag := PlaceholderETag
	if s.config.UseResponseETag {
		if tag := resp.Header.Get("ETag"); tag != "" {
			etag = tag
		}
	}

	return Part{PartNumber: desc.PartNumber, ETag: etag}, nil
}

// Finalize registers the uploaded parts as one video. localPath names the destination file
// and titles the returned Video.
func (s *Session) Finalize(ctx context.Context, parts []Part, localPath string) (video.Video, error) {
	if state := s.State(); state != StateFinalizing {
		return video.Video{}, fmt.Errorf("finalize: session is %s", state)
	}
	if len(parts) == 0 {
		return video.Video{}, s.fail(ErrNoParts)
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	payload, err := json.Marshal(completeRequest{Parts: sorted})
	if err != nil {
		return video.Video{}, s.fail(err)
	}

	q := url.Values{}
	q.Set("name", filepath.Base(localPath))
	q.Set("uploadId", s.uploadID)
	q.Set("biz_id", fmt.Sprintf("%d", s.target.BizID))
	q.Set("output", "json")
	q.Set("profile", "ugcupos/bup")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url+"?"+q.Encode(), payload)
	if err != nil {
		return video.Video{}, s.fail(fmt.Errorf("create request: %w", err))
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	s.dumpRequest("Finalize", req)

	resp, err := s.client.Do(req)
	if err != nil {
		return video.Video{}, s.fail(fmt.Errorf("finalize: %w", err))
	}
	defer s.closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return video.Video{}, s.fail(fmt.Errorf("finalize: read response: %w", err))
	}
	s.logger.Debugf("Finalize response: HTTP %d: %s", resp.StatusCode, body)

	var response completeResponse
	if !isSuccess(resp) {
		return video.Video{}, s.fail(&ProtocolError{Op: "finalize", StatusCode: resp.StatusCode, Body: string(body)})
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return video.Video{}, s.fail(&ProtocolError{Op: "finalize", StatusCode: resp.StatusCode, Body: string(body), Err: err})
	}
	if response.OK != 1 {
		return video.Video{}, s.fail(&ProtocolError{Op: "finalize", StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("OK flag is not set")})
	}

	s.setState(StateComplete)
	return video.Video{
		Title:    video.Stem(localPath),
		Filename: video.Stem(s.target.UposURI),
		Desc:     "",
	}, nil
}

func (s *Session) setHeaders(req *retryablehttp.Request) {
	req.Header.Set(authHeader, s.target.Auth)
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	return err
}

func (s *Session) dumpRequest(name string, req *retryablehttp.Request) {
	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		s.logger.Warnf("error while dumping request: %s", err)
		return
	}
	if s.target.Auth != "" {
		dump = bytes.ReplaceAll(dump, []byte(s.target.Auth), []byte("[REDACTED]"))
	}
	s.logger.Debugf("%s request dump: %s", name, string(dump))
}

func (s *Session) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		s.logger.Printf(err.Error())
	}
}
