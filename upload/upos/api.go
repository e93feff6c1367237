package upos

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrNoParts is returned when there is nothing to upload or finalize.
var ErrNoParts = errors.New("no parts to upload")

// Target is the upload destination negotiated for one file by the preupload request.
type Target struct {
	ChunkSize int    `json:"chunk_size"`
	Auth      string `json:"auth"`
	Endpoint  string `json:"endpoint"`
	BizID     int64  `json:"biz_id"`
	UposURI   string `json:"upos_uri"`
}

// Validate ...
func (t Target) Validate() error {
	if t.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", t.ChunkSize)
	}
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint is empty")
	}
	if t.UposURI == "" {
		return fmt.Errorf("upos uri is empty")
	}
	return nil
}

// URL returns the session URL: the endpoint followed by the object path of the upos URI.
func (t Target) URL(scheme string) string {
	endpoint := t.Endpoint
	switch {
	case strings.HasPrefix(endpoint, "//"):
		endpoint = scheme + ":" + endpoint
	case !strings.Contains(endpoint, "://"):
		endpoint = scheme + "://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + "/" + strings.TrimPrefix(t.UposURI, "upos://")
}

// ChunkDescriptor identifies one chunk in the chunk upload query.
type ChunkDescriptor struct {
	UploadID   string
	Chunks     int
	Total      int64
	Chunk      int
	Size       int
	PartNumber int
	Start      int64
	End        int64
}

func newChunkDescriptor(uploadID string, index, size, chunkSize, chunks int, total int64) ChunkDescriptor {
	start := int64(index) * int64(chunkSize)
	return ChunkDescriptor{
		UploadID:   uploadID,
		Chunks:     chunks,
		Total:      total,
		Chunk:      index,
		Size:       size,
		PartNumber: index + 1,
		Start:      start,
		End:        start + int64(size),
	}
}

// Query ...
func (d ChunkDescriptor) Query() url.Values {
	q := url.Values{}
	q.Set("uploadId", d.UploadID)
	q.Set("chunks", strconv.Itoa(d.Chunks))
	q.Set("total", strconv.FormatInt(d.Total, 10))
	q.Set("chunk", strconv.Itoa(d.Chunk))
	q.Set("size", strconv.Itoa(d.Size))
	q.Set("partNumber", strconv.Itoa(d.PartNumber))
	q.Set("start", strconv.FormatInt(d.Start, 10))
	q.Set("end", strconv.FormatInt(d.End, 10))
	return q
}

// Part acknowledges one uploaded chunk.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

type startResponse struct {
	UploadID string `json:"upload_id"`
}

type completeRequest struct {
	Parts []Part `json:"parts"`
}

type completeResponse struct {
	OK int `json:"OK"`
}

// ProtocolError is a fatal, non retried response of the upload endpoint.
// Body holds the raw response for diagnosis.
type ProtocolError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: unexpected response (HTTP %d): %s", e.Op, e.StatusCode, e.Body)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StatusError is returned for a request that ended with a non success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

const maxErrorBodySize = 1024

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
