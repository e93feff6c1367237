package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/upos-tools/go-uploader/upload/line"
	"github.com/upos-tools/go-uploader/upload/progress"
	"github.com/upos-tools/go-uploader/upload/upos"
	"github.com/upos-tools/go-uploader/video"
)

type uposServer struct {
	mu           sync.Mutex
	failFinalize map[string]bool
	chunks       map[string]int
	received     map[string]int
	finalized    []string
}

func newUposServer(t *testing.T) (*uposServer, *httptest.Server) {
	s := &uposServer{
		failFinalize: map[string]bool{},
		chunks:       map[string]int{},
		received:     map[string]int{},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		object := r.URL.Path
		switch {
		case r.Method == http.MethodPost && r.URL.Query().Has("uploads"):
			_, _ = io.WriteString(w, `{"upload_id":"id`+strings.ReplaceAll(object, "/", "-")+`"}`)
		case r.Method == http.MethodPut:
			n, err := io.Copy(io.Discard, r.Body)
			require.NoError(t, err)
			s.mu.Lock()
			s.chunks[object]++
			s.received[object] += int(n)
			s.mu.Unlock()
		case r.Method == http.MethodPost:
			s.mu.Lock()
			defer s.mu.Unlock()
			s.finalized = append(s.finalized, object)
			if s.failFinalize[object] {
				_, _ = io.WriteString(w, `{"OK":0}`)
				return
			}
			_, _ = io.WriteString(w, `{"OK":1}`)
		}
	}))
	return s, server
}

func targetFor(server *httptest.Server, object string, chunkSize int) upos.Target {
	return upos.Target{
		ChunkSize: chunkSize,
		Auth:      "auth-" + object,
		Endpoint:  strings.TrimPrefix(server.URL, "http:"),
		BizID:     42,
		UposURI:   "upos://ugcboss/" + object + ".mp4",
	}
}

func writeVideo(t *testing.T, dir, name string, size int) string {
	pth := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(pth, make([]byte, size), 0600))
	return pth
}

func fileNamed(name string) interface{} {
	return mock.MatchedBy(func(f video.File) bool { return f.Name == name })
}

func testUploaderConfig(lineName string) Config {
	session := upos.DefaultConfig()
	session.Scheme = "http"
	session.Concurrency = 2
	session.RetryWaitMin = time.Millisecond
	session.RetryWaitMax = 5 * time.Millisecond
	return Config{Line: lineName, Session: session}
}

func TestUploader_Upload(t *testing.T) {
	dir := t.TempDir()
	first := writeVideo(t, dir, "first.mp4", 2500)
	second := writeVideo(t, dir, "second.flv", 1000)

	state, server := newUposServer(t)
	defer server.Close()

	preuploader := &MockPreuploader{}
	preuploader.On("Preupload", mock.Anything, mock.Anything, fileNamed("first.mp4")).Return(targetFor(server, "n1", 1024), nil)
	preuploader.On("Preupload", mock.Anything, mock.Anything, fileNamed("second.flv")).Return(targetFor(server, "n2", 1024), nil)

	counters := map[string]*progress.Counter{}
	var doneCalls int
	factory := func(f video.File) (progress.Sink, func()) {
		counter := &progress.Counter{}
		counters[f.Name] = counter
		return counter, func() { doneCalls++ }
	}

	uploader, err := NewUploader(testUploaderConfig("ws"), preuploader, nil, factory, log.NewLogger())
	require.NoError(t, err)

	results, err := uploader.Upload(context.Background(), []string{first, second})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []video.Video{
		{Title: "first", Filename: "n1", Desc: ""},
		{Title: "second", Filename: "n2", Desc: ""},
	}, Videos(results))
	assert.Equal(t, int64(2500), results[0].File.Size)
	assert.Equal(t, first, results[0].Path)

	assert.Equal(t, 3, state.chunks["/ugcboss/n1.mp4"])
	assert.Equal(t, 2500, state.received["/ugcboss/n1.mp4"])
	assert.Equal(t, 1, state.chunks["/ugcboss/n2.mp4"])
	assert.Equal(t, []string{"/ugcboss/n1.mp4", "/ugcboss/n2.mp4"}, state.finalized)

	assert.Equal(t, int64(2500), counters["first.mp4"].Load())
	assert.Equal(t, int64(1000), counters["second.flv"].Load())
	assert.Equal(t, 2, doneCalls)

	preuploader.AssertNumberOfCalls(t, "Preupload", 2)
	ws, err := line.Lookup("ws")
	require.NoError(t, err)
	preuploader.AssertCalled(t, "Preupload", mock.Anything, ws, fileNamed("first.mp4"))
}

func TestUploader_Upload_IsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	good := writeVideo(t, dir, "good.mp4", 2048)
	rejected := writeVideo(t, dir, "rejected.mp4", 2048)
	unavailable := writeVideo(t, dir, "unavailable.mp4", 2048)
	missing := filepath.Join(dir, "missing.mp4")
	last := writeVideo(t, dir, "last.mp4", 100)

	state, server := newUposServer(t)
	defer server.Close()
	state.failFinalize["/ugcboss/rejected.mp4"] = true

	preuploadErr := errors.New("preupload unavailable")
	preuploader := &MockPreuploader{}
	preuploader.On("Preupload", mock.Anything, mock.Anything, fileNamed("good.mp4")).Return(targetFor(server, "good", 1024), nil)
	preuploader.On("Preupload", mock.Anything, mock.Anything, fileNamed("rejected.mp4")).Return(targetFor(server, "rejected", 1024), nil)
	preuploader.On("Preupload", mock.Anything, mock.Anything, fileNamed("unavailable.mp4")).Return(upos.Target{}, preuploadErr)
	preuploader.On("Preupload", mock.Anything, mock.Anything, fileNamed("last.mp4")).Return(targetFor(server, "last", 1024), nil)

	uploader, err := NewUploader(testUploaderConfig("bda2"), preuploader, nil, nil, log.NewLogger())
	require.NoError(t, err)

	results, err := uploader.Upload(context.Background(), []string{good, rejected, unavailable, missing, last})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.NoError(t, results[0].Err)

	var protocolErr *upos.ProtocolError
	require.True(t, errors.As(results[1].Err, &protocolErr))
	assert.Equal(t, `{"OK":0}`, protocolErr.Body)
	assert.Equal(t, video.Video{}, results[1].Video)

	assert.True(t, errors.Is(results[2].Err, preuploadErr))
	assert.True(t, errors.Is(results[3].Err, os.ErrNotExist))
	assert.NoError(t, results[4].Err)

	assert.Equal(t, []video.Video{
		{Title: "good", Filename: "good"},
		{Title: "last", Filename: "last"},
	}, Videos(results))
	preuploader.AssertNumberOfCalls(t, "Preupload", 4)
}

func TestUploader_Upload_StopOnError(t *testing.T) {
	dir := t.TempDir()
	first := writeVideo(t, dir, "first.mp4", 10)
	second := writeVideo(t, dir, "second.mp4", 10)

	preuploadErr := errors.New("account is not logged in")
	preuploader := (&MockPreuploader{}).GivenPreuploadFails(preuploadErr)

	config := testUploaderConfig("qn")
	config.StopOnError = true
	uploader, err := NewUploader(config, preuploader, nil, nil, log.NewLogger())
	require.NoError(t, err)

	results, err := uploader.Upload(context.Background(), []string{first, second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, preuploadErr))
	assert.Len(t, results, 1)
	preuploader.AssertNumberOfCalls(t, "Preupload", 1)
}

func TestUploader_Upload_ProbesLineOnce(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeVideo(t, dir, "a.mp4", 10), writeVideo(t, dir, "b.mp4", 10)}

	_, server := newUposServer(t)
	defer server.Close()

	ws, err := line.Lookup("ws")
	require.NoError(t, err)
	prober := &MockProber{}
	prober.On("Probe", mock.Anything).Return(ws)

	preuploader := (&MockPreuploader{}).GivenPreuploadSucceeds(targetFor(server, "probed", 1024))

	uploader, err := NewUploader(testUploaderConfig(""), preuploader, prober, nil, log.NewLogger())
	require.NoError(t, err)

	results, err := uploader.Upload(context.Background(), paths)
	require.NoError(t, err)
	assert.Len(t, Videos(results), 2)

	prober.AssertNumberOfCalls(t, "Probe", 1)
	preuploader.AssertCalled(t, "Preupload", mock.Anything, ws, fileNamed("a.mp4"))
	preuploader.AssertCalled(t, "Preupload", mock.Anything, ws, fileNamed("b.mp4"))
}

func TestUploader_Upload_ChunkSizeOverride(t *testing.T) {
	dir := t.TempDir()
	pth := writeVideo(t, dir, "big.mp4", 1000)

	state, server := newUposServer(t)
	defer server.Close()

	preuploader := (&MockPreuploader{}).GivenPreuploadSucceeds(targetFor(server, "big", 1024*1024))

	config := testUploaderConfig("bda2")
	config.ChunkSize = 100
	uploader, err := NewUploader(config, preuploader, nil, nil, log.NewLogger())
	require.NoError(t, err)

	results, err := uploader.Upload(context.Background(), []string{pth})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 10, state.chunks["/ugcboss/big.mp4"])
}

func TestNewUploader_UnknownLine(t *testing.T) {
	preuploader := &MockPreuploader{}
	prober := &MockProber{}

	_, err := NewUploader(testUploaderConfig("foo"), preuploader, prober, nil, log.NewLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, line.ErrUnknownLine))

	preuploader.AssertNotCalled(t, "Preupload", mock.Anything, mock.Anything, mock.Anything)
	prober.AssertNotCalled(t, "Probe", mock.Anything)
}

func TestNewUploader_InvalidConfig(t *testing.T) {
	config := testUploaderConfig("")
	config.Session.Concurrency = 0
	_, err := NewUploader(config, &MockPreuploader{}, nil, nil, log.NewLogger())
	assert.Error(t, err)

	config = testUploaderConfig("")
	config.ChunkSize = -1
	_, err = NewUploader(config, &MockPreuploader{}, nil, nil, log.NewLogger())
	assert.Error(t, err)

	_, err = NewUploader(testUploaderConfig(""), nil, nil, nil, log.NewLogger())
	assert.Error(t, err)
}

func TestUploader_Upload_NoFiles(t *testing.T) {
	uploader, err := NewUploader(testUploaderConfig("bda2"), &MockPreuploader{}, nil, nil, log.NewLogger())
	require.NoError(t, err)

	_, err = uploader.Upload(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoFiles))
}
