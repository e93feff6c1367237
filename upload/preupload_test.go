package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upos-tools/go-uploader/upload/line"
	"github.com/upos-tools/go-uploader/upload/upos"
	"github.com/upos-tools/go-uploader/video"
)

const preuploadBody = `{"OK":1,"auth":"ak=1&sign=abc","biz_id":1234,"chunk_size":10485760,"endpoint":"//upos-sz-upcdnbda2.bilivideo.com","endpoints":["//upos-sz-upcdnbda2.bilivideo.com"],"upos_uri":"upos://ugcboss/n1.mp4"}`

func testPreuploadClient(baseURL string) *PreuploadClient {
	config := upos.DefaultConfig()
	config.RetryWaitMin = time.Millisecond
	config.RetryWaitMax = 5 * time.Millisecond
	return NewPreuploadClient(&http.Client{}, baseURL, config, log.NewLogger())
}

func TestPreuploadClient_Preupload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/preupload", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "20211012", q.Get("probe_version"))
		assert.Equal(t, "bda2", q.Get("upcdn"))
		assert.Equal(t, "upos", q.Get("r"))
		assert.Equal(t, "ugcupos/bup", q.Get("profile"))
		assert.Equal(t, "0", q.Get("ssl"))
		assert.Equal(t, "2.10.4", q.Get("version"))
		assert.Equal(t, "2100400", q.Get("build"))
		assert.Equal(t, "my stream.mp4", q.Get("name"))
		assert.Equal(t, "10485761", q.Get("size"))

		_, _ = io.WriteString(w, preuploadBody)
	}))
	defer server.Close()

	l, err := line.Lookup("bda2")
	require.NoError(t, err)

	target, err := testPreuploadClient(server.URL+"/").Preupload(context.Background(), l, video.File{Path: "/videos/my stream.mp4", Name: "my stream.mp4", Size: 10485761})
	require.NoError(t, err)
	assert.Equal(t, upos.Target{
		ChunkSize: 10485760,
		Auth:      "ak=1&sign=abc",
		Endpoint:  "//upos-sz-upcdnbda2.bilivideo.com",
		BizID:     1234,
		UposURI:   "upos://ugcboss/n1.mp4",
	}, target)
}

func TestPreuploadClient_Preupload_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "not ok", status: http.StatusOK, body: `{"OK":0,"message":"file too large"}`},
		{name: "missing chunk size", status: http.StatusOK, body: `{"OK":1,"auth":"a","endpoint":"//e","upos_uri":"upos://b/o.mp4"}`},
		{name: "not json", status: http.StatusOK, body: `<html></html>`},
		{name: "forbidden", status: http.StatusForbidden, body: `{"code":-101,"message":"not logged in"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := testPreuploadClient(server.URL).Preupload(context.Background(), line.Default(), video.File{Name: "a.mp4", Size: 1})
			require.Error(t, err)

			var protocolErr *upos.ProtocolError
			require.True(t, errors.As(err, &protocolErr))
			assert.Equal(t, "preupload", protocolErr.Op)
			assert.Equal(t, tt.status, protocolErr.StatusCode)
			assert.Equal(t, tt.body, protocolErr.Body)
		})
	}
}

func TestPreuploadClient_Preupload_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, preuploadBody)
	}))
	defer server.Close()

	target, err := testPreuploadClient(server.URL).Preupload(context.Background(), line.Default(), video.File{Name: "a.mp4", Size: 1})
	require.NoError(t, err)
	assert.Equal(t, "upos://ugcboss/n1.mp4", target.UposURI)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNewPreuploadClient_KeepsCallerClient(t *testing.T) {
	cookieClient := &http.Client{}
	config := upos.DefaultConfig()

	client := NewPreuploadClient(cookieClient, DefaultMemberURL, config, log.NewLogger())

	assert.Equal(t, time.Duration(0), cookieClient.Timeout)
	assert.Equal(t, config.Timeout, client.client.HTTPClient.Timeout)
	assert.NotSame(t, cookieClient, client.client.HTTPClient)
}

func TestPreuploadClient_DefaultBaseURL(t *testing.T) {
	client := NewPreuploadClient(nil, "", upos.DefaultConfig(), log.NewLogger())
	assert.Equal(t, DefaultMemberURL, client.baseURL)
}
