package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/upos-tools/go-uploader/upload/line"
	"github.com/upos-tools/go-uploader/upload/upos"
	"github.com/upos-tools/go-uploader/video"
)

// DefaultMemberURL is the base URL of the preupload endpoint.
const DefaultMemberURL = "https://member.bilibili.com"

const (
	preuploadProfile = "ugcupos/bup"
	clientVersion    = "2.10.4"
	clientBuild      = "2100400"
)

// Preuploader negotiates the upload target of a file on a line.
type Preuploader interface {
	Preupload(ctx context.Context, l line.Line, f video.File) (upos.Target, error)
}

// PreuploadClient negotiates upload targets with the member API.
type PreuploadClient struct {
	client  *retryablehttp.Client
	baseURL string
	logger  log.Logger
}

// NewPreuploadClient creates a PreuploadClient sending its requests through httpClient,
// which carries the account's cookies. Transient failures are retried the way chunk uploads are.
func NewPreuploadClient(httpClient *http.Client, baseURL string, config upos.Config, logger log.Logger) *PreuploadClient {
	client := upos.NewHTTPClient(config, logger)
	if httpClient != nil {
		c := *httpClient
		if c.Timeout == 0 {
			c.Timeout = config.Timeout
		}
		client.HTTPClient = &c
	}
	if baseURL == "" {
		baseURL = DefaultMemberURL
	}

	return &PreuploadClient{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

type preuploadResponse struct {
	OK *int `json:"OK"`
	upos.Target
}

// Preupload requests the upload target of f on line l.
func (c *PreuploadClient) Preupload(ctx context.Context, l line.Line, f video.File) (upos.Target, error) {
	query, err := preuploadQuery(l, f)
	if err != nil {
		return upos.Target{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/preupload?"+query, nil)
	if err != nil {
		return upos.Target{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", upos.DefaultUserAgent)

	c.logger.Debugf("Preupload %s on line %s", f.Name, l)
	resp, err := c.client.Do(req)
	if err != nil {
		return upos.Target{}, fmt.Errorf("preupload: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return upos.Target{}, fmt.Errorf("preupload: read response: %w", err)
	}
	c.logger.Debugf("Preupload response: HTTP %d: %s", resp.StatusCode, body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upos.Target{}, &upos.ProtocolError{Op: "preupload", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var response preuploadResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return upos.Target{}, &upos.ProtocolError{Op: "preupload", StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}
	if response.OK != nil && *response.OK != 1 {
		return upos.Target{}, &upos.ProtocolError{Op: "preupload", StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("OK flag is not set")}
	}
	if err := response.Target.Validate(); err != nil {
		return upos.Target{}, &upos.ProtocolError{Op: "preupload", StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}

	return response.Target, nil
}

func preuploadQuery(l line.Line, f video.File) (string, error) {
	q, err := url.ParseQuery(l.Query)
	if err != nil {
		return "", fmt.Errorf("invalid query of line %s: %w", l.Name, err)
	}
	q.Set("r", l.OS)
	q.Set("profile", preuploadProfile)
	q.Set("ssl", "0")
	q.Set("version", clientVersion)
	q.Set("build", clientBuild)
	q.Set("name", f.Name)
	q.Set("size", strconv.FormatInt(f.Size, 10))
	return q.Encode(), nil
}
