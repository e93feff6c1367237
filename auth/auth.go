// Package auth loads the account cookies saved by the login flow and builds the
// HTTP client that sends them with the preupload requests.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"

	"github.com/hashicorp/go-cleanhttp"
)

// SessionCookie is the cookie holding the login session.
const SessionCookie = "SESSDATA"

var (
	// ErrNoCookies is returned for a cookie file without cookies.
	ErrNoCookies = errors.New("no cookies in login info")
	// ErrNotLoggedIn is returned for a cookie file without a login session.
	ErrNotLoggedIn = errors.New("login info has no " + SessionCookie + " cookie")
)

// Cookie ...
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	HTTPOnly int    `json:"http_only,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   int    `json:"secure,omitempty"`
}

// CookieInfo ...
type CookieInfo struct {
	Cookies []Cookie `json:"cookies"`
	Domains []string `json:"domains,omitempty"`
}

// LoginInfo is the content of the cookie file.
type LoginInfo struct {
	CookieInfo CookieInfo `json:"cookie_info"`
}

// Get returns the value of the cookie called name.
func (i LoginInfo) Get(name string) (string, bool) {
	for _, c := range i.CookieInfo.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// LoadCookies reads the cookie file at pth.
func LoadCookies(pth string) (LoginInfo, error) {
	f, err := os.Open(pth)
	if err != nil {
		return LoginInfo{}, fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	info, err := ParseLoginInfo(f)
	if err != nil {
		return LoginInfo{}, fmt.Errorf("%s: %w", pth, err)
	}
	return info, nil
}

// ParseLoginInfo decodes a cookie file.
func ParseLoginInfo(r io.Reader) (LoginInfo, error) {
	var info LoginInfo
	if err := json.NewDecoder(r).Decode(&info); err != nil {
		return LoginInfo{}, fmt.Errorf("decode login info: %w", err)
	}
	if len(info.CookieInfo.Cookies) == 0 {
		return LoginInfo{}, ErrNoCookies
	}
	if session, ok := info.Get(SessionCookie); !ok || session == "" {
		return LoginInfo{}, ErrNotLoggedIn
	}
	return info, nil
}

// NewClient returns a pooled HTTP client sending the cookies of info to baseURL.
func NewClient(info LoginInfo, baseURL string) (*http.Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url has no host: %s", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	cookies := make([]*http.Cookie, 0, len(info.CookieInfo.Cookies))
	for _, c := range info.CookieInfo.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	jar.SetCookies(u, cookies)

	client := cleanhttp.DefaultPooledClient()
	client.Jar = jar
	return client, nil
}
