// Package nuclino talks to the workspace's HTTP endpoints: session refresh and
// brain export. The live document feed is in package sharedb.
package nuclino

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNoToken      = errors.New("nuclino: no session token")
	ErrUnauthorized = errors.New("nuclino: session rejected")
)

// Config holds the endpoints and identity used for every request.
type Config struct {
	APIURL   string
	FilesURL string
	Origin   string
	AppID    string
	Timeout  time.Duration // default 30s
}

// Client issues authenticated HTTP requests with the session cookie.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

// Headers returns the cookie and origin headers the sync endpoint and API expect.
func (c *Client) Headers(token string) http.Header {
	h := http.Header{}
	cookie := "token=" + token
	if c.cfg.AppID != "" {
		cookie = "app-uid=" + c.cfg.AppID + "; " + cookie
	}
	h.Set("Cookie", cookie)
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}
	return h
}

// RefreshSession exchanges token for a fresh one. If the response carries no new token
// the old one is returned with rotated=false.
func (c *Client) RefreshSession(ctx context.Context, token string) (string, bool, error) {
	if strings.TrimSpace(token) == "" {
		return "", false, ErrNoToken
	}
	u := strings.TrimRight(c.cfg.APIURL, "/") + "/api/users/me/refresh-session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", false, err
	}
	req.Header = c.Headers(token)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("refresh session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", false, fmt.Errorf("refresh session: %w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", false, fmt.Errorf("refresh session: unexpected status %d", resp.StatusCode)
	}

	if next, ok := TokenFromResponse(resp); ok {
		return next, next != token, nil
	}
	return token, false, nil
}

// ExportBrain starts a download of the brain's export archive. The caller closes the body.
func (c *Client) ExportBrain(ctx context.Context, token, brainID, format string) (io.ReadCloser, int64, error) {
	if format == "" {
		format = "md"
	}
	u := strings.TrimRight(c.cfg.FilesURL, "/") + "/export/brains/" + url.PathEscape(brainID) + ".zip?format=" + url.QueryEscape(format)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header = c.Headers(token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("export brain %s: %w", brainID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, 0, fmt.Errorf("export brain %s: %w (status %d)", brainID, ErrUnauthorized, resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("export brain %s: unexpected status %d", brainID, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

var tokenCookieRE = regexp.MustCompile(`token=([A-Za-z0-9+\-._]+)`)

// TokenFromResponse extracts the "token" cookie from Set-Cookie headers.
func TokenFromResponse(resp *http.Response) (string, bool) {
	for _, ck := range resp.Cookies() {
		if ck.Name == "token" && ck.Value != "" {
			return ck.Value, true
		}
	}
	// Some proxies fold cookies into one header that net/http does not split.
	for _, raw := range resp.Header.Values("Set-Cookie") {
		if m := tokenCookieRE.FindStringSubmatch(raw); m != nil {
			return m[1], true
		}
	}
	return "", false
}
