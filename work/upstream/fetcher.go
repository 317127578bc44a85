package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"krelay/work/client"
	"krelay/work/config"
	"krelay/work/logger"
	"krelay/work/utils"
)

// ErrTooManyRedirects is returned when an upstream redirect chain exceeds
// the configured hop limit. It is terminal; the chain is never silently
// truncated.
var ErrTooManyRedirects = errors.New("upstream: too many redirects")

// Options customizes a single fetch.
type Options struct {
	Method      string // defaults to GET
	RangeHeader string // forwarded verbatim when set; direct (non-shared) requests only
	Referer     string // optional Referer override
}

// Response is the upstream's answer: status and headers first, then a body
// stream. FinalURL is the URL that actually answered after redirects and is
// the canonical form for session keying.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	FinalURL   string
}

// Fetcher opens HTTP(S) requests against remote origins with the relay's
// disguise headers, following redirects manually up to a bounded hop count.
// Cancellation is symmetrical: cancelling the fetch context aborts an
// in-flight request and releases the underlying connection.
type Fetcher struct {
	cfg    *config.Config
	client *client.HeaderSettingClient
}

// NewFetcher creates a Fetcher on top of the shared header-setting client.
func NewFetcher(cfg *config.Config, hsc *client.HeaderSettingClient) *Fetcher {
	return &Fetcher{cfg: cfg, client: hsc}
}

// Fetch issues the request and resolves redirects. 301/302/303/307 responses
// with a Location header are re-issued against the resolved URL; exceeding
// the hop limit returns ErrTooManyRedirects.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opt Options) (*Response, error) {
	method := opt.Method
	if method == "" {
		method = http.MethodGet
	}

	current := rawURL
	for hop := 0; hop <= f.cfg.RedirectHops; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, current, nil)
		if err != nil {
			return nil, fmt.Errorf("upstream: bad request URL: %w", err)
		}
		if opt.RangeHeader != "" {
			req.Header.Set("Range", opt.RangeHeader)
		}
		if opt.Referer != "" {
			req.Header.Set("Referer", opt.Referer)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return &Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       resp.Body,
				FinalURL:   current,
			}, nil
		}

		location := resp.Header.Get("Location")
		// drain and close before re-issuing so the connection is reusable
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if location == "" {
			return nil, fmt.Errorf("upstream: HTTP %d without Location", resp.StatusCode)
		}

		next, err := resolveLocation(current, location)
		if err != nil {
			return nil, fmt.Errorf("upstream: unresolvable redirect: %w", err)
		}

		logger.Debug("{upstream/fetcher - Fetch} Redirect hop %d: %s -> %s",
			hop+1, utils.LogURL(f.cfg, current), utils.LogURL(f.cfg, next))
		current = next
	}

	return nil, ErrTooManyRedirects
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

// resolveLocation resolves a Location header value against the URL of the
// response that carried it, handling both absolute and relative forms.
func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// hopHeaders and strippedHeaders name response headers the relay never
// passes through: hop-by-hop plumbing and the security headers that break
// embedded players (original behavior of the relay this replaces).
var strippedHeaders = []string{
	"Content-Security-Policy",
	"X-Frame-Options",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Trailer",
	"Te",
}

// SanitizeHeaders copies the safe subset of upstream response headers into
// dst and stamps the permissive CORS header every relayed response carries.
func SanitizeHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if isStripped(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	dst.Set("Access-Control-Allow-Origin", "*")
}

func isStripped(key string) bool {
	for _, h := range strippedHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
