package classify

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// Kind is the delivery path chosen for a request.
type Kind int

const (
	// Live requests share one upstream session per target URL.
	Live Kind = iota
	// Direct requests get a private, non-shared upstream connection.
	Direct
)

// Func classifies a target URL. The extension heuristic is exactly that — a
// heuristic, not a protocol fact — so it is an injectable function rather
// than inlined conditionals, and tests and deployments may override it.
type Func func(rawURL string, hasRange bool) Kind

var (
	// Container formats served as single files. These are seekable VOD
	// assets and must never be deduplicated: each caller may hold a
	// different Range position.
	vodPattern = regexp.MustCompile(`(?i)\.(mp4|mkv|avi|mov|webm|flv|wmv|m4v)$`)

	playlistPattern = regexp.MustCompile(`(?i)\.(m3u8|m3u)$`)
)

// Default returns the standard classification: any Range header forces the
// direct path regardless of extension; known VOD container extensions go
// direct; everything else (playlists, raw TS, extensionless live endpoints)
// is treated as live.
func Default() Func {
	return func(rawURL string, hasRange bool) Kind {
		if hasRange {
			return Direct
		}
		if vodPattern.MatchString(urlPath(rawURL)) {
			return Direct
		}
		return Live
	}
}

// IsPlaylist reports whether the target looks like an HLS playlist, which
// selects the polling puller over a single continuous fetch.
func IsPlaylist(rawURL string) bool {
	return playlistPattern.MatchString(urlPath(rawURL))
}

// urlPath extracts just the path component so query strings full of signed
// tokens never confuse the extension match.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// fall back to matching against the raw string minus any query
		if i := strings.IndexByte(rawURL, '?'); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	return u.Path
}
