package puller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"krelay/work/buffer"
	"krelay/work/client"
	"krelay/work/config"
	"krelay/work/upstream"
)

// captureSink records the response and concatenates every broadcast chunk.
type captureSink struct {
	mu        sync.Mutex
	responded bool
	status    int
	header    http.Header
	data      []byte
}

func (s *captureSink) SetResponse(status int, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responded = true
	s.status = status
	s.header = header
}

func (s *captureSink) Broadcast(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	return 1
}

func (s *captureSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

func (s *captureSink) response() (bool, int, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responded, s.status, s.header
}

func testConfig() *config.Config {
	return &config.Config{
		UserAgent:        "test-agent",
		RedirectHops:     3,
		PrefetchCapBytes: 1 << 20,
		SegmentCacheTTL:  time.Second,
		PollMin:          10 * time.Millisecond,
		PollMax:          20 * time.Millisecond,
		StallWindow:      5 * time.Second,
		BufferSizeKB:     32,
	}
}

func newTestPuller(cfg *config.Config) *Puller {
	fetcher := upstream.NewFetcher(cfg, client.NewHeaderSettingClient(cfg))
	return New(cfg, fetcher, nil, nil, buffer.NewPool(int64(cfg.BufferSizeKB)*1024))
}

// runUntil starts the pull loop and blocks until cond holds, then cancels.
func runUntil(t *testing.T, p *Puller, playlistURL string, sink *captureSink, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, playlistURL, sink) }()

	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pull loop did not stop after cancellation")
		return nil
	}
}

func playlist(segments ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, s := range segments {
		b.WriteString("#EXTINF:1.0,\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

func TestRunDeliversSlidingWindowExactlyOnce(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list.m3u8":
			// the window slides after the first poll: [a b c] -> [b c d]
			if polls.Add(1) == 1 {
				io.WriteString(w, playlist("a.ts", "b.ts", "c.ts"))
			} else {
				io.WriteString(w, playlist("b.ts", "c.ts", "d.ts"))
			}
		case strings.HasSuffix(r.URL.Path, ".ts"):
			name := strings.ToUpper(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".ts"))
			io.WriteString(w, "SEG-"+name+";")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPuller(testConfig())

	err := runUntil(t, p, srv.URL+"/list.m3u8", sink, func() bool {
		return strings.Contains(sink.String(), "SEG-D;")
	})
	require.ErrorIs(t, err, context.Canceled)

	// every segment exactly once, in playlist order, overlap not repeated
	require.Equal(t, "SEG-A;SEG-B;SEG-C;SEG-D;", sink.String())

	responded, status, header := sink.response()
	require.True(t, responded)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "video/mp2t", header.Get("Content-Type"))
}

func TestRunRecoversFromPlaylistFetchFailure(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list.m3u8":
			if polls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			io.WriteString(w, playlist("a.ts"))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			io.WriteString(w, "SEG-A;")
		}
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPuller(testConfig())

	err := runUntil(t, p, srv.URL+"/list.m3u8", sink, func() bool {
		return sink.String() == "SEG-A;"
	})
	require.ErrorIs(t, err, context.Canceled)

	// no response was recorded before a playlist fetch succeeded
	responded, status, _ := sink.response()
	require.True(t, responded)
	require.Equal(t, http.StatusOK, status)
	require.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestRunUnauthorizedSegmentRepollsImmediately(t *testing.T) {
	var polls, denials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list.m3u8":
			polls.Add(1)
			io.WriteString(w, playlist("a.ts", "b.ts"))
		case r.URL.Path == "/b.ts":
			// first attempt is rejected, as when signed segment URLs rotate
			if denials.Add(1) == 1 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			io.WriteString(w, "SEG-B;")
		case r.URL.Path == "/a.ts":
			io.WriteString(w, "SEG-A;")
		}
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPuller(testConfig())

	err := runUntil(t, p, srv.URL+"/list.m3u8", sink, func() bool {
		return strings.Contains(sink.String(), "SEG-B;")
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, "SEG-A;SEG-B;", sink.String())
	require.GreaterOrEqual(t, polls.Load(), int32(2), "a rejected segment must trigger a fresh poll")
}

func TestRunFollowsMasterPlaylistVariant(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/master.m3u8":
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=500000\nlow/media.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2000000\nhigh/media.m3u8\n")
		case "/high/media.m3u8":
			io.WriteString(w, playlist("seg.ts"))
		case "/high/seg.ts":
			io.WriteString(w, "HIGH;")
		case "/low/media.m3u8":
			t.Error("low bandwidth variant should not be selected")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPuller(testConfig())

	err := runUntil(t, p, srv.URL+"/master.m3u8", sink, func() bool {
		return sink.String() == "HIGH;"
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunStallWindowExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list.m3u8":
			io.WriteString(w, playlist("a.ts"))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			io.WriteString(w, "SEG-A;")
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.StallWindow = 100 * time.Millisecond

	sink := &captureSink{}
	p := newTestPuller(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := p.Run(ctx, srv.URL+"/list.m3u8", sink)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stalled")
	require.Equal(t, "SEG-A;", sink.String())
}

func TestRunOversizedPrefetchFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list.m3u8":
			io.WriteString(w, playlist("a.ts", "b.ts"))
		case r.URL.Path == "/a.ts":
			io.WriteString(w, "SEG-A;")
		case r.URL.Path == "/b.ts":
			io.WriteString(w, "SEG-B-LARGE-BODY;")
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.PrefetchCapBytes = 4 // forces every prefetched body over the cap

	sink := &captureSink{}
	p := newTestPuller(cfg)

	err := runUntil(t, p, srv.URL+"/list.m3u8", sink, func() bool {
		return strings.Contains(sink.String(), "SEG-B-LARGE-BODY;")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "SEG-A;SEG-B-LARGE-BODY;", sink.String())
}

func TestParsePlaylistFallback(t *testing.T) {
	// not valid enough for the decoder, still usable line by line
	body := "#COMMENT\n#EXT-X-TARGETDURATION:4\nhttp://o.example/1.ts\n\nrelative/2.ts\n"
	uris, td, variant := parsePlaylist([]byte(body))
	require.Empty(t, variant)
	require.Equal(t, 4*time.Second, td)
	require.Equal(t, []string{"http://o.example/1.ts", "relative/2.ts"}, uris)
}

func TestSegmentTracker(t *testing.T) {
	tr := newSegmentTracker(3)
	require.False(t, tr.Seen("a"))

	tr.Mark("a")
	tr.Mark("b")
	tr.Mark("c")
	require.True(t, tr.Seen("a"))
	require.True(t, tr.Seen("b"))
	require.True(t, tr.Seen("c"))
	require.Equal(t, 3, tr.Size())

	// capacity reached: the oldest entry falls out
	tr.Mark("d")
	require.False(t, tr.Seen("a"))
	require.True(t, tr.Seen("b"))
	require.True(t, tr.Seen("d"))
	require.Equal(t, 3, tr.Size())
}

func TestSegmentCursorInterval(t *testing.T) {
	cfg := &config.Config{PollMin: time.Second, PollMax: 10 * time.Second}

	c := &SegmentCursor{targetDuration: 8 * time.Second}
	require.Equal(t, 4*time.Second, c.interval(cfg))

	c.targetDuration = time.Second
	require.Equal(t, time.Second, c.interval(cfg), "clamped to the minimum")

	c.targetDuration = time.Minute
	require.Equal(t, 10*time.Second, c.interval(cfg), "clamped to the maximum")

	c.targetDuration = 0
	require.Equal(t, time.Second, c.interval(cfg), "unknown duration uses the minimum")
}
