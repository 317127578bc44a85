package puller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafov/m3u8"
	"github.com/maypok86/otter/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/ratelimit"

	"krelay/work/buffer"
	"krelay/work/config"
	"krelay/work/logger"
	"krelay/work/metrics"
	"krelay/work/upstream"
	"krelay/work/utils"
)

// errUnauthorized marks a 401/403 segment response. The origin has likely
// rotated its signed segment URLs, so the current playlist pass is abandoned
// and the playlist re-polled immediately.
var errUnauthorized = errors.New("puller: segment unauthorized")

// maxPlaylistBytes bounds how much playlist text is read per poll.
const maxPlaylistBytes = 4 * 1024 * 1024

// maxSegmentErrors is how many failed segments are tolerated per session
// before the stream is considered broken.
const maxSegmentErrors = 5

// trackerWindow is how many delivered segment identifiers are remembered.
const trackerWindow = 64

// Sink receives the puller's output. *registry.Session satisfies it.
type Sink interface {
	SetResponse(status int, header http.Header)
	Broadcast(p []byte) int
}

// SegmentCursor is the per-session pull state: the playlist being polled,
// the delivered-segment window, and the current target-duration estimate
// that drives the poll interval.
type SegmentCursor struct {
	PlaylistURL    string
	delivered      *SegmentTracker
	targetDuration time.Duration
}

// interval derives the poll backoff from the target-duration estimate,
// clamped to the configured bounds.
func (c *SegmentCursor) interval(cfg *config.Config) time.Duration {
	d := c.targetDuration / 2
	if d < cfg.PollMin {
		return cfg.PollMin
	}
	if d > cfg.PollMax {
		return cfg.PollMax
	}
	return d
}

// Puller substitutes for a single-shot upstream fetch when the target is a
// live playlist. It repeatedly polls the playlist, fetches not-yet-delivered
// segments with one-segment-ahead prefetch, and streams their bytes through
// the sink in playlist order. Prefetch only shortens the gap between
// segments; it never changes emission order.
type Puller struct {
	cfg     *config.Config
	fetcher *upstream.Fetcher
	clock   clock.Clock
	pool    *ants.Pool
	buffers *buffer.Pool
	limiter ratelimit.Limiter
	cache   *otter.Cache[string, []byte]
}

// New builds a Puller on the shared fetcher, worker pool, and buffer pool.
// The segment cache holds recently fetched bodies briefly so an abandoned
// playlist pass does not force a re-download.
func New(cfg *config.Config, fetcher *upstream.Fetcher, clk clock.Clock, pool *ants.Pool, buffers *buffer.Pool) *Puller {
	if clk == nil {
		clk = clock.New()
	}
	return &Puller{
		cfg:     cfg,
		fetcher: fetcher,
		clock:   clk,
		pool:    pool,
		buffers: buffers,
		limiter: ratelimit.New(10),
		cache: otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      32,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](cfg.SegmentCacheTTL),
		}),
	}
}

// Run executes the pull loop until the context is cancelled or the stream
// fails. The first successful playlist fetch records the response on the
// sink; segment bytes follow in playlist order.
func (p *Puller) Run(ctx context.Context, playlistURL string, sink Sink) error {
	cursor := &SegmentCursor{
		PlaylistURL: playlistURL,
		delivered:   newSegmentTracker(trackerWindow),
	}

	var pf *prefetch
	defer func() {
		if pf != nil {
			pf.discard(p.buffers)
		}
	}()

	responded := false
	segmentErrors := 0
	lastDelivery := p.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		segments, err := p.fetchPlaylist(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A missed playlist poll is not terminal; back off and retry.
			logger.Warn("{puller - Run} Playlist poll failed for %s: %v", utils.LogURL(p.cfg, cursor.PlaylistURL), err)
			if !p.sleep(ctx, cursor.interval(p.cfg)) {
				return ctx.Err()
			}
			continue
		}

		if !responded {
			header := http.Header{}
			header.Set("Content-Type", "video/mp2t")
			header.Set("Cache-Control", "no-cache")
			sink.SetResponse(http.StatusOK, header)
			responded = true
		}

		delivered := 0
		repoll := false

		for i, seg := range segments {
			if cursor.delivered.Seen(seg) {
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			// Begin fetching the segment after this one while the current
			// one streams, into a capped buffer.
			if next := nextUndelivered(segments, i+1, cursor.delivered); next != "" {
				if pf == nil || pf.url != next {
					if pf != nil {
						pf.discard(p.buffers)
					}
					pf = p.startPrefetch(ctx, next)
				}
			}

			began, n, err := p.deliverSegment(ctx, seg, cursor.PlaylistURL, sink, &pf)
			if began {
				// Marked only once streaming starts, so a segment that
				// failed before its first byte is retried on the next pass.
				cursor.delivered.Mark(seg)
				delivered++
				lastDelivery = p.clock.Now()
				segmentErrors = 0
				metrics.BytesTransferred.WithLabelValues(cursor.PlaylistURL, "upstream").Add(float64(n))
			}

			if err != nil {
				if errors.Is(err, errUnauthorized) {
					logger.Debug("{puller - Run} Segment unauthorized, re-polling playlist immediately")
					repoll = true
					break
				}
				segmentErrors++
				metrics.StreamErrors.WithLabelValues(cursor.PlaylistURL, "segment").Inc()
				logger.Warn("{puller - Run} Segment error (%d/%d) for %s: %v",
					segmentErrors, maxSegmentErrors, utils.LogURL(p.cfg, seg), err)
				if segmentErrors >= maxSegmentErrors {
					return fmt.Errorf("puller: too many segment errors: %w", err)
				}
			}
		}

		if delivered == 0 && p.clock.Since(lastDelivery) > p.cfg.StallWindow {
			return fmt.Errorf("puller: stream stalled, no new segments for %s", p.clock.Since(lastDelivery))
		}

		if repoll {
			continue
		}

		if !p.sleep(ctx, cursor.interval(p.cfg)) {
			return ctx.Err()
		}
	}
}

// fetchPlaylist polls the playlist once and returns the resolved segment
// URLs in playlist order. Master playlists are resolved to their highest
// bandwidth variant, which then becomes the polled playlist.
func (p *Puller) fetchPlaylist(ctx context.Context, cursor *SegmentCursor) ([]string, error) {
	p.limiter.Take()

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := p.fetcher.Fetch(fetchCtx, cursor.PlaylistURL, upstream.Options{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, err
	}

	// The final URL after redirects is the base for relative segment URIs.
	cursor.PlaylistURL = resp.FinalURL

	uris, targetDuration, variant := parsePlaylist(body)
	if variant != "" {
		resolved, err := resolveRef(cursor.PlaylistURL, variant)
		if err != nil {
			return nil, fmt.Errorf("unresolvable variant URI: %w", err)
		}
		logger.Debug("{puller - fetchPlaylist} Master playlist, following variant %s", utils.LogURL(p.cfg, resolved))
		cursor.PlaylistURL = resolved
		return p.fetchPlaylist(ctx, cursor)
	}

	if targetDuration > 0 {
		cursor.targetDuration = targetDuration
	}

	segments := make([]string, 0, len(uris))
	for _, uri := range uris {
		resolved, err := resolveRef(cursor.PlaylistURL, uri)
		if err != nil {
			logger.Warn("{puller - fetchPlaylist} Skipping unresolvable segment URI %q: %v", uri, err)
			continue
		}
		segments = append(segments, resolved)
	}

	return segments, nil
}

// parsePlaylist decodes playlist text, preferring the m3u8 decoder and
// falling back to plain line parsing when the decoder rejects the input.
// Returns the segment (or variant) URIs, the target duration, and the
// chosen variant URI when the input is a master playlist.
func parsePlaylist(body []byte) (uris []string, targetDuration time.Duration, variant string) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err == nil {
		switch listType {
		case m3u8.MEDIA:
			media := pl.(*m3u8.MediaPlaylist)
			for _, seg := range media.Segments {
				if seg != nil && seg.URI != "" {
					uris = append(uris, seg.URI)
				}
			}
			return uris, time.Duration(media.TargetDuration * float64(time.Second)), ""
		case m3u8.MASTER:
			master := pl.(*m3u8.MasterPlaylist)
			best := uint32(0)
			for _, v := range master.Variants {
				if v != nil && v.URI != "" && v.Bandwidth >= best {
					best = v.Bandwidth
					variant = v.URI
				}
			}
			return nil, 0, variant
		}
	}

	// Fallback: every non-comment, non-empty line is a segment URI.
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			if d, ok := parseTargetDuration(line); ok {
				targetDuration = d
			}
			continue
		}
		uris = append(uris, line)
	}
	return uris, targetDuration, ""
}

// parseTargetDuration extracts #EXT-X-TARGETDURATION from a playlist line.
func parseTargetDuration(line string) (time.Duration, bool) {
	const tag = "#EXT-X-TARGETDURATION:"
	if !strings.HasPrefix(line, tag) {
		return 0, false
	}
	var secs float64
	if _, err := fmt.Sscanf(strings.TrimPrefix(line, tag), "%f", &secs); err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// deliverSegment streams one segment to the sink, preferring the completed
// prefetch buffer or the segment cache over a fresh fetch. Returns whether
// streaming began, the byte count, and any error.
func (p *Puller) deliverSegment(ctx context.Context, segURL, playlistURL string, sink Sink, pf **prefetch) (bool, int64, error) {
	// Completed prefetch for exactly this segment?
	if cur := *pf; cur != nil && cur.url == segURL {
		*pf = nil
		body, err := cur.wait(ctx, p.buffers)
		if err == nil && body != nil {
			p.cache.Set(segURL, body)
			n := p.broadcastBytes(body, sink)
			return true, n, nil
		}
		if err != nil && errors.Is(err, errUnauthorized) {
			return false, 0, err
		}
		// Oversized or failed prefetch falls back to a synchronous fetch.
	}

	if body, ok := p.cache.GetIfPresent(segURL); ok {
		n := p.broadcastBytes(body, sink)
		return true, n, nil
	}

	return p.streamSegment(ctx, segURL, playlistURL, sink)
}

// streamSegment fetches a segment and broadcasts it chunk by chunk without
// buffering the whole body.
func (p *Puller) streamSegment(ctx context.Context, segURL, playlistURL string, sink Sink) (bool, int64, error) {
	p.limiter.Take()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := p.fetcher.Fetch(fetchCtx, segURL, upstream.Options{Referer: playlistURL})
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, 0, fmt.Errorf("%w: HTTP %d", errUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, 0, fmt.Errorf("segment HTTP %d", resp.StatusCode)
	}

	buf := p.buffers.Get()
	defer p.buffers.Put(buf)
	chunk := buf.B[:cap(buf.B)]
	if len(chunk) == 0 {
		chunk = make([]byte, p.cfg.BufferSizeKB*1024)
	}

	began := false
	total := int64(0)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			began = true
			total += int64(n)
			sink.Broadcast(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				return began, total, nil
			}
			return began, total, err
		}
	}
}

// broadcastBytes emits an in-memory segment body in read-sized chunks so
// downstream queues see the same granularity as a streamed fetch.
func (p *Puller) broadcastBytes(body []byte, sink Sink) int64 {
	chunkSize := p.cfg.BufferSizeKB * 1024
	for off := 0; off < len(body); off += chunkSize {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		sink.Broadcast(body[off:end])
	}
	return int64(len(body))
}

// nextUndelivered returns the first segment at or after index from that has
// not been delivered, or "" when none remains.
func nextUndelivered(segments []string, from int, delivered *SegmentTracker) string {
	for _, seg := range segments[from:] {
		if !delivered.Seen(seg) {
			return seg
		}
	}
	return ""
}

// sleep waits for the backoff interval on the injected clock. Returns false
// when the context fired first.
func (p *Puller) sleep(ctx context.Context, d time.Duration) bool {
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// prefetch is one in-flight ahead-of-need segment fetch into a capped
// buffer. If the body exceeds the cap the buffer is discarded and the
// segment falls back to a synchronous fetch at its turn.
type prefetch struct {
	url       string
	done      chan struct{}
	buf       *bytebufferpool.ByteBuffer
	err       error
	oversized bool
}

// startPrefetch launches the fetch on the worker pool.
func (p *Puller) startPrefetch(ctx context.Context, segURL string) *prefetch {
	pf := &prefetch{
		url:  segURL,
		done: make(chan struct{}),
		buf:  p.buffers.Get(),
	}

	task := func() {
		defer close(pf.done)

		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		resp, err := p.fetcher.Fetch(fetchCtx, segURL, upstream.Options{})
		if err != nil {
			pf.err = err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			pf.err = fmt.Errorf("%w: HTTP %d", errUnauthorized, resp.StatusCode)
			return
		}
		if resp.StatusCode != http.StatusOK {
			pf.err = fmt.Errorf("prefetch HTTP %d", resp.StatusCode)
			return
		}

		n, err := io.Copy(pf.buf, io.LimitReader(resp.Body, p.cfg.PrefetchCapBytes+1))
		if err != nil {
			pf.err = err
			return
		}
		if n > p.cfg.PrefetchCapBytes {
			pf.oversized = true
		}
	}

	if p.pool != nil {
		if err := p.pool.Submit(task); err == nil {
			return pf
		}
	}
	go task()
	return pf
}

// wait blocks until the prefetch finishes and returns a copy of the body, or
// nil when the fetch failed or exceeded the cap. The pooled buffer is always
// released here.
func (pf *prefetch) wait(ctx context.Context, buffers *buffer.Pool) ([]byte, error) {
	select {
	case <-ctx.Done():
		// Leave the fetch to finish on its own; discard once done.
		go func() {
			<-pf.done
			buffers.Put(pf.buf)
		}()
		return nil, ctx.Err()
	case <-pf.done:
	}

	defer buffers.Put(pf.buf)

	if pf.err != nil {
		return nil, pf.err
	}
	if pf.oversized {
		return nil, nil
	}

	body := make([]byte, pf.buf.Len())
	copy(body, pf.buf.B)
	return body, nil
}

// discard releases a prefetch that will not be consumed.
func (pf *prefetch) discard(buffers *buffer.Pool) {
	go func() {
		<-pf.done
		buffers.Put(pf.buf)
	}()
}

// resolveRef resolves a possibly relative URI against a base URL.
func resolveRef(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
