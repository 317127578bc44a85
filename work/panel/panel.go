package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"

	"krelay/work/logger"
)

// ErrDenied is returned when the panel rejects a connection slot or cannot
// be reached. Unreachable panels are treated as denial: the relay fails
// closed, never open.
var ErrDenied = errors.New("panel: access denied")

// Client talks to the external authorization panel. Check blocks with a
// short timeout; Renew and Release are fire-and-forget, submitted to the
// shared worker pool so they never block stream delivery.
type Client struct {
	baseURL string
	http    *http.Client
	pool    *ants.Pool
	timeout time.Duration
}

// New creates a panel client. baseURL may be empty, in which case Check
// always allows and Renew/Release are no-ops — the deployment has no panel.
func New(baseURL string, timeout time.Duration, pool *ants.Pool) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		pool:    pool,
		timeout: timeout,
	}
}

// Enabled reports whether a panel endpoint is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// For returns a client bound to a different panel endpoint, sharing the
// HTTP client and worker pool. Tokens may carry their own authorization URL
// which overrides the configured default; an empty override keeps it.
func (c *Client) For(baseURL string) *Client {
	if baseURL == "" || baseURL == c.baseURL {
		return c
	}
	derived := *c
	derived.baseURL = baseURL
	return &derived
}

// Check asks the panel whether the caller may occupy a connection slot.
// Blocking, bounded by the configured timeout. Transport failure and non-2xx
// responses are both ErrDenied.
func (c *Client) Check(ctx context.Context, user, pass, connID string) error {
	if !c.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.call(ctx, "check", user, pass, connID); err != nil {
		logger.Warn("{panel - Check} Panel denied or unreachable for conn %s: %v", connID, err)
		return ErrDenied
	}
	return nil
}

// Renew notifies the panel that the slot is still occupied. Fire-and-forget:
// the call runs on the worker pool and is never retried. A non-success
// response invokes onDenied so the owning subscriber can be torn down.
func (c *Client) Renew(user, pass, connID string, onDenied func()) {
	if !c.Enabled() {
		return
	}

	submit(c.pool, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.call(ctx, "update", user, pass, connID); err != nil {
			logger.Warn("{panel - Renew} Renew failed for conn %s: %v", connID, err)
			if onDenied != nil {
				onDenied()
			}
		}
	})
}

// Release frees the connection slot. Fire-and-forget; failure is logged and
// ignored — it must never fail the response path.
func (c *Client) Release(user, pass, connID string) {
	if !c.Enabled() {
		return
	}

	submit(c.pool, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.call(ctx, "delete", user, pass, connID); err != nil {
			logger.Warn("{panel - Release} Release failed for conn %s: %v", connID, err)
		}
	})
}

// call issues a single panel query-string request and maps non-2xx to error.
func (c *Client) call(ctx context.Context, action, user, pass, connID string) error {
	q := url.Values{}
	q.Set("action", action)
	q.Set("u", user)
	q.Set("p", pass)
	if connID != "" {
		q.Set("cid", connID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("panel returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// submit runs fn on the pool, falling back to a plain goroutine if the pool
// is saturated or absent. Best-effort calls must not be dropped silently just
// because the pool is busy.
func submit(pool *ants.Pool, fn func()) {
	if pool != nil {
		if err := pool.Submit(fn); err == nil {
			return
		}
	}
	go fn()
}

// Heartbeat drives periodic Renew calls for one subscriber. The ticker runs
// on an injected clock so tests control time. Stop is idempotent and safe to
// call from any goroutine.
type Heartbeat struct {
	client   *Client
	clock    clock.Clock
	interval time.Duration
	user     string
	pass     string
	connID   string
	onDenied func()

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHeartbeat builds a heartbeat for a subscriber with an associated
// connection id. onDenied fires at most once per denial observation and is
// how a revoked entitlement terminates the stream within one interval.
func NewHeartbeat(client *Client, clk clock.Clock, interval time.Duration, user, pass, connID string, onDenied func()) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	return &Heartbeat{
		client:   client,
		clock:    clk,
		interval: interval,
		user:     user,
		pass:     pass,
		connID:   connID,
		onDenied: onDenied,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the renew loop. Returns immediately; the loop runs until
// Stop is called.
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop terminates the renew loop. Idempotent.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

func (h *Heartbeat) run() {
	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.client.Renew(h.user, h.pass, h.connID, h.onDenied)
		}
	}
}
