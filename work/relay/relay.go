package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"

	"krelay/work/buffer"
	"krelay/work/classify"
	"krelay/work/client"
	"krelay/work/config"
	"krelay/work/logger"
	"krelay/work/metrics"
	"krelay/work/panel"
	"krelay/work/puller"
	"krelay/work/registry"
	"krelay/work/token"
	"krelay/work/upstream"
	"krelay/work/utils"
)

// Relay is the request dispatcher: it decodes tokens, checks authorization,
// routes each request to the shared-session or direct delivery path, and
// keeps the per-subscriber heartbeat running for as long as bytes flow.
type Relay struct {
	Cfg       *config.Config
	Validator *token.Validator
	Panel     *panel.Client
	Fetcher   *upstream.Fetcher
	Registry  *registry.Registry
	Puller    *puller.Puller
	Classify  classify.Func
	Clock     clock.Clock
	Buffers   *buffer.Pool

	sem    chan struct{}
	nextID atomic.Uint64
}

// New wires the dispatcher. The classify function defaults to the standard
// extension heuristic; tests inject their own.
func New(cfg *config.Config, v *token.Validator, p *panel.Client, f *upstream.Fetcher, reg *registry.Registry, pl *puller.Puller, clk clock.Clock, buffers *buffer.Pool) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	return &Relay{
		Cfg:       cfg,
		Validator: v,
		Panel:     p,
		Fetcher:   f,
		Registry:  reg,
		Puller:    pl,
		Classify:  classify.Default(),
		Clock:     clk,
		Buffers:   buffers,
		sem:       make(chan struct{}, cfg.MaxConnections),
	}
}

// Routes registers the relay's endpoints on the router. The streaming
// handlers are intentionally not gzip-wrapped.
func (rl *Relay) Routes(router *mux.Router) {
	router.HandleFunc("/stream", rl.HandleStream).Methods("GET", "OPTIONS")
	router.HandleFunc("/live/{user}/{pass}/{id}", rl.HandleLive).Methods("GET", "OPTIONS")
	router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePreflight(w)
	})
	router.NotFoundHandler = http.HandlerFunc(rl.NotFound)
}

// HandleStream serves the query-string token form:
// /stream?payload=..&expires=..&token=..&auth=..&cid=..
func (rl *Relay) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}

	desc, ok := rl.decode(w, r)
	if !ok {
		return
	}
	rl.serve(w, r, desc)
}

// HandleLive serves the path-credential form used by players that build
// Xtream-style URLs: /live/{user}/{pass}/{id}?payload=..&expires=..&token=..
// The path credentials override whatever the payload carries.
func (rl *Relay) HandleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writePreflight(w)
		return
	}

	desc, ok := rl.decode(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	desc.Username = vars["user"]
	desc.Password = vars["pass"]
	desc.ConnID = vars["id"]
	rl.serve(w, r, desc)
}

// decode pulls the token parameters off the query string and validates them,
// writing the rejection response itself on failure.
func (rl *Relay) decode(w http.ResponseWriter, r *http.Request) (*token.Descriptor, bool) {
	q := r.URL.Query()
	desc, err := rl.Validator.Decode(
		q.Get("payload"),
		q.Get("expires"),
		q.Get("auth"),
		q.Get("cid"),
		q.Get("token"),
	)
	if err == nil {
		return desc, true
	}

	status := http.StatusForbidden
	reason := "signature"
	switch {
	case errors.Is(err, token.ErrMalformed):
		status, reason = http.StatusBadRequest, "malformed"
	case errors.Is(err, token.ErrInvalidPayload):
		status, reason = http.StatusBadRequest, "payload"
	case errors.Is(err, token.ErrExpired):
		reason = "expired"
	}

	metrics.AuthRejections.WithLabelValues(reason).Inc()
	logger.Warn("{relay - decode} Rejected request from %s: %v", r.RemoteAddr, err)
	http.Error(w, http.StatusText(status), status)
	return nil, false
}

// serve runs the authorized delivery flow: capacity check, panel check,
// classification, then the chosen path.
func (rl *Relay) serve(w http.ResponseWriter, r *http.Request, desc *token.Descriptor) {
	select {
	case rl.sem <- struct{}{}:
		defer func() { <-rl.sem }()
	default:
		metrics.AuthRejections.WithLabelValues("capacity").Inc()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	pnl := rl.Panel.For(desc.AuthURL)
	if err := pnl.Check(r.Context(), desc.Username, desc.Password, desc.ConnID); err != nil {
		metrics.AuthRejections.WithLabelValues("denied").Inc()
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	rangeHeader := r.Header.Get("Range")
	kind := rl.Classify(desc.TargetURL, rangeHeader != "")

	logger.Debug("{relay - serve} %s %s -> %s (kind=%d, range=%q)",
		r.Method, r.URL.Path, utils.LogURL(rl.Cfg, desc.TargetURL), kind, rangeHeader)

	if kind == classify.Direct {
		rl.serveDirect(w, r, desc, pnl, rangeHeader)
		return
	}
	rl.serveLive(w, r, desc, pnl)
}

// serveDirect proxies the request over a private upstream connection. Range
// requests land here so each caller keeps its own seek position; nothing is
// shared or cached.
func (rl *Relay) serveDirect(w http.ResponseWriter, r *http.Request, desc *token.Descriptor, pnl *panel.Client, rangeHeader string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hb := panel.NewHeartbeat(pnl, rl.Clock, rl.Cfg.HeartbeatInterval, desc.Username, desc.Password, desc.ConnID, cancel)
	hb.Start()
	defer hb.Stop()

	resp, err := rl.Fetcher.Fetch(ctx, desc.TargetURL, upstream.Options{RangeHeader: rangeHeader})
	if err != nil {
		rl.writeUpstreamError(w, desc.TargetURL, err)
		return
	}
	defer resp.Body.Close()

	upstream.SanitizeHeaders(w.Header(), resp.Header)
	crw := client.NewCustomResponseWriter(w)
	crw.WriteHeader(resp.StatusCode)

	buf := rl.Buffers.Get()
	defer rl.Buffers.Put(buf)
	chunk := buf.B[:cap(buf.B)]
	if len(chunk) == 0 {
		chunk = make([]byte, rl.Cfg.BufferSizeKB*1024)
	}

	sent := int64(0)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if _, werr := crw.Write(chunk[:n]); werr != nil {
				break
			}
			crw.Flush()
			sent += int64(n)
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Warn("{relay - serveDirect} Upstream read failed for %s: %v", utils.LogURL(rl.Cfg, desc.TargetURL), err)
				metrics.StreamErrors.WithLabelValues(desc.TargetURL, "read").Inc()
			}
			break
		}
	}

	metrics.BytesTransferred.WithLabelValues(desc.TargetURL, "downstream").Add(float64(sent))
	hb.Stop()
	if sent > 0 {
		pnl.Release(desc.Username, desc.Password, desc.ConnID)
	}
}

// serveLive attaches the caller to the shared session for the target URL,
// starting the producer when this caller is the first subscriber.
func (rl *Relay) serveLive(w http.ResponseWriter, r *http.Request, desc *token.Descriptor, pnl *panel.Client) {
	key := desc.TargetURL
	subID := fmt.Sprintf("%s#%d", r.RemoteAddr, rl.nextID.Add(1))

	// The heartbeat cannot exist until the subscriber does, and the detach
	// callback must stop the heartbeat, so it is bound through this pointer.
	var hb atomic.Pointer[panel.Heartbeat]

	onDetach := func(sentPayload bool) {
		if h := hb.Load(); h != nil {
			h.Stop()
		}
		if sentPayload {
			pnl.Release(desc.Username, desc.Password, desc.ConnID)
		}
	}

	sess, sub, created := rl.Registry.Subscribe(key, subID, onDetach)
	defer sess.Detach(subID)

	hb.Store(panel.NewHeartbeat(pnl, rl.Clock, rl.Cfg.HeartbeatInterval, desc.Username, desc.Password, desc.ConnID, func() {
		logger.Info("{relay - serveLive} Authorization revoked for conn %s, detaching subscriber %s", desc.ConnID, subID)
		sess.Detach(subID)
	}))
	hb.Load().Start()

	if created {
		go rl.runProducer(sess, key)
	}

	select {
	case <-sess.Ready():
	case <-sess.Done():
		rl.writeUpstreamError(w, key, sess.Err())
		return
	case <-r.Context().Done():
		return
	}

	status, header := sess.Response()
	upstream.SanitizeHeaders(w.Header(), header)
	crw := client.NewCustomResponseWriter(w)
	crw.WriteHeader(status)
	crw.Flush()

	for {
		select {
		case chunk, open := <-sub.Chunks():
			if !open {
				return
			}
			if _, err := crw.Write(chunk); err != nil {
				return
			}
			crw.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// runProducer drives the upstream side of one session: the polling puller
// for playlist targets, a continuous fetch pump for everything else. Always
// ends the session when it returns.
func (rl *Relay) runProducer(sess *registry.Session, key string) {
	var err error
	if classify.IsPlaylist(key) {
		err = rl.Puller.Run(sess.Context(), key, sess)
	} else {
		err = rl.pump(sess.Context(), key, sess)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("{relay - runProducer} Session %s producer stopped: %v", utils.LogURL(rl.Cfg, key), err)
	}
	sess.End(err)
}

// pump opens one long-lived upstream connection and broadcasts its body
// until it closes or the session is torn down.
func (rl *Relay) pump(ctx context.Context, target string, sess *registry.Session) error {
	resp, err := rl.Fetcher.Fetch(ctx, target, upstream.Options{})
	if err != nil {
		metrics.StreamErrors.WithLabelValues(target, "connect").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.StreamErrors.WithLabelValues(target, "connect").Inc()
		return fmt.Errorf("upstream HTTP %d", resp.StatusCode)
	}

	sess.SetResponse(resp.StatusCode, resp.Header)

	buf := rl.Buffers.Get()
	defer rl.Buffers.Put(buf)
	chunk := buf.B[:cap(buf.B)]
	if len(chunk) == 0 {
		chunk = make([]byte, rl.Cfg.BufferSizeKB*1024)
	}

	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			sess.Broadcast(chunk[:n])
			metrics.BytesTransferred.WithLabelValues(target, "upstream").Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.StreamErrors.WithLabelValues(target, "read").Inc()
			return err
		}
	}
}

// writeUpstreamError maps a failed or never-started upstream fetch onto the
// relay's response: timeouts are 504, everything else is 502.
func (rl *Relay) writeUpstreamError(w http.ResponseWriter, target string, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if errors.Is(err, upstream.ErrTooManyRedirects) {
		metrics.StreamErrors.WithLabelValues(target, "redirect").Inc()
	} else {
		metrics.StreamErrors.WithLabelValues(target, "connect").Inc()
	}
	logger.Warn("{relay - writeUpstreamError} %s for %s: %v", http.StatusText(status), utils.LogURL(rl.Cfg, target), err)
	http.Error(w, http.StatusText(status), status)
}

// writePreflight answers a CORS preflight. Every response the relay sends is
// world-readable; web players embed these URLs directly.
func writePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Origin, Accept")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports liveness plus the live session count.
func (rl *Relay) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	fmt.Fprintf(w, `{"status":"Online","sessions":%d}`, rl.Registry.Len())
}

// NotFound imitates a stock nginx error page so probes against unknown paths
// learn nothing about what this server actually is.
func (rl *Relay) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Server", "nginx")
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, "<html>\r\n<head><title>404 Not Found</title></head>\r\n"+
		"<body>\r\n<center><h1>404 Not Found</h1></center>\r\n"+
		"<hr><center>nginx</center>\r\n</body>\r\n</html>\r\n")
}
