package registry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"krelay/work/logger"
	"krelay/work/metrics"
)

// State is the lifecycle of a Session.
type State int32

const (
	StateConnecting State = iota // upstream fetch issued, no response yet
	StateActive                  // headers recorded, data flowing
	StateEnded                   // upstream closed/errored or zero subscribers
)

// subscriberQueueLen bounds the per-subscriber chunk queue. A subscriber
// whose queue fills is dropped rather than allowed to stall the rest of the
// fan-out.
const subscriberQueueLen = 256

// Subscriber is one downstream caller attached to a Session. Its sink is the
// Chunks channel: the broadcaster produces, the owning request handler
// consumes. Closing the channel is the sole cancellation signal toward the
// consumer.
type Subscriber struct {
	ID         string
	AttachedAt time.Time

	chunks      chan []byte
	closeOnce   sync.Once
	sentPayload atomic.Bool
	onDetach    func(sentPayload bool)
}

// Chunks returns the subscriber's ordered byte stream. The channel is closed
// when the subscriber detaches or the session ends.
func (sub *Subscriber) Chunks() <-chan []byte {
	return sub.chunks
}

// MarkPayload records that this subscriber received actual media bytes, as
// opposed to only a playlist or manifest placeholder. The flag decides
// whether the authorization release fires on disconnect.
func (sub *Subscriber) MarkPayload() {
	sub.sentPayload.Store(true)
}

// SentPayload reports whether any payload byte reached this subscriber.
func (sub *Subscriber) SentPayload() bool {
	return sub.sentPayload.Load()
}

func (sub *Subscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.chunks)
	})
}

// Session is one live, deduplicated upstream connection identified by its
// canonical target URL. The producer (a fetch pump or the playlist puller)
// records the upstream response once via SetResponse and pushes byte chunks
// through Broadcast; subscribers attach and detach freely while it runs.
type Session struct {
	Key string

	registry *Registry
	state    atomic.Int32
	subs     *xsync.MapOf[string, *Subscriber]
	subCount atomic.Int32

	respOnce sync.Once
	ready    chan struct{}
	status   int
	header   http.Header

	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
	failMu  sync.Mutex
	failure error
}

// Context is cancelled when the session is torn down; the producer must stop
// promptly when it fires.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Ready is closed once the upstream status and headers have been recorded.
// Waiters should also select on Done in case the session fails before any
// response arrives.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the terminal error recorded at teardown, if any.
func (s *Session) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

// Response returns the recorded upstream status and headers. Valid only
// after Ready.
func (s *Session) Response() (int, http.Header) {
	return s.status, s.header
}

// SetResponse records the upstream response exactly once and moves the
// session to active. Every subscriber, including late joiners, observes this
// same status/header set.
func (s *Session) SetResponse(status int, header http.Header) {
	s.respOnce.Do(func() {
		s.status = status
		s.header = header.Clone()
		s.state.Store(int32(StateActive))
		close(s.ready)
		logger.Debug("{registry - SetResponse} Session %s active with HTTP %d", s.Key, status)
	})
}

// Broadcast copies the chunk once and enqueues it to every attached
// subscriber in arrival order. A subscriber whose queue is full is detached;
// the others are unaffected. Returns the number of subscribers that accepted
// the chunk.
func (s *Session) Broadcast(p []byte) int {
	if len(p) == 0 {
		return int(s.subCount.Load())
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	delivered := 0
	s.subs.Range(func(id string, sub *Subscriber) bool {
		select {
		case sub.chunks <- chunk:
			sub.MarkPayload()
			delivered++
		default:
			logger.Warn("{registry - Broadcast} Session %s: dropping slow subscriber %s", s.Key, id)
			s.Detach(id)
		}
		return true
	})

	metrics.BytesTransferred.WithLabelValues(s.Key, "downstream").Add(float64(len(chunk) * delivered))
	return delivered
}

// attach registers a subscriber. Returns false if the session already ended,
// in which case the caller must retry against a fresh session.
func (s *Session) attach(sub *Subscriber) bool {
	if s.State() == StateEnded {
		return false
	}
	s.subs.Store(sub.ID, sub)
	count := s.subCount.Add(1)

	// re-check: teardown may have raced the store
	if s.State() == StateEnded {
		if _, loaded := s.subs.LoadAndDelete(sub.ID); loaded {
			s.subCount.Add(-1)
		}
		return false
	}

	metrics.SubscribersConnected.WithLabelValues(s.Key).Set(float64(count))
	logger.Debug("{registry - attach} Session %s: subscriber %s attached, total: %d", s.Key, sub.ID, count)
	return true
}

// Detach removes one subscriber, closes its sink, and fires its detach
// callback. Tearing down the whole session when the subscriber set becomes
// empty. Safe to call more than once for the same id.
func (s *Session) Detach(id string) {
	sub, loaded := s.subs.LoadAndDelete(id)
	if !loaded {
		return
	}

	count := s.subCount.Add(-1)
	sub.close()
	if sub.onDetach != nil {
		sub.onDetach(sub.SentPayload())
	}

	metrics.SubscribersConnected.WithLabelValues(s.Key).Set(float64(count))
	logger.Debug("{registry - Detach} Session %s: subscriber %s detached, remaining: %d", s.Key, id, count)

	if count <= 0 {
		logger.Debug("{registry - Detach} Session %s: no subscribers remain, tearing down", s.Key)
		s.End(nil)
	}
}

// End tears the session down: cancels the producer, closes every remaining
// subscriber sink, and removes the session from the registry. Idempotent.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		if err != nil {
			s.failMu.Lock()
			s.failure = err
			s.failMu.Unlock()
		}
		s.state.Store(int32(StateEnded))
		s.cancel()

		s.subs.Range(func(id string, sub *Subscriber) bool {
			if _, loaded := s.subs.LoadAndDelete(id); loaded {
				s.subCount.Add(-1)
				sub.close()
				if sub.onDetach != nil {
					sub.onDetach(sub.SentPayload())
				}
			}
			return true
		})

		s.registry.remove(s)
		metrics.ActiveSessions.Dec()
		metrics.SubscribersConnected.WithLabelValues(s.Key).Set(0)

		if err != nil {
			logger.Warn("{registry - End} Session %s ended with error: %v", s.Key, err)
		} else {
			logger.Debug("{registry - End} Session %s ended", s.Key)
		}
	})
}

// Registry owns at most one Session per canonical target URL. Only Range-free
// live requests are deduplicated here; Range-bearing and VOD requests bypass
// the registry entirely and use a private upstream connection.
type Registry struct {
	sessions *xsync.MapOf[string, *Session]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Subscribe attaches a subscriber to the session for key, creating the
// session first when none is live. Returns created=true when this call
// created the session, in which case the caller must start exactly one
// producer for it.
func (r *Registry) Subscribe(key, id string, onDetach func(sentPayload bool)) (*Session, *Subscriber, bool) {
	sub := &Subscriber{
		ID:         id,
		AttachedAt: time.Now(),
		chunks:     make(chan []byte, subscriberQueueLen),
		onDetach:   onDetach,
	}

	for {
		created := false
		sess, _ := r.sessions.LoadOrCompute(key, func() *Session {
			created = true
			return r.newSession(key)
		})

		if sess.attach(sub) {
			return sess, sub, created
		}

		// The session ended between lookup and attach. Drop the stale
		// entry if it is still ours and retry with a fresh one.
		r.remove(sess)
	}
}

// Lookup returns the live session for key, if any. Used by tests and
// teardown verification.
func (r *Registry) Lookup(key string) (*Session, bool) {
	return r.sessions.Load(key)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

func (r *Registry) newSession(key string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Key:      key,
		registry: r,
		subs:     xsync.NewMapOf[string, *Subscriber](),
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.state.Store(int32(StateConnecting))
	metrics.ActiveSessions.Inc()
	logger.Debug("{registry - newSession} Created session for key %s", key)
	return s
}

// remove deletes the session from the map only when the stored value is this
// exact session, so a replacement created after teardown is never clobbered.
func (r *Registry) remove(s *Session) {
	r.sessions.Compute(s.Key, func(current *Session, loaded bool) (*Session, bool) {
		if loaded && current == s {
			return nil, true // delete
		}
		return current, !loaded // keep whatever is there
	})
}
