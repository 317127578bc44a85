package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of live deduplicated upstream sessions.
// This metric is a gauge and moves as sessions are created and torn down.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "relay_active_sessions",
	Help: "Number of active upstream sessions",
})

// SubscribersConnected tracks the number of subscribers currently attached
// per session key. A gauge that increases and decreases in real time.
var SubscribersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "relay_subscribers_connected",
	Help: "Number of subscribers attached",
}, []string{"key"})

// BytesTransferred tracks total bytes moved per session key. The "direction"
// label distinguishes upstream (from the origin) and downstream (to
// subscribers) traffic. Counter, only increases.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"key", "direction"})

// StreamErrors counts stream-related errors per session key. The "error_type"
// label categorizes failures (connect, redirect, read, segment).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_stream_errors",
	Help: "Number of stream errors",
}, []string{"key", "error_type"})

// AuthRejections counts rejected requests by reason (malformed, signature,
// expired, payload, denied).
var AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_auth_rejections",
	Help: "Number of rejected authorization attempts",
}, []string{"reason"})
