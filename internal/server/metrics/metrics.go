// Package metrics holds the prometheus collectors of the auth core.
//
// Collectors are registered on an explicit Registerer instead of the global
// default so tests can use a private registry. All methods are safe on a nil
// *Metrics, which disables instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authcore"

// Operation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Revocation reasons.
const (
	ReasonRotated        = "rotated"
	ReasonLogout         = "logout"
	ReasonExpired        = "expired"
	ReasonReuse          = "reuse"
	ReasonMismatch       = "mismatch"
	ReasonPasswordChange = "password_change"
)

type Metrics struct {
	operations    *prometheus.CounterVec
	reuse         prometheus.Counter
	hashFallback  prometheus.Counter
	rehash        *prometheus.CounterVec
	revoked       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_operations_total",
			Help:      "Auth operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Refresh tokens presented after they had been revoked.",
		}),
		hashFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_hash_fallback_total",
			Help:      "Hashes produced with bcrypt because argon2id failed.",
		}),
		rehash: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_rehash_total",
			Help:      "Stored hashes upgraded to current parameters, by previous algorithm.",
		}, []string{"algorithm"}),
		revoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Refresh token rows revoked, by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		}, []string{"path", "method", "code"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "http",
			Name:      "request_duration_seconds",
			Help:      "Request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
	}
	reg.MustRegister(m.operations, m.reuse, m.hashFallback, m.rehash, m.revoked, m.httpRequests, m.httpDurations)
	return m
}

func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ReuseDetected() {
	if m == nil {
		return
	}
	m.reuse.Inc()
}

func (m *Metrics) HashFallback() {
	if m == nil {
		return
	}
	m.hashFallback.Inc()
}

func (m *Metrics) Rehashed(algorithm string) {
	if m == nil {
		return
	}
	m.rehash.WithLabelValues(algorithm).Inc()
}

// Revoked adds n revoked rows under reason. n <= 0 is ignored.
func (m *Metrics) Revoked(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revoked.WithLabelValues(reason).Add(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(path, method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, method, code).Inc()
	m.httpDurations.WithLabelValues(path, method).Observe(seconds)
}
