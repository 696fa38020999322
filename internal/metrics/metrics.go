// Package metrics exposes engine state to Prometheus. Every engine owns its
// own registry so parallel engines (tests) never collide. All methods are
// safe on a nil *Recorder.
//
//	perpdesk_capital_allocated / perpdesk_capital_available
//	perpdesk_positions_active
//	perpdesk_emergency_stop (0/1)
//	perpdesk_dispatch_interval_seconds
//	perpdesk_admissions_total{result,check}
//	perpdesk_orders_total{result}
//	perpdesk_closes_total{status,reason}
//	perpdesk_lock_contention_total{label}
//	perpdesk_invariant_violations_total
//	perpdesk_rate_limit_delays_total
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perpdesk"

type Recorder struct {
	registry *prometheus.Registry

	allocated        prometheus.Gauge
	available        prometheus.Gauge
	active           prometheus.Gauge
	emergency        prometheus.Gauge
	dispatchInterval prometheus.Gauge

	admissions *prometheus.CounterVec
	orders     *prometheus.CounterVec
	closes     *prometheus.CounterVec
	contention *prometheus.CounterVec
	violations prometheus.Counter
	rateDelays prometheus.Counter
	rateSeen   atomic.Int64
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capital_allocated",
			Help: "Capital committed to open positions",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capital_available",
			Help: "Total capital minus committed capital",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "positions_active",
			Help: "Positions in PENDING or ACTIVE state",
		}),
		emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "emergency_stop",
			Help: "1 while the emergency stop is set",
		}),
		dispatchInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispatch_interval_seconds",
			Help: "Current adaptive dispatch interval",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admissions_total",
			Help: "Admission gate decisions",
		}, []string{"result", "check"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Entry order attempts by outcome",
		}, []string{"result"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "closes_total",
			Help: "Closed positions by terminal status and reason",
		}, []string{"status", "reason"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_contention_total",
			Help: "Execution lock acquisitions that found the lock held",
		}, []string{"label"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "invariant_violations_total",
			Help: "Ledger over-allocations detected by reconcile",
		}),
		rateDelays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_delays_total",
			Help: "Exchange calls delayed by the rate limiter",
		}),
	}
	r.registry.MustRegister(
		r.allocated, r.available, r.active, r.emergency, r.dispatchInterval,
		r.admissions, r.orders, r.closes, r.contention, r.violations, r.rateDelays,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the text exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) SetCapital(allocated, available float64) {
	if r == nil {
		return
	}
	r.allocated.Set(allocated)
	r.available.Set(available)
}

func (r *Recorder) SetActivePositions(n int) {
	if r == nil {
		return
	}
	r.active.Set(float64(n))
}

func (r *Recorder) SetEmergencyStop(on bool) {
	if r == nil {
		return
	}
	if on {
		r.emergency.Set(1)
		return
	}
	r.emergency.Set(0)
}

func (r *Recorder) SetDispatchInterval(seconds float64) {
	if r == nil {
		return
	}
	r.dispatchInterval.Set(seconds)
}

func (r *Recorder) Admission(approved bool, check string) {
	if r == nil {
		return
	}
	result := "rejected"
	if approved {
		result = "approved"
		check = ""
	}
	r.admissions.WithLabelValues(result, check).Inc()
}

func (r *Recorder) Order(result string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(result).Inc()
}

func (r *Recorder) Close(status, reason string) {
	if r == nil {
		return
	}
	r.closes.WithLabelValues(status, reason).Inc()
}

func (r *Recorder) LockContention(label string) {
	if r == nil {
		return
	}
	r.contention.WithLabelValues(label).Inc()
}

func (r *Recorder) InvariantViolation() {
	if r == nil {
		return
	}
	r.violations.Inc()
}

// SetRateLimitDelays mirrors the limiter's cumulative delay count.
func (r *Recorder) SetRateLimitDelays(total int64) {
	if r == nil {
		return
	}
	for {
		cur := r.rateSeen.Load()
		if total <= cur {
			return
		}
		if r.rateSeen.CompareAndSwap(cur, total) {
			r.rateDelays.Add(float64(total - cur))
			return
		}
	}
}
