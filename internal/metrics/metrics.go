// Package metrics exposes prometheus counters for the reconciliation
// engine. The set is optional: a nil *Set is valid and every increment on
// it is a no-op, so library users without a metrics pipeline pay nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds the engine's counters.
type Set struct {
	submitted    prometheus.Counter
	confirmed    prometheus.Counter
	failed       prometheus.Counter
	retried      prometheus.Counter
	polled       prometheus.Counter
	pollFailed   prometheus.Counter
	staleSkipped prometheus.Counter
}

// New creates and registers the counter set on the given registerer.
func New(reg prometheus.Registerer) *Set {
	f := promauto.With(reg)
	return &Set{
		submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "mutations_submitted_total",
			Help:      "Mutations submitted, including retries.",
		}),
		confirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "mutations_confirmed_total",
			Help:      "Mutations the server confirmed.",
		}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "mutations_failed_total",
			Help:      "Submit calls that rejected.",
		}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "mutations_retried_total",
			Help:      "Explicit retries of failed mutations.",
		}),
		polled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "polls_total",
			Help:      "Canonical snapshots applied.",
		}),
		pollFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "poll_failures_total",
			Help:      "Poll cycles skipped because the fetch rejected.",
		}),
		staleSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "stale_overwrites_skipped_total",
			Help:      "Canonical values discarded by the freshness guard.",
		}),
	}
}

// IncSubmitted counts one submitted mutation.
func (s *Set) IncSubmitted() {
	if s != nil {
		s.submitted.Inc()
	}
}

// IncConfirmed counts one confirmed mutation.
func (s *Set) IncConfirmed() {
	if s != nil {
		s.confirmed.Inc()
	}
}

// IncFailed counts one rejected submit.
func (s *Set) IncFailed() {
	if s != nil {
		s.failed.Inc()
	}
}

// IncRetried counts one explicit retry.
func (s *Set) IncRetried() {
	if s != nil {
		s.retried.Inc()
	}
}

// IncPolled counts one applied snapshot.
func (s *Set) IncPolled() {
	if s != nil {
		s.polled.Inc()
	}
}

// IncPollFailed counts one skipped poll cycle.
func (s *Set) IncPollFailed() {
	if s != nil {
		s.pollFailed.Inc()
	}
}

// IncStaleSkipped counts one freshness-guard decision.
func (s *Set) IncStaleSkipped() {
	if s != nil {
		s.staleSkipped.Inc()
	}
}
