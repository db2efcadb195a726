// Package metrics defines the bot's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "attendboard"

	LabelResult  = "result"
	LabelAction  = "action"
	LabelOutcome = "outcome"

	ResultOK        = "ok"
	ResultTransient = "transient"
	ResultFailure   = "failure"
	ResultRejected  = "rejected"
	ResultError     = "error"

	OutcomeConfirmed = "confirmed"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
)

type Metrics struct {
	Refreshes     *prometheus.CounterVec
	BoardsCreated prometheus.Counter
	UserActions   *prometheus.CounterVec
	Dialogs       *prometheus.CounterVec
	OpenDialogs   prometheus.Gauge

	RolloverRuns     *prometheus.CounterVec
	RolloverDuration prometheus.Histogram
	SyntheticOuts    prometheus.Counter

	WebhookUpdates *prometheus.CounterVec
}

// New registers collectors on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Refreshes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "board", Name: "refreshes_total",
			Help: "Board refreshes by gateway result (ok, transient, failure).",
		}, []string{LabelResult}),
		BoardsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "board", Name: "created_total",
			Help: "Board messages sent as a fresh message.",
		}),
		UserActions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "user_actions_total",
			Help: "Button presses by action and result.",
		}, []string{LabelAction, LabelResult}),
		Dialogs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "confirm", Name: "dialogs_total",
			Help: "Finished confirmation dialogs by outcome.",
		}, []string{LabelOutcome}),
		OpenDialogs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "confirm", Name: "open_dialogs",
			Help: "Confirmation dialogs currently counting down.",
		}),
		RolloverRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rollover", Name: "runs_total",
			Help: "Rollover passes by result. A pass with any failed chat counts as error.",
		}, []string{LabelResult}),
		RolloverDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "rollover", Name: "duration_seconds",
			Help:    "Wall time of a rollover pass across all chats.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		SyntheticOuts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rollover", Name: "synthetic_outs_total",
			Help: "Synthetic out events appended to close sessions left open overnight.",
		}),
		WebhookUpdates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "webhook", Name: "updates_total",
			Help: "Updates received on the webhook by result (ok, rejected, error).",
		}, []string{LabelResult}),
	}
}
