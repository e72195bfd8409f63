// Package metrics holds the Prometheus collectors for login, sync and token
// refresh activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	Logins            *prometheus.CounterVec
	StateRedemptions  *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	SyncActions       *prometheus.CounterVec
	SyncRunDuration   prometheus.Histogram
	GraphRequestTotal *prometheus.CounterVec
}

// New creates and registers all collectors with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entralink_logins_total",
			Help: "Login callbacks by outcome",
		}, []string{"outcome"}),
		StateRedemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entralink_state_redemptions_total",
			Help: "Authorization state redemptions by result",
		}, []string{"result"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entralink_token_refreshes_total",
			Help: "Token refresh attempts by result",
		}, []string{"result"}),
		SyncActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entralink_sync_actions_total",
			Help: "Directory sync actions applied, by action",
		}, []string{"action"}),
		SyncRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entralink_sync_run_duration_seconds",
			Help:    "Duration of a full directory sync run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		GraphRequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entralink_graph_requests_total",
			Help: "Directory API requests by status class",
		}, []string{"status"}),
	}
}

// IncLogin records a login outcome.
func (m *Metrics) IncLogin(outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(outcome).Inc()
}

// IncStateRedemption records an authorization state redemption result.
func (m *Metrics) IncStateRedemption(result string) {
	if m == nil {
		return
	}
	m.StateRedemptions.WithLabelValues(result).Inc()
}

// IncTokenRefresh records a refresh attempt.
func (m *Metrics) IncTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// IncSyncAction records a reconciliation action.
func (m *Metrics) IncSyncAction(action string) {
	if m == nil {
		return
	}
	m.SyncActions.WithLabelValues(action).Inc()
}

// ObserveSyncRun records a run duration in seconds.
func (m *Metrics) ObserveSyncRun(seconds float64) {
	if m == nil {
		return
	}
	m.SyncRunDuration.Observe(seconds)
}

// IncGraphRequest records a directory API response status class.
func (m *Metrics) IncGraphRequest(status string) {
	if m == nil {
		return
	}
	m.GraphRequestTotal.WithLabelValues(status).Inc()
}
