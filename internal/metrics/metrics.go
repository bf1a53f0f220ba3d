// Package metrics exposes Prometheus counters and histograms for the
// sync daemon's run loop and HTTP status surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_runs_total",
		Help: "Total number of account sync runs, by outcome.",
	}, []string{"account", "outcome"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carddav_sync_run_duration_seconds",
		Help:    "Histogram of account sync run durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"account"})

	ContactsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_contacts_upserted_total",
		Help: "Total number of contacts written to the local store from a remote change.",
	}, []string{"account", "addressbook"})

	ContactsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_contacts_removed_total",
		Help: "Total number of contacts deleted from the local store from a remote change.",
	}, []string{"account", "addressbook"})

	ContactsUpsynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_contacts_upsynced_total",
		Help: "Total number of local changes successfully pushed to the server.",
	}, []string{"account", "addressbook", "mod_type"})

	SyncErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_errors_total",
		Help: "Total number of sync errors, by taxonomy kind.",
	}, []string{"account", "kind"})

	FullResyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_full_resyncs_total",
		Help: "Total number of collection syncs with no sync-token on either side (none checkpointed, none advertised); a rejected sync-token is not counted.",
	}, []string{"account", "addressbook"})

	CollectionsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carddav_sync_collections_removed_total",
		Help: "Total number of address books pruned locally after disappearing from the server.",
	}, []string{"account", "addressbook"})
)

// ObserveRun records the outcome and duration of one account's sync run.
func ObserveRun(account, outcome string, start time.Time) {
	RunsTotal.WithLabelValues(account, outcome).Inc()
	RunDuration.WithLabelValues(account).Observe(time.Since(start).Seconds())
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
