package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// counterDef maps a Prometheus counter to a snapshot field.
type counterDef struct {
	name  string
	help  string
	value func(Snapshot) int64
}

var counterDefs = []counterDef{
	{"framefetch_fetches_started_total", "Fetches handed to a loader", func(s Snapshot) int64 { return s.FetchesStarted }},
	{"framefetch_fetches_succeeded_total", "Fetches resolved to a frame", func(s Snapshot) int64 { return s.FetchesSucceeded }},
	{"framefetch_fetches_failed_total", "Fetches resolved to an error", func(s Snapshot) int64 { return s.FetchesFailed }},
	{"framefetch_fetches_canceled_total", "Fetches canceled before resolving", func(s Snapshot) int64 { return s.FetchesCanceled }},
	{"framefetch_cache_hits_total", "Requests served by a resolved cache entry", func(s Snapshot) int64 { return s.CacheHits }},
	{"framefetch_dedup_attached_total", "Requests attached to an in-flight fetch", func(s Snapshot) int64 { return s.DedupAttached }},
	{"framefetch_derived_frames_total", "Frames synthesized from a source frame", func(s Snapshot) int64 { return s.DerivedFrames }},
	{"framefetch_requests_queued_total", "Requests added to the scheduler", func(s Snapshot) int64 { return s.RequestsQueued }},
	{"framefetch_requests_dispatched_total", "Requests started by the scheduler", func(s Snapshot) int64 { return s.RequestsDispatched }},
	{"framefetch_requests_dropped_total", "Queued requests removed before starting", func(s Snapshot) int64 { return s.RequestsDropped }},
	{"framefetch_cancel_hooks_invoked_total", "In-flight cancellation hooks invoked", func(s Snapshot) int64 { return s.CancelHooksInvoked }},
	{"framefetch_time_point_changes_total", "Streamer time point changes", func(s Snapshot) int64 { return s.TimePointChanges }},
}

// Export registers one CounterFunc per counter, reading from c on scrape.
//
// Parameters:
//   - reg: Prometheus registerer. Pass nil to build the collectors without
//     registering them (useful for testing).
//
// Returns the created collectors.
func Export(reg prometheus.Registerer, c *Collector) ([]prometheus.Collector, error) {
	labels := prometheus.Labels{}
	if c != nil {
		if c.sessionID != "" {
			labels["session_id"] = c.sessionID
		}
		if c.storageBackend != "" {
			labels["storage_backend"] = c.storageBackend
		}
	}

	collectors := make([]prometheus.Collector, 0, len(counterDefs))
	for _, def := range counterDefs {
		value := def.value
		cf := prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name:        def.name,
				Help:        def.help,
				ConstLabels: labels,
			},
			func() float64 { return float64(value(c.Snapshot())) },
		)
		if reg != nil {
			if err := reg.Register(cf); err != nil {
				return nil, err
			}
		}
		collectors = append(collectors, cf)
	}
	return collectors, nil
}
