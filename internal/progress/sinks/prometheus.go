package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trenchlabs/trench/internal/progress"
)

// PrometheusSink exports archive progress metrics. It owns all collectors
// for page captures, asset storage, and deduplication savings.
type PrometheusSink struct {
	pagesCaptured   prometheus.Counter
	pagesFailed     prometheus.Counter
	captureDuration prometheus.Histogram

	assetsStored *prometheus.CounterVec
	assetBytes   *prometheus.CounterVec
	dedupHits    prometheus.Counter
	dedupBytes   prometheus.Counter

	budgetStops *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		pagesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trench_pages_captured_total",
			Help: "Total pages successfully captured.",
		}),
		pagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trench_pages_failed_total",
			Help: "Total pages that failed to render or navigate.",
		}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trench_page_capture_duration_seconds",
			Help:    "Wall time per captured page.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		assetsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trench_assets_stored_total",
			Help: "Asset records created, partitioned by type.",
		}, []string{"type"}),
		assetBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trench_asset_bytes_total",
			Help: "Unique blob bytes written, partitioned by type.",
		}, []string{"type"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trench_dedup_hits_total",
			Help: "Asset fetches whose body matched an existing blob.",
		}),
		dedupBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trench_dedup_bytes_saved_total",
			Help: "Bytes not written thanks to content deduplication.",
		}),
		budgetStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trench_budget_reached_total",
			Help: "Crawl terminations due to an exhausted budget.",
		}, []string{"budget"}),
	}
	for _, collector := range []prometheus.Collector{
		s.pagesCaptured,
		s.pagesFailed,
		s.captureDuration,
		s.assetsStored,
		s.assetBytes,
		s.dedupHits,
		s.dedupBytes,
		s.budgetStops,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StagePageCaptured:
		s.pagesCaptured.Inc()
		s.captureDuration.Observe(evt.Dur.Seconds())
	case progress.StagePageFailed:
		s.pagesFailed.Inc()
	case progress.StageAssetStored:
		s.assetsStored.WithLabelValues(string(evt.AssetType)).Inc()
		if evt.Deduplicated {
			s.dedupHits.Inc()
			s.dedupBytes.Add(float64(evt.Bytes))
		} else {
			s.assetBytes.WithLabelValues(string(evt.AssetType)).Add(float64(evt.Bytes))
		}
	case progress.StageBudgetReached:
		s.budgetStops.WithLabelValues(evt.Note).Inc()
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
