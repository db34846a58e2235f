// Package metrics counts what each run did and pushes it to a Pushgateway.
//
// A run is a batch job, so there is nothing to scrape between runs.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/jdholdren/digest/internal/crawl"
)

const job = "digest"

// Values of the result label on digest_feeds_total.
const (
	ResultOK          = "ok"
	ResultNotModified = "not_modified"
	ResultFetchError  = "fetch_error"
	ResultParseError  = "parse_error"
	ResultError       = "error"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	reg     *prometheus.Registry
	pushURL string

	feeds         *prometheus.CounterVec
	recent        prometheus.Counter
	written       prometheus.Counter
	writeErrors   prometheus.Counter
	reaped        prometheus.Counter
	crawlDuration prometheus.Histogram
	snapshotItems prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New registers every collector on a fresh registry. An empty pushURL turns
// Push into a no-op.
func New(pushURL string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg:     reg,
		pushURL: pushURL,
		feeds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "digest_feeds_total",
			Help: "Feeds processed, by outcome",
		}, []string{"result"}),
		recent: factory.NewCounter(prometheus.CounterOpts{
			Name: "digest_entries_recent_total",
			Help: "Entries found inside the window",
		}),
		written: factory.NewCounter(prometheus.CounterOpts{
			Name: "digest_items_written_total",
			Help: "Items upserted into the store",
		}),
		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "digest_item_write_errors_total",
			Help: "Items that failed to be written",
		}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "digest_items_reaped_total",
			Help: "Expired items removed from the store",
		}),
		crawlDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "digest_crawl_duration_seconds",
			Help:    "How long crawling every feed took",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
		}),
		snapshotItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "digest_snapshot_items",
			Help: "Items in the last published snapshot",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "digest_last_success_timestamp_seconds",
			Help: "When a snapshot was last published",
		}),
	}
}

// Registry exposes the collectors, e.g. for a /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveCrawl records a finished crawl.
func (m *Metrics) ObserveCrawl(r crawl.Report) {
	m.feeds.WithLabelValues(ResultOK).Add(float64(r.Succeeded))
	m.feeds.WithLabelValues(ResultNotModified).Add(float64(r.NotModified))
	m.feeds.WithLabelValues(ResultFetchError).Add(float64(r.FetchFailed))
	m.feeds.WithLabelValues(ResultParseError).Add(float64(r.ParseFailed))
	m.feeds.WithLabelValues(ResultError).Add(float64(r.Failed - r.FetchFailed - r.ParseFailed))

	m.recent.Add(float64(r.Recent))
	m.written.Add(float64(r.Written))
	m.writeErrors.Add(float64(r.WriteErrors))
	m.crawlDuration.Observe(r.Duration.Seconds())
}

// ObserveReap records items removed from the store.
func (m *Metrics) ObserveReap(n int64) {
	m.reaped.Add(float64(n))
}

// ObservePublish records a snapshot of n items going out at t.
func (m *Metrics) ObservePublish(n int, t time.Time) {
	m.snapshotItems.Set(float64(n))
	m.lastSuccess.Set(float64(t.Unix()))
}

// Push sends every collector to the Pushgateway, replacing what the job
// pushed last.
func (m *Metrics) Push(ctx context.Context) error {
	if m.pushURL == "" {
		return nil
	}

	if err := push.New(m.pushURL, job).Gatherer(m.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("error pushing metrics: %w", err)
	}

	return nil
}
