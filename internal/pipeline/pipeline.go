// Package pipeline runs the whole harvest: load the directory, crawl every
// feed, rebuild the snapshot and publish it.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdholdren/digest/internal/crawl"
	"github.com/jdholdren/digest/internal/digest"
	"github.com/jdholdren/digest/internal/directory"
	"github.com/jdholdren/digest/internal/logger"
	"github.com/jdholdren/digest/internal/metrics"
	"github.com/jdholdren/digest/internal/snapshot"
)

type (
	Crawler interface {
		Crawl(ctx context.Context, feeds []digest.Feed) crawl.Report
	}

	Builder interface {
		Build(ctx context.Context) (snapshot.Snapshot, error)
	}

	Publisher interface {
		Publish(ctx context.Context, snap snapshot.Snapshot) error
	}
)

// Runner holds everything a run needs. Reaper and Tracker may be nil.
type Runner struct {
	DirectoryURL string
	Fetcher      directory.Fetcher
	Crawler      Crawler
	Reaper       digest.Reaper
	Builder      Builder
	Publisher    Publisher
	Metrics      *metrics.Metrics
	Tracker      *Tracker
}

// Status is what a single run did.
type Status struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Feeds      int       `json:"feeds"`
	Failed     int       `json:"failed"`
	Written    int       `json:"written"`
	Items      int       `json:"items"`
	Error      string    `json:"error,omitempty"`
}

// Tracker remembers the last finished run.
type Tracker struct {
	mu   sync.Mutex
	last *Status
}

// Last is the most recent run, if there has been one.
func (t *Tracker) Last() (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Status{}, false
	}
	return *t.last, true
}

func (t *Tracker) record(s Status) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &s
}

// Run performs one complete harvest.
//
// Once started a run isn't cancellable: it finishes even if ctx is cancelled
// part way through. Only a directory, snapshot, or publish failure is returned;
// per-feed and per-item failures end up in the report.
func (r Runner) Run(ctx context.Context) (crawl.Report, error) {
	status := Status{RunID: uuid.NewString(), StartedAt: time.Now()}
	ctx = logger.Ctx(context.WithoutCancel(ctx), slog.String("run_id", status.RunID))

	report, items, err := r.run(ctx)

	status.FinishedAt = time.Now()
	status.Feeds = report.Feeds
	status.Failed = report.Failed
	status.Written = report.Written
	status.Items = items
	if err != nil {
		status.Error = err.Error()
	}
	r.Tracker.record(status)

	if err == nil {
		slog.InfoContext(ctx, "run finished", "items", items, "duration", status.FinishedAt.Sub(status.StartedAt))
	}
	return report, err
}

func (r Runner) run(ctx context.Context) (crawl.Report, int, error) {
	slog.InfoContext(ctx, "run started", "directory", r.DirectoryURL)

	feeds, err := directory.Load(ctx, r.Fetcher, r.DirectoryURL)
	if err != nil {
		return crawl.Report{}, 0, err
	}
	slog.InfoContext(ctx, "loaded directory", "feeds", len(feeds))

	defer r.pushMetrics(ctx)

	report := r.Crawler.Crawl(ctx, feeds)
	r.Metrics.ObserveCrawl(report)

	// The store hides expired items already, this just keeps it small.
	if r.Reaper != nil {
		r.reap(ctx)
	}

	snap, err := r.Builder.Build(ctx)
	if err != nil {
		return report, 0, err
	}

	if err := r.Publisher.Publish(ctx, snap); err != nil {
		return report, 0, err
	}
	r.Metrics.ObservePublish(len(snap.Items), snap.BuiltAt)

	return report, len(snap.Items), nil
}

// Every runs right away and then on every tick of interval until ctx is
// cancelled. A failed run is logged and the next tick goes ahead regardless.
func (r Runner) Every(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Run(ctx); err != nil {
			slog.ErrorContext(ctx, "run failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reap removes expired items on every tick of interval until ctx is
// cancelled.
func (r Runner) Reap(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r Runner) reap(ctx context.Context) {
	n, err := r.Reaper.Reap(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to reap expired items", "error", err)
		return
	}

	r.Metrics.ObserveReap(n)
	slog.DebugContext(ctx, "reaped expired items", "count", n)
}

func (r Runner) pushMetrics(ctx context.Context) {
	if err := r.Metrics.Push(ctx); err != nil {
		slog.WarnContext(ctx, "failed to push metrics", "error", err)
	}
}
