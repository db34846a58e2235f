// Package crawl fans the feed list out over a bounded set of workers and
// funnels what they find into the item store through a single writer.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
	"github.com/jdholdren/digest/internal/feed"
	"github.com/jdholdren/digest/internal/logger"
)

// DefaultWorkers is how many feeds are processed at once.
const DefaultWorkers = 20

type (
	// Fetcher retrieves feed documents conditionally. Commit is called once a
	// document's entries are safely in the store.
	Fetcher interface {
		FetchFeed(ctx context.Context, url string) (feed.Document, error)
		Commit(doc feed.Document)
	}

	// Config tunes a Coordinator. Zero values fall back to the defaults.
	Config struct {
		Workers   int
		Retention digest.Retention
	}

	// Coordinator runs one crawl over a list of feeds.
	Coordinator struct {
		fetcher   Fetcher
		repo      digest.ItemRepo
		workers   int
		retention digest.Retention
		now       func() time.Time
	}

	// FeedResult is the outcome of processing a single feed.
	FeedResult struct {
		Feed digest.Feed
		// Entries in the document, dated or not.
		Fetched int
		// Entries inside the window, handed to the writer.
		Recent int
		// The server reported no change since the last fetch.
		NotModified bool
		Err         error
	}

	// Report sums up a crawl. It is informational only: nothing in it fails a
	// run.
	Report struct {
		Feeds       int
		Succeeded   int
		NotModified int
		Failed      int
		// Failed feeds split by stage, the rest of Failed is anything else.
		FetchFailed int
		ParseFailed int
		// Failures by error kind.
		Failures map[digesterrs.Kind]int
		Fetched  int
		Recent   int
		Written  int
		// Entries that would have expired before being written.
		Expired     int
		WriteErrors int
		Duration    time.Duration
	}

	// A batch of entries from one feed on its way to the writer. The writer
	// sends the number of entries it failed to store on done.
	batch struct {
		ctx     context.Context
		entries []digest.Entry
		done    chan<- int
	}

	writeStats struct {
		written int
		expired int
		errors  int
	}
)

// NewCoordinator builds a Coordinator that writes what it finds into repo.
func NewCoordinator(f Fetcher, repo digest.ItemRepo, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retention.Horizon <= 0 {
		cfg.Retention = digest.DefaultRetention
	}

	return &Coordinator{
		fetcher:   f,
		repo:      repo,
		workers:   cfg.Workers,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Crawl processes every feed and returns once all of them are done and every
// recent entry has been handed to the store.
//
// A feed that fails is logged and counted, it never stops the others.
func (c *Coordinator) Crawl(ctx context.Context, feeds []digest.Feed) Report {
	start := c.now()

	batches := make(chan batch)
	stats := make(chan writeStats, 1)
	go func() {
		stats <- c.write(batches)
	}()

	results := make([]FeedResult, len(feeds))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, f := range feeds {
		// Blocks while every worker is busy.
		g.Go(func() error {
			results[i] = c.crawlFeed(ctx, f, batches)
			return nil
		})
	}
	_ = g.Wait()

	close(batches)
	ws := <-stats

	report := Report{
		Feeds:       len(feeds),
		Failures:    map[digesterrs.Kind]int{},
		Written:     ws.written,
		Expired:     ws.expired,
		WriteErrors: ws.errors,
	}
	for _, r := range results {
		report.Fetched += r.Fetched
		report.Recent += r.Recent
		switch {
		case r.Err != nil:
			report.Failed++
			report.Failures[digesterrs.KindOf(r.Err)]++
			switch {
			case digesterrs.IsFetch(r.Err):
				report.FetchFailed++
			case digesterrs.IsParse(r.Err):
				report.ParseFailed++
			}
		case r.NotModified:
			report.NotModified++
		default:
			report.Succeeded++
		}
	}
	report.Duration = c.now().Sub(start)

	slog.InfoContext(ctx, "crawl finished",
		"feeds", report.Feeds,
		"succeeded", report.Succeeded,
		"not_modified", report.NotModified,
		"failed", report.Failed,
		"fetch_failed", report.FetchFailed,
		"parse_failed", report.ParseFailed,
		"recent", report.Recent,
		"written", report.Written,
		"write_errors", report.WriteErrors,
		"duration", report.Duration,
	)

	return report
}

// Fetch, parse, and filter a single feed, then pass the survivors to the writer.
func (c *Coordinator) crawlFeed(ctx context.Context, f digest.Feed, out chan<- batch) (res FeedResult) {
	res.Feed = f
	ctx = logger.Ctx(ctx, slog.String("feed", f.Title), slog.String("feed_url", f.URL))

	defer func() {
		if r := recover(); r != nil {
			res.Err = digesterrs.E(digesterrs.Op("crawl_feed"), fmt.Sprintf("panic: %v", r))
			slog.ErrorContext(ctx, "feed panicked", "error", res.Err)
		}
	}()

	doc, err := c.fetcher.FetchFeed(ctx, f.URL)
	if errors.Is(err, feed.ErrNotModified) {
		res.NotModified = true
		slog.InfoContext(ctx, "feed not modified")
		return res
	}
	if err != nil {
		res.Err = err
		slog.WarnContext(ctx, "failed to fetch feed", "kind", digesterrs.KindOf(err), "error", err)
		return res
	}

	entries, err := feed.Parse(doc.Body)
	if err != nil {
		res.Err = err
		slog.WarnContext(ctx, "failed to parse feed", "kind", digesterrs.KindOf(err), "error", err)
		return res
	}
	res.Fetched = len(entries)

	recent := feed.Entries(f, feed.Recent(entries, c.now(), c.retention.Horizon))
	res.Recent = len(recent)
	if len(recent) > 0 {
		done := make(chan int, 1)
		out <- batch{ctx: ctx, entries: recent, done: done}
		if failed := <-done; failed > 0 {
			// Without the validators the next run refetches the whole feed.
			slog.WarnContext(ctx, "not all entries were stored", "failed", failed)
			return res
		}
	}
	c.fetcher.Commit(doc)

	slog.InfoContext(ctx, "crawled feed", "entries", res.Fetched, "recent", res.Recent)
	return res
}

// The only code touching the store while a crawl is running.
func (c *Coordinator) write(in <-chan batch) writeStats {
	var stats writeStats
	for b := range in {
		failed := 0
		for _, e := range b.entries {
			item := digest.NewItem(e, c.retention)
			if item.Expired(c.now()) {
				stats.expired++
				continue
			}

			if err := c.repo.PutItem(b.ctx, item); err != nil {
				stats.errors++
				failed++
				slog.ErrorContext(b.ctx, "failed to write item",
					"url", item.URL,
					"kind", digesterrs.KindOf(err),
					"error", err,
				)
				continue
			}
			stats.written++
		}
		b.done <- failed
	}

	return stats
}
