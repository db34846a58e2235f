// Digest harvests the recent entries of every feed in a directory and
// publishes them as a single page and a JSON document.
//
// With no INTERVAL it runs once and exits, otherwise it stays up and runs on
// that interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/digest/internal/crawl"
	"github.com/jdholdren/digest/internal/digest"
	"github.com/jdholdren/digest/internal/feed"
	"github.com/jdholdren/digest/internal/logger"
	"github.com/jdholdren/digest/internal/metrics"
	"github.com/jdholdren/digest/internal/migrations"
	"github.com/jdholdren/digest/internal/pipeline"
	"github.com/jdholdren/digest/internal/publish"
	"github.com/jdholdren/digest/internal/server"
	"github.com/jdholdren/digest/internal/snapshot"
	"github.com/jdholdren/digest/internal/store"
)

type config struct {
	DirectoryURL   string `env:"DIRECTORY_URL, required"`
	Database       string `env:"DATABASE, required"`
	DatabaseDriver string `env:"DATABASE_DRIVER, default=sqlite"`

	// Where to publish: gcs or dir
	Sink                  string `env:"SINK, default=gcs"`
	Bucket                string `env:"BUCKET"`
	OutputDir             string `env:"OUTPUT_DIR, default=public"`
	GoogleCredentialsFile string `env:"GOOGLE_CREDENTIALS_FILE"`

	Workers        int           `env:"WORKERS, default=20"`
	Retention      time.Duration `env:"RETENTION, default=192h"`
	Grace          time.Duration `env:"GRACE, default=1h"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT, default=5s"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT, default=10s"`
	UserAgent      string        `env:"USER_AGENT, default=digest/1.0 (+https://github.com/jdholdren/digest)"`
	Template       string        `env:"TEMPLATE"`

	// Zero runs once and exits
	Interval     time.Duration `env:"INTERVAL, default=0"`
	ReapInterval time.Duration `env:"REAP_INTERVAL, default=10m"`

	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
	// Serves /metrics, /healthz and /status while running on an interval,
	// zero disables it
	HTTPPort int `env:"HTTP_PORT, default=0"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
}

func main() {
	ctx := context.Background()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	slog.SetDefault(logger.New(cfg.LoggerFormat))

	if err := harvest(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func harvest(ctx context.Context, cfg config) error {
	driver := store.Driver(cfg.DatabaseDriver)
	dbx, err := store.Open(driver, cfg.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer dbx.Close()

	repo := store.New(dbx, driver)

	// Retry a few times in case the database is still coming up
	if err := retry.Do(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(time.Second)), func(ctx context.Context) error {
		if err := repo.Ping(ctx); err != nil {
			slog.Warn("database not ready", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	// Migrate, always
	if err := migrations.Run(dbx, string(driver)); err != nil {
		return fmt.Errorf("error migrating: %w", err)
	}

	sink, err := newSink(ctx, cfg)
	if err != nil {
		return err
	}

	tmpl, err := snapshot.Template(cfg.Template)
	if err != nil {
		return err
	}

	fetcher := feed.NewFetcher(feed.FetcherConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		UserAgent:      cfg.UserAgent,
	})
	runner := pipeline.Runner{
		DirectoryURL: cfg.DirectoryURL,
		Fetcher:      fetcher,
		Crawler: crawl.NewCoordinator(fetcher, repo, crawl.Config{
			Workers:   cfg.Workers,
			Retention: digest.Retention{Horizon: cfg.Retention, Grace: cfg.Grace},
		}),
		Reaper:    repo,
		Builder:   snapshot.NewBuilder(repo, tmpl),
		Publisher: publish.NewPublisher(sink),
		Metrics:   metrics.New(cfg.PushgatewayURL),
		Tracker:   &pipeline.Tracker{},
	}

	if cfg.Interval <= 0 {
		_, err := runner.Run(ctx)
		return err
	}

	var srv *server.Server
	if cfg.HTTPPort > 0 {
		srv = server.New(server.Config{Port: cfg.HTTPPort}, runner.Metrics.Registry(), repo, runner.Tracker)
	}

	return daemon(ctx, runner, srv, cfg)
}

// Runs on an interval until told to stop. A run in progress is allowed to
// finish first.
func daemon(ctx context.Context, runner pipeline.Runner, srv *server.Server, cfg config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("starting scheduler", "interval", cfg.Interval, "reap_interval", cfg.ReapInterval)

	var g run.Group
	g.Add(func() error {
		return runner.Every(ctx, cfg.Interval)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return runner.Reap(ctx, cfg.ReapInterval)
	}, func(error) {
		cancel()
	})
	if srv != nil {
		g.Add(func() error {
			slog.Info("started ops server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			stopServer(srv, 5*time.Second)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.Info("shutting down", "signal", sigErr.Signal)
		return nil
	}
	return err
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Gives in-flight requests up to timeout to finish.
func stopServer(srv shutdowner, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down ops server", "error", err)
	}
}

func newSink(ctx context.Context, cfg config) (digest.Sink, error) {
	switch cfg.Sink {
	case "gcs":
		if cfg.Bucket == "" {
			return nil, errors.New("BUCKET is required for the gcs sink")
		}
		sink, err := publish.NewGCS(ctx, cfg.Bucket, cfg.GoogleCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("error creating gcs sink: %w", err)
		}
		return sink, nil
	case "dir":
		sink, err := publish.NewDir(cfg.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("error creating dir sink: %w", err)
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}
