package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/digest/internal/crawl"
	"github.com/jdholdren/digest/internal/digest"
	"github.com/jdholdren/digest/internal/feed"
	"github.com/jdholdren/digest/internal/metrics"
	"github.com/jdholdren/digest/internal/pipeline"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, db Pinger, tracker *pipeline.Tracker) (*httptest.Server, *metrics.Metrics) {
	t.Helper()

	m := metrics.New("")
	s := New(Config{}, m.Registry(), db, tracker)
	srv := httptest.NewServer(s.Handler)
	t.Cleanup(srv.Close)

	return srv, m
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, fakePinger{}, &pipeline.Tracker{})

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestHealth_DatabaseDown(t *testing.T) {
	srv, _ := newTestServer(t, fakePinger{err: errors.New("connection refused")}, &pipeline.Tracker{})

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "store", resp["kind"])
	assert.Equal(t, "connection refused", resp["message"])
}

func TestStatus_NoRunYet(t *testing.T) {
	srv, _ := newTestServer(t, fakePinger{}, &pipeline.Tracker{})

	code, _ := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusNotFound, code)
}

type stubCrawler struct{}

func (stubCrawler) Crawl(context.Context, []digest.Feed) crawl.Report { return crawl.Report{} }

func TestStatus(t *testing.T) {
	tracker := &pipeline.Tracker{}
	// A run that fails to load its directory still gets tracked
	dir := httptest.NewServer(http.NotFoundHandler())
	defer dir.Close()
	runner := pipeline.Runner{
		DirectoryURL: dir.URL,
		Fetcher:      feed.NewFetcher(feed.FetcherConfig{ConnectTimeout: time.Second, ReadTimeout: time.Second}),
		Crawler:      stubCrawler{},
		Metrics:      metrics.New(""),
		Tracker:      tracker,
	}
	_, err := runner.Run(context.Background())
	require.Error(t, err)

	srv, _ := newTestServer(t, fakePinger{}, tracker)
	code, body := get(t, srv.URL+"/status")
	assert.Equal(t, http.StatusOK, code)

	var status pipeline.Status
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.NotEmpty(t, status.RunID)
	assert.Contains(t, status.Error, "directory")
}

func TestMetrics(t *testing.T) {
	srv, m := newTestServer(t, fakePinger{}, &pipeline.Tracker{})
	m.ObservePublish(7, time.Now())

	code, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "digest_snapshot_items 7")
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, fakePinger{}, &pipeline.Tracker{})

	resp, err := http.Post(srv.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
