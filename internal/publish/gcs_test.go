package publish

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/jdholdren/digest/internal/snapshot"
)

type gcsRequest struct {
	method string
	path   string
	name   string
	body   string
}

func newFakeGCS(t *testing.T, status int) (*httptest.Server, *[]gcsRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		reqs []gcsRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, gcsRequest{method: r.Method, path: r.URL.Path, name: r.URL.Query().Get("name"), body: string(body)})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 300 {
			w.Write([]byte(`{"error":{"code":403,"message":"forbidden"}}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	return srv, &reqs
}

func newTestGCS(t *testing.T, srv *httptest.Server) GCS {
	t.Helper()
	g, err := NewGCS(context.Background(), "digest-bucket", "",
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return g
}

func TestGCS(t *testing.T) {
	srv, reqs := newFakeGCS(t, http.StatusOK)
	g := newTestGCS(t, srv)

	err := NewPublisher(g).Publish(context.Background(), snapshot.Snapshot{JSON: []byte(`[]`), HTML: []byte(`<p>hi</p>`)})
	require.NoError(t, err)
	require.Len(t, *reqs, 4)

	upload := (*reqs)[0]
	assert.Equal(t, http.MethodPost, upload.method)
	assert.Contains(t, upload.path, "/b/digest-bucket/o")
	assert.Contains(t, upload.body, `"cacheControl":"max-age=3600"`)
	assert.Contains(t, upload.body, `"contentType":"application/json"`)
	assert.Contains(t, upload.body, `"name":"entries.json"`)

	acl := (*reqs)[1]
	assert.Equal(t, http.MethodPost, acl.method)
	assert.True(t, strings.HasSuffix(acl.path, "/b/digest-bucket/o/entries.json/acl"), acl.path)
	assert.Contains(t, acl.body, `"entity":"allUsers"`)
	assert.Contains(t, acl.body, `"role":"READER"`)

	assert.Contains(t, (*reqs)[2].body, `"contentType":"text/html;charset=utf-8"`)
	assert.True(t, strings.HasSuffix((*reqs)[3].path, "/o/index.html/acl"), (*reqs)[3].path)
}

func TestGCS_Error(t *testing.T) {
	srv, reqs := newFakeGCS(t, http.StatusForbidden)
	g := newTestGCS(t, srv)

	err := NewPublisher(g).Publish(context.Background(), snapshot.Snapshot{JSON: []byte(`[]`)})
	require.Error(t, err)
	assert.Len(t, *reqs, 1)
}
