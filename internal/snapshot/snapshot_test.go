package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
)

type fakeRepo struct {
	items []digest.Item
	err   error
}

func (r fakeRepo) PutItem(context.Context, digest.Item) error { return nil }

func (r fakeRepo) ScanItems(context.Context) ([]digest.Item, error) {
	return r.items, r.err
}

func item(title, url string, published time.Time) digest.Item {
	return digest.NewItem(digest.Entry{
		PublishedAt: published,
		Title:       title,
		URL:         url,
		FeedTitle:   "Example",
		FeedSiteURL: "https://www.example.com",
	}, digest.DefaultRetention)
}

func newBuilder(t *testing.T, repo digest.ItemRepo, now time.Time) *Builder {
	t.Helper()
	tmpl, err := Template("")
	require.NoError(t, err)

	b := NewBuilder(repo, tmpl)
	b.now = func() time.Time { return now }
	return b
}

func TestBuild(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := fakeRepo{items: []digest.Item{
		item("Middle", "https://example.com/b", now.Add(-26*time.Hour)),
		item("Oldest", "https://example.com/c", now.Add(-5*24*time.Hour)),
		item("Newest", "https://example.com/a", now.Add(-time.Hour)),
	}}

	snap, err := newBuilder(t, repo, now).Build(context.Background())
	require.NoError(t, err)

	var titles []string
	for _, it := range snap.Items {
		titles = append(titles, it.Title)
	}
	assert.Equal(t, []string{"Newest", "Middle", "Oldest"}, titles)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(snap.JSON, &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, "Newest", decoded[0]["title"])
	assert.Equal(t, "2024-03-10T11:00:00Z", decoded[0]["published"])
	assert.Equal(t, "2024-03-10", decoded[0]["date"])
	assert.Equal(t, "https://www.example.com", decoded[0]["feed_site"])
	assert.Contains(t, decoded[0], "hash")
	assert.Contains(t, decoded[0], "ttl")

	html := string(snap.HTML)
	assert.Contains(t, html, "Sunday, March 10")
	assert.Contains(t, html, "Saturday, March 9")
	assert.Contains(t, html, `<a href="https://example.com/a">Newest</a>`)
	assert.Contains(t, html, "11:00")
	assert.Less(t, strings.Index(html, "Newest"), strings.Index(html, "Middle"))
	assert.Less(t, strings.Index(html, "Middle"), strings.Index(html, "Oldest"))
}

func TestBuild_Empty(t *testing.T) {
	// A nil slice from the store still publishes an array.
	snap, err := newBuilder(t, fakeRepo{items: nil}, time.Now()).Build(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, snap.Items)
	assert.Equal(t, "[]", string(snap.JSON))
	assert.Contains(t, string(snap.HTML), "Nothing new")
}

func TestBuild_StableTies(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	repo := fakeRepo{items: []digest.Item{
		item("First", "https://example.com/1", now.Add(-time.Hour)),
		item("Second", "https://example.com/2", now.Add(-time.Hour)),
		item("Third", "https://example.com/3", now.Add(-time.Hour)),
	}}

	snap, err := newBuilder(t, repo, now).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "First", snap.Items[0].Title)
	assert.Equal(t, "Second", snap.Items[1].Title)
	assert.Equal(t, "Third", snap.Items[2].Title)
}

func TestBuild_EscapesHTML(t *testing.T) {
	now := time.Now()
	repo := fakeRepo{items: []digest.Item{
		item("<script>alert(1)</script>", "https://example.com/x", now.Add(-time.Hour)),
	}}

	snap, err := newBuilder(t, repo, now).Build(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, string(snap.HTML), "<script>")
	assert.Contains(t, string(snap.HTML), "&lt;script&gt;")
}

func TestBuild_ScanError(t *testing.T) {
	repo := fakeRepo{err: digesterrs.E(digesterrs.Op("scan_items"), digesterrs.KindStore, errors.New("gone"))}

	_, err := newBuilder(t, repo, time.Now()).Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, digesterrs.KindStore, digesterrs.KindOf(err))
}

func TestTemplate_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.html")
	require.NoError(t, os.WriteFile(path, []byte(`{{ range .Items }}{{ host .URL }};{{ end }}`), 0o644))

	tmpl, err := Template(path)
	require.NoError(t, err)

	now := time.Now()
	b := NewBuilder(fakeRepo{items: []digest.Item{item("A", "https://www.blog.example/post", now.Add(-time.Hour))}}, tmpl)
	snap, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "blog.example;", string(snap.HTML))
}

func TestTemplate_Missing(t *testing.T) {
	_, err := Template(filepath.Join(t.TempDir(), "nope.html"))
	require.Error(t, err)
}
