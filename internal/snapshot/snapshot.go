// Package snapshot renders the current contents of the item store into the
// published artifacts.
package snapshot

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
)

//go:embed template.html
var defaultTemplate string

type (
	// Snapshot is one rendering of the store, ready to publish.
	Snapshot struct {
		// Newest first.
		Items   []digest.Item
		JSON    []byte
		HTML    []byte
		BuiltAt time.Time
	}

	// View is an item as the html template sees it.
	View struct {
		Published time.Time
		Title     string
		URL       string
		Feed      string
		FeedSite  string
	}

	// Day groups the views published on the same UTC date.
	Day struct {
		Date  time.Time
		Items []View
	}

	// Page is the data the html template is executed with.
	Page struct {
		Items     []View
		Days      []Day
		Generated time.Time
	}
)

var funcs = template.FuncMap{
	"day":   func(t time.Time) string { return t.UTC().Format("Monday, January 2") },
	"clock": func(t time.Time) string { return t.UTC().Format("15:04") },
	"host":  host,
}

// host is the bare hostname of raw, or raw itself if it isn't a url.
func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// Template parses the html template at path, or the built-in one when path is
// empty.
func Template(path string) (*template.Template, error) {
	text := defaultTemplate
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading template: %w", err)
		}
		text = string(b)
	}

	tmpl, err := template.New("index").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing template: %w", err)
	}

	return tmpl, nil
}

// Builder turns the store's contents into a Snapshot.
type Builder struct {
	repo digest.ItemRepo
	tmpl *template.Template
	now  func() time.Time
}

// NewBuilder renders with tmpl, see [Template].
func NewBuilder(repo digest.ItemRepo, tmpl *template.Template) *Builder {
	return &Builder{repo: repo, tmpl: tmpl, now: time.Now}
}

// Build scans every live item and renders it, newest first. Expiry is the
// store's job: whatever ScanItems returns is published.
func (b *Builder) Build(ctx context.Context) (Snapshot, error) {
	const op = digesterrs.Op("build_snapshot")

	items, err := b.repo.ScanItems(ctx)
	if err != nil {
		return Snapshot{}, digesterrs.E(op, digesterrs.KindOf(err), err)
	}

	// Consumers expect an array, even an empty one.
	if items == nil {
		items = []digest.Item{}
	}

	now := b.now()
	views := sortItems(items)

	js, err := json.Marshal(items)
	if err != nil {
		return Snapshot{}, digesterrs.E(op, fmt.Errorf("error encoding items: %w", err))
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, Page{Items: views, Days: groupDays(views), Generated: now.UTC()}); err != nil {
		return Snapshot{}, digesterrs.E(op, fmt.Errorf("error rendering template: %w", err))
	}

	return Snapshot{
		Items:   items,
		JSON:    js,
		HTML:    buf.Bytes(),
		BuiltAt: now,
	}, nil
}

// Sorts items in place, newest first, and returns their views in the same
// order. Items published at the same instant keep the order they came in.
func sortItems(items []digest.Item) []View {
	type pair struct {
		item digest.Item
		view View
	}

	pairs := lo.Map(items, func(item digest.Item, _ int) pair {
		// Unparseable times are the zero time and sink to the bottom.
		published, _ := item.PublishedAt()
		return pair{item: item, view: View{
			Published: published,
			Title:     item.Title,
			URL:       item.URL,
			Feed:      item.Feed,
			FeedSite:  item.FeedSite,
		}}
	})
	slices.SortStableFunc(pairs, func(a, b pair) int {
		return b.view.Published.Compare(a.view.Published)
	})

	views := make([]View, len(pairs))
	for i, p := range pairs {
		items[i] = p.item
		views[i] = p.view
	}

	return views
}

// Groups views that are already sorted by consecutive UTC day.
func groupDays(views []View) []Day {
	days := []Day{}
	for _, v := range views {
		y, m, d := v.Published.UTC().Date()
		date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if len(days) == 0 || !days[len(days)-1].Date.Equal(date) {
			days = append(days, Day{Date: date})
		}
		last := &days[len(days)-1]
		last.Items = append(last.Items, v)
	}

	return days
}
