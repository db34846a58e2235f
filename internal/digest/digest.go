// Package digest holds the types shared by every stage of a crawl run and the
// ports the stages talk to the outside world through.
package digest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// DefaultHorizon is how old an entry may be and still make it into the digest.
	DefaultHorizon = 8 * 24 * time.Hour
	// DefaultGrace keeps an item around a little past the horizon.
	DefaultGrace = time.Hour

	dateLayout = "2006-01-02"
)

type (
	// Feed is a single source from the directory document.
	Feed struct {
		Title   string
		URL     string
		SiteURL string
	}

	// Entry is one item parsed out of a feed, tagged with where it came from.
	Entry struct {
		PublishedAt time.Time
		Title       string
		URL         string
		FeedTitle   string
		FeedSiteURL string
	}

	// Item is what gets persisted for an entry, and is also the shape of the
	// published JSON.
	//
	// (Date, Hash) identifies an item: the same url published on the same day
	// is one item no matter how many times it is written.
	Item struct {
		Date      string `db:"date" json:"date"`
		Hash      string `db:"hash" json:"hash"`
		TTL       int64  `db:"ttl" json:"ttl"`
		Published string `db:"published" json:"published"`
		Title     string `db:"title" json:"title"`
		URL       string `db:"url" json:"url"`
		Feed      string `db:"feed" json:"feed"`
		FeedSite  string `db:"feed_site" json:"feed_site"`
	}

	// Retention describes how long entries are eligible and how long items live.
	Retention struct {
		Horizon time.Duration
		Grace   time.Duration
	}
)

// DefaultRetention is eight days plus an hour of grace.
var DefaultRetention = Retention{Horizon: DefaultHorizon, Grace: DefaultGrace}

// ExpiresAt is the moment an item published at t may disappear from the store.
func (r Retention) ExpiresAt(t time.Time) time.Time {
	return t.Add(r.Horizon + r.Grace)
}

// NewItem projects an entry into its stored form.
func NewItem(e Entry, r Retention) Item {
	published := e.PublishedAt.UTC()
	url := strings.TrimSpace(e.URL)

	return Item{
		Date:      published.Format(dateLayout),
		Hash:      ContentHash(url),
		TTL:       r.ExpiresAt(published).Unix(),
		Published: published.Format(time.RFC3339),
		Title:     e.Title,
		URL:       url,
		Feed:      e.FeedTitle,
		FeedSite:  e.FeedSiteURL,
	}
}

// ContentHash fingerprints an entry by its url.
func ContentHash(url string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}

// PublishedAt parses the stored publish time back.
func (i Item) PublishedAt() (time.Time, error) {
	return time.Parse(time.RFC3339, i.Published)
}

// Expired reports whether the item's ttl has passed at now.
func (i Item) Expired(now time.Time) bool {
	return i.TTL <= now.Unix()
}

type (
	// ItemRepo is the persistent store of items.
	//
	// Implementations expire items natively: once an item's TTL passes it must
	// not be returned by ScanItems, whether or not it was physically removed.
	ItemRepo interface {
		// PutItem upserts on (Date, Hash). The last write wins, whole.
		PutItem(ctx context.Context, item Item) error
		// ScanItems returns every unexpired item in no particular order.
		ScanItems(ctx context.Context) ([]Item, error)
	}

	// Reaper physically removes expired items.
	Reaper interface {
		Reap(ctx context.Context) (int64, error)
	}

	// Sink is where the rendered artifacts are published.
	Sink interface {
		PutObject(ctx context.Context, key string, body []byte, contentType, cacheControl string) error
		SetPublicRead(ctx context.Context, key string) error
	}
)
