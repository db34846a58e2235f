// Package feed fetches, parses and windows a single syndication feed.
package feed

import (
	"bytes"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
)

// RawEntry is an item straight out of the parser.
//
// PublishedAt is nil when the item carries no date we could read.
type RawEntry struct {
	PublishedAt *time.Time
	Title       string
	URL         string
}

// Parse reads an RSS, Atom or JSON feed document.
func Parse(raw []byte) ([]RawEntry, error) {
	const op = digesterrs.Op("parse")

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return nil, digesterrs.E(op, digesterrs.KindFormat, err)
	}
	if err != nil {
		return nil, digesterrs.E(op, digesterrs.KindMalformed, err)
	}

	return lo.Map(parsed.Items, func(item *gofeed.Item, _ int) RawEntry {
		return RawEntry{
			PublishedAt: publishedAt(item),
			Title:       sanitize(item.Title),
			URL:         strings.TrimSpace(link(item)),
		}
	}), nil
}

// Atom entries frequently only have an updated date, so fall back to it.
func publishedAt(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}

	return item.UpdatedParsed
}

func link(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if len(item.Links) > 0 {
		return item.Links[0]
	}

	return ""
}

// Recent keeps the entries published less than horizon before now.
//
// An entry without a date can't be placed in the window and is dropped.
func Recent(entries []RawEntry, now time.Time, horizon time.Duration) []RawEntry {
	return lo.Filter(entries, func(e RawEntry, _ int) bool {
		return e.PublishedAt != nil && now.Sub(*e.PublishedAt) < horizon
	})
}

// Entries tags raw entries with the feed they came from.
func Entries(f digest.Feed, raw []RawEntry) []digest.Entry {
	return lo.FilterMap(raw, func(r RawEntry, _ int) (digest.Entry, bool) {
		if r.PublishedAt == nil {
			return digest.Entry{}, false
		}

		return digest.Entry{
			PublishedAt: *r.PublishedAt,
			Title:       r.Title,
			URL:         r.URL,
			FeedTitle:   f.Title,
			FeedSiteURL: f.SiteURL,
		}, true
	})
}

var stripPolicy = bluemonday.StrictPolicy()

// Removes all html tags from the string, usually a title.
//
// Also limits the length of the string so there's not a massive chunk of text being output.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = stripPolicy.Sanitize(s)
	// The policy escapes what it keeps; templates escape again on output.
	s = html.UnescapeString(s)

	return strings.TrimSpace(s)
}
