// Package directory loads the list of feeds to crawl from an OPML document.
package directory

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
)

// Fetcher retrieves the raw directory document, in full every time.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Load fetches and parses the directory at url.
//
// Every error is a [digesterrs.KindDirectory]: without a feed list there is
// nothing to crawl.
func Load(ctx context.Context, f Fetcher, url string) ([]digest.Feed, error) {
	const op = digesterrs.Op("load_directory")

	raw, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, digesterrs.E(op, digesterrs.KindDirectory, fmt.Errorf("error fetching directory: %w", err))
	}

	feeds, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, digesterrs.E(op, digesterrs.KindDirectory, err)
	}

	return feeds, nil
}

// An outline being decoded. Folder is set once a child outline shows up.
type pending struct {
	feed   digest.Feed
	folder bool
}

// Parse reads every feed outline in document order.
//
// Attribute names are matched without regard to case, so xmlUrl, xmlurl and
// XMLURL are all the feed url. Outlines that only group other outlines are
// not feeds and are left out. Outlines without a feed url are kept.
func Parse(r io.Reader) ([]digest.Feed, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity

	var (
		feeds = []digest.Feed{}
		stack []pending
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error decoding directory: %w", err)
		}

		switch tok := tok.(type) {
		case xml.StartElement:
			if !isOutline(tok.Name) {
				continue
			}
			if len(stack) > 0 {
				stack[len(stack)-1].folder = true
			}
			stack = append(stack, pending{feed: outlineFeed(tok.Attr)})
		case xml.EndElement:
			if !isOutline(tok.Name) || len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !top.folder {
				feeds = append(feeds, top.feed)
			}
		}
	}

	return feeds, nil
}

func isOutline(name xml.Name) bool {
	return strings.EqualFold(name.Local, "outline")
}

func outlineFeed(attrs []xml.Attr) digest.Feed {
	byName := make(map[string]string, len(attrs))
	for _, a := range attrs {
		byName[strings.ToLower(a.Name.Local)] = strings.TrimSpace(a.Value)
	}

	f := digest.Feed{
		Title:   byName["title"],
		URL:     byName["xmlurl"],
		SiteURL: byName["htmlurl"],
	}
	if f.Title == "" {
		f.Title = byName["text"]
	}

	return f
}
