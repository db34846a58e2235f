package feed

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	digesterrs "github.com/jdholdren/digest/internal/errors"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultUserAgent      = "digest/1.0 (+https://github.com/jdholdren/digest)"

	// Nobody's feed should be bigger than this.
	maxBodySize = 16 << 20

	acceptHeader = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8"
)

// ErrNotModified is returned when the server says the feed hasn't changed
// since the validators last committed for it.
var ErrNotModified = errors.New("feed not modified")

type (
	// FetcherConfig holds the knobs of the http client.
	FetcherConfig struct {
		ConnectTimeout time.Duration
		ReadTimeout    time.Duration
		UserAgent      string
		// How many feeds' validators to remember, zero means a default.
		CacheSize int
	}

	// Fetcher retrieves raw feed documents.
	Fetcher struct {
		client    *http.Client
		userAgent string
		cache     *lru.Cache[string, validators]
	}

	// Document is a fetched feed along with the validators the server sent
	// for it. The validators only take effect once committed.
	Document struct {
		URL          string
		Body         []byte
		ETag         string
		LastModified string
	}

	// ETag and Last-Modified from a previous response.
	validators struct {
		etag         string
		lastModified string
	}
)

// NewFetcher builds a Fetcher whose connect and read phases time out separately.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   2,
	}

	// Only errors on a non-positive size.
	cache, _ := lru.New[string, validators](cfg.CacheSize)

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			// The whole exchange, so a trickling body can't hold a worker forever.
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		userAgent: cfg.UserAgent,
		cache:     cache,
	}
}

// Fetch grabs the document at rawURL, ignoring anything remembered about it.
//
// Failures come back as a [*digesterrs.Error] of one of the fetch kinds.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	doc, err := f.get(ctx, rawURL, false)
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

// FetchFeed grabs the document at feedURL, sending the validators last
// committed for it. An unchanged feed yields [ErrNotModified].
//
// The validators of the response are not remembered until [Fetcher.Commit]
// is called with the document, so a feed whose entries never made it to the
// store is fetched in full again next time.
func (f *Fetcher) FetchFeed(ctx context.Context, feedURL string) (Document, error) {
	return f.get(ctx, feedURL, true)
}

// Commit remembers the validators of doc for the next [Fetcher.FetchFeed].
func (f *Fetcher) Commit(doc Document) {
	if doc.URL == "" {
		return
	}
	if doc.ETag == "" && doc.LastModified == "" {
		f.cache.Remove(doc.URL)
		return
	}
	f.cache.Add(doc.URL, validators{etag: doc.ETag, lastModified: doc.LastModified})
}

func (f *Fetcher) get(ctx context.Context, rawURL string, conditional bool) (Document, error) {
	const op = digesterrs.Op("fetch")

	u, err := parseURL(rawURL)
	if err != nil {
		return Document{}, digesterrs.E(op, digesterrs.KindURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Document{}, digesterrs.E(op, digesterrs.KindURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)
	if conditional {
		if v, ok := f.cache.Get(u.String()); ok {
			if v.etag != "" {
				req.Header.Set("If-None-Match", v.etag)
			}
			if v.lastModified != "" {
				req.Header.Set("If-Modified-Since", v.lastModified)
			}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, digesterrs.E(op, classify(err), err)
	}
	defer resp.Body.Close()

	// Only a conditional request can be answered this way.
	if resp.StatusCode == http.StatusNotModified && conditional {
		return Document{}, ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, digesterrs.E(op, resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Document{}, digesterrs.E(op, classify(err), fmt.Errorf("error reading body: %w", err))
	}

	return Document{
		URL:          u.String(),
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func parseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty feed url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("no host in %q", raw)
	}

	return u, nil
}

// Sorts a transport error into one of the fetch kinds.
func classify(err error) digesterrs.Kind {
	var (
		dnsErr      *net.DNSError
		verifyErr   *tls.CertificateVerificationError
		authorityEr x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		netErr      net.Error
	)

	switch {
	case errors.As(err, &dnsErr):
		return digesterrs.KindDNS
	case errors.As(err, &verifyErr),
		errors.As(err, &authorityEr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &recordErr):
		return digesterrs.KindTLS
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return digesterrs.KindTimeout
	}

	return digesterrs.KindNetwork
}
