// Package errors holds the structured error used across the crawl pipeline.
//
// Every failure that crosses a package boundary carries a [Kind], which is how
// callers decide between skipping a feed, skipping an item, or aborting the run.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind string

const (
	KindInternal Kind = "internal"

	// Fatal: the run cannot start without a feed list.
	KindDirectory Kind = "directory"

	// Fetch failures, skip the feed for this run.
	KindTimeout Kind = "timeout"
	KindTLS     Kind = "tls"
	KindDNS     Kind = "dns"
	KindURL     Kind = "url"
	KindHTTP    Kind = "http"
	KindNetwork Kind = "network" // refused, reset, anything else on the wire

	// Parse failures, skip the feed for this run.
	KindFormat    Kind = "format"
	KindMalformed Kind = "malformed"

	// Skip the item.
	KindStore Kind = "store"

	// Abort the run after the crawl.
	KindPublish Kind = "publish"
)

// Op names the operation that failed, e.g. "fetch" or "put_item".
type Op string

// Error represents a classified failure somewhere in the pipeline.
type Error struct {
	Kind   Kind
	Op     Op
	Status int   // HTTP status, only for KindHTTP
	Err    error // The error this wraps
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type transport struct {
	Message string `json:"message"`
	Kind    Kind   `json:"kind"`
	Op      Op     `json:"op,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	t := transport{Kind: e.Kind, Op: e.Op, Status: e.Status}
	if e.Err != nil {
		t.Message = e.Err.Error()
	}
	return json.Marshal(t)
}

// E builds an [*Error] from whatever it's given:
// a string becomes the message, an error is wrapped, an int is the HTTP status.
//
// The kind defaults to [KindInternal], or [KindHTTP] if a status is given.
func E(args ...any) *Error {
	ret := &Error{}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case Kind:
			ret.Kind = arg
		case Op:
			ret.Op = arg
		case int:
			ret.Status = arg
		}
	}

	if ret.Kind == "" {
		ret.Kind = KindInternal
		if ret.Status != 0 {
			ret.Kind = KindHTTP
		}
	}
	if ret.Err == nil && ret.Status != 0 {
		ret.Err = errors.New(http.StatusText(ret.Status))
	}

	return ret
}

// KindOf reports the kind of the first [*Error] in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// IsFetch reports whether err is one of the fetch failure kinds.
func IsFetch(err error) bool {
	return KindOf(err).Fetch()
}

// IsParse reports whether err is one of the parse failure kinds.
func IsParse(err error) bool {
	return KindOf(err).Parse()
}

// Fetch reports whether k is a fetch failure.
func (k Kind) Fetch() bool {
	switch k {
	case KindTimeout, KindTLS, KindDNS, KindURL, KindHTTP, KindNetwork:
		return true
	}

	return false
}

// Parse reports whether k is a parse failure.
func (k Kind) Parse() bool {
	return k == KindFormat || k == KindMalformed
}
