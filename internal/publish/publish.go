// Package publish pushes a rendered snapshot out to a public object sink.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jdholdren/digest/internal/digest"
	digesterrs "github.com/jdholdren/digest/internal/errors"
	"github.com/jdholdren/digest/internal/snapshot"
)

const (
	JSONKey = "entries.json"
	HTMLKey = "index.html"

	jsonContentType = "application/json"
	htmlContentType = "text/html;charset=utf-8"
	cacheControl    = "max-age=3600"
)

// Publisher writes snapshots to a sink.
type Publisher struct {
	sink digest.Sink
}

func NewPublisher(sink digest.Sink) Publisher {
	return Publisher{sink: sink}
}

// Publish writes the JSON and then the HTML, each made public right after it
// lands. The first failure stops it.
func (p Publisher) Publish(ctx context.Context, snap snapshot.Snapshot) error {
	const op = digesterrs.Op("publish")

	objects := []struct {
		key         string
		body        []byte
		contentType string
	}{
		{JSONKey, snap.JSON, jsonContentType},
		{HTMLKey, snap.HTML, htmlContentType},
	}

	for _, obj := range objects {
		if err := p.sink.PutObject(ctx, obj.key, obj.body, obj.contentType, cacheControl); err != nil {
			return digesterrs.E(op, digesterrs.KindPublish, fmt.Errorf("error writing %s: %w", obj.key, err))
		}
		if err := p.sink.SetPublicRead(ctx, obj.key); err != nil {
			return digesterrs.E(op, digesterrs.KindPublish, fmt.Errorf("error making %s public: %w", obj.key, err))
		}

		slog.InfoContext(ctx, "published object", "key", obj.key, "bytes", len(obj.body))
	}

	return nil
}
