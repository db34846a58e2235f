package publish

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"

	"github.com/jdholdren/digest/internal/digest"
)

// GCS publishes into a Cloud Storage bucket.
type GCS struct {
	svc    *storage.Service
	bucket string
}

var _ digest.Sink = GCS{}

// NewGCS authenticates with the service account key at credentialsFile, or
// the application default credentials when it's empty.
func NewGCS(ctx context.Context, bucket, credentialsFile string, opts ...option.ClientOption) (GCS, error) {
	if credentialsFile != "" {
		raw, err := os.ReadFile(credentialsFile)
		if err != nil {
			return GCS{}, fmt.Errorf("unable to read credentials file: %w", err)
		}
		conf, err := google.JWTConfigFromJSON(raw, storage.DevstorageFullControlScope)
		if err != nil {
			return GCS{}, fmt.Errorf("unable to parse credentials: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(conf.Client(ctx)))
	} else if len(opts) == 0 {
		client, err := google.DefaultClient(ctx, storage.DevstorageFullControlScope)
		if err != nil {
			return GCS{}, fmt.Errorf("unable to find default credentials: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(client))
	}

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return GCS{}, fmt.Errorf("unable to create storage client: %w", err)
	}

	return GCS{svc: svc, bucket: bucket}, nil
}

func (g GCS) PutObject(ctx context.Context, key string, body []byte, contentType, cacheControl string) error {
	obj := &storage.Object{
		Name:         key,
		ContentType:  contentType,
		CacheControl: cacheControl,
	}

	_, err := g.svc.Objects.Insert(g.bucket, obj).
		Media(bytes.NewReader(body), googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("error uploading object: %w", err)
	}

	return nil
}

func (g GCS) SetPublicRead(ctx context.Context, key string) error {
	acl := &storage.ObjectAccessControl{Entity: "allUsers", Role: "READER"}
	if _, err := g.svc.ObjectAccessControls.Insert(g.bucket, key, acl).Context(ctx).Do(); err != nil {
		return fmt.Errorf("error setting object acl: %w", err)
	}

	return nil
}
