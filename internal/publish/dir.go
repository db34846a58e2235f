package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jdholdren/digest/internal/digest"
)

// Dir publishes into a local directory, typically one a web server is
// already serving. Content type and cache control are the server's business.
type Dir struct {
	root string
}

var _ digest.Sink = Dir{}

// NewDir creates root if it doesn't exist.
func NewDir(root string) (Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Dir{}, fmt.Errorf("error creating output dir: %w", err)
	}
	return Dir{root: root}, nil
}

// PutObject replaces the file atomically so readers never see half of it.
func (d Dir) PutObject(_ context.Context, key string, body []byte, _, _ string) error {
	tmp, err := os.CreateTemp(d.root, "."+key+".*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}
	// CreateTemp makes the file 0600, readers need it world-readable the
	// moment it replaces the old one.
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("error setting permissions: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(d.root, key)); err != nil {
		return fmt.Errorf("error moving file into place: %w", err)
	}

	return nil
}

func (d Dir) SetPublicRead(_ context.Context, key string) error {
	if err := os.Chmod(filepath.Join(d.root, key), 0o644); err != nil {
		return fmt.Errorf("error setting permissions: %w", err)
	}
	return nil
}
