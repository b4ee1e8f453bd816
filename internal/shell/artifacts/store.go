// Package artifacts stores build output under a per-deployment prefix.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	coredeployment "github.com/artpar/deployforge/internal/core/deployment"
)

// Store writes objects and reports where a prefix can be found.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Location(prefix string) string
}

// UploadDir copies every regular file below dir into store under prefix and
// returns the location of the prefix.
func UploadDir(ctx context.Context, store Store, dir, prefix string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("output directory %s: %w", filepath.Base(dir), err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("output directory %s is not a directory", filepath.Base(dir))
	}

	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return putFile(ctx, store, path, coredeployment.ArtifactKey(prefix, filepath.ToSlash(rel)))
	})
	if err != nil {
		return "", err
	}
	return store.Location(prefix), nil
}

func putFile(ctx context.Context, store Store, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, key, f, info.Size(), contentType(path)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func contentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
