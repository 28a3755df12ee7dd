package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pensieve-mcp/pensieve/internal/tempfiles"
)

// ErrNotExist is returned by Bucket.Get for a missing key.
var ErrNotExist = errors.New("object does not exist")

// Bucket is a flat key/value blob namespace. Keys use "/" separators.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the object atomically: readers see the old or the new bytes, never a mix.
	Put(ctx context.Context, key string, data []byte) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns the keys directly below prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DirBucket stores each key as a file under Root.
type DirBucket struct {
	Root string
}

// NewDirBucket creates root if needed.
func NewDirBucket(root string) (*DirBucket, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &DirBucket{Root: root}, nil
}

func (b *DirBucket) path(key string) string {
	return filepath.Join(b.Root, filepath.FromSlash(key))
}

func (b *DirBucket) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

func (b *DirBucket) Put(_ context.Context, key string, data []byte) error {
	return tempfiles.ReplaceFile(b.path(key), data)
}

func (b *DirBucket) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *DirBucket) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.path(prefix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, path.Join(prefix, e.Name()))
	}
	return keys, nil
}

var _ Bucket = (*DirBucket)(nil)
