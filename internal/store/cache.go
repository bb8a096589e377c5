// Package store keeps finished job outputs in a directory tree keyed by
// job identity, so reruns with identical inputs reuse earlier results.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// doneMarker flags a cache entry as complete. Entries without it are
// treated as aborted runs and recomputed.
const doneMarker = ".done"

// Cache is an identity-keyed output store rooted at one directory.
type Cache struct {
	Root string
}

func New(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Cache{Root: root}, nil
}

// Dir maps an identity digest to its entry directory. The digest
// algorithm prefix is dropped from the path.
func (c *Cache) Dir(identity string) string {
	name := identity
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Join(c.Root, name)
}

// Has reports whether a completed entry exists for identity.
func (c *Cache) Has(identity string) bool {
	_, err := os.Stat(filepath.Join(c.Dir(identity), doneMarker))
	return err == nil
}

// Begin prepares a fresh entry directory, discarding any aborted run.
func (c *Cache) Begin(identity string) (string, error) {
	dir := c.Dir(identity)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear cache entry: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache entry: %w", err)
	}
	return dir, nil
}

// Commit marks the entry complete. Only committed entries are reused.
func (c *Cache) Commit(identity string) error {
	if err := os.WriteFile(filepath.Join(c.Dir(identity), doneMarker), []byte(identity+"\n"), 0o644); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Export copies one artifact out of an entry, for callers that need the
// result at a fixed location.
func (c *Cache) Export(identity, name, dstPath string) error {
	src, err := os.Open(filepath.Join(c.Dir(identity), name))
	if err != nil {
		return fmt.Errorf("open cached artifact: %w", err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy cached artifact: %w", err)
	}
	return dst.Close()
}
