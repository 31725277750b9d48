// Package cachedir provides a directory-per-namespace file cache with
// age-based staleness checks and atomic writes.
package cachedir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Cache manages files under root, one subdirectory per namespace.
type Cache struct {
	root string
}

// New creates a cache rooted at dir, creating it if needed.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", dir, err)
	}
	return &Cache{root: dir}, nil
}

// Path returns the on-disk path for a cache entry, creating the namespace
// directory if needed. The basename must not contain path separators.
func (c *Cache) Path(namespace, basename string) (string, error) {
	if basename != filepath.Base(basename) {
		return "", fmt.Errorf("invalid cache basename %q", basename)
	}
	dir := filepath.Join(c.root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache namespace %s: %w", namespace, err)
	}
	return filepath.Join(dir, basename), nil
}

// Age returns how old a cache entry is. Missing entries report an age
// larger than any plausible max-age so staleness checks treat them as
// expired.
func (c *Cache) Age(namespace, basename string) time.Duration {
	path := filepath.Join(c.root, namespace, basename)
	info, err := os.Stat(path)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(info.ModTime())
}

// Exists reports whether a cache entry is present.
func (c *Cache) Exists(namespace, basename string) bool {
	_, err := os.Stat(filepath.Join(c.root, namespace, basename))
	return err == nil
}

// Read returns the contents of a cache entry.
func (c *Cache) Read(namespace, basename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.root, namespace, basename))
}

// Write stores data under namespace/basename. The data is written to a
// temporary file and renamed into place so readers never observe a
// partially written entry.
func (c *Cache) Write(namespace, basename string, data []byte) error {
	path, err := c.Path(namespace, basename)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), basename+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("installing cache entry: %w", err)
	}
	return nil
}

// Delete removes a cache entry. Removing a missing entry is not an error.
func (c *Cache) Delete(namespace, basename string) error {
	err := os.Remove(filepath.Join(c.root, namespace, basename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
