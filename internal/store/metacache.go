package store

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fieldtape/fieldtape/internal/session"
)

const defaultMetadataCacheSize = 128

type cachedMetadata struct {
	modTime int64
	size    int64
	meta    *session.Metadata
}

// MetadataCache caches parsed metadata files for the reconcile, show, and
// export paths, keyed by session directory and refreshed when the file on
// disk changes.
type MetadataCache struct {
	cache *lru.Cache[string, cachedMetadata]
}

// NewMetadataCache builds a cache holding up to size entries. size <= 0
// selects the default.
func NewMetadataCache(size int) (*MetadataCache, error) {
	if size <= 0 {
		size = defaultMetadataCacheSize
	}
	cache, err := lru.New[string, cachedMetadata](size)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	return &MetadataCache{cache: cache}, nil
}

// Get returns the metadata for the session directory, reading the file only
// when the cached copy is stale.
func (c *MetadataCache) Get(dir string) (*session.Metadata, error) {
	info, err := os.Stat(filepath.Join(dir, session.MetadataFileName))
	if err != nil {
		return nil, fmt.Errorf("stat metadata: %w", err)
	}

	if entry, ok := c.cache.Get(dir); ok {
		if entry.modTime == info.ModTime().UnixNano() && entry.size == info.Size() {
			return entry.meta, nil
		}
	}

	meta, err := session.ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	c.cache.Add(dir, cachedMetadata{
		modTime: info.ModTime().UnixNano(),
		size:    info.Size(),
		meta:    meta,
	})
	return meta, nil
}

// Invalidate drops the cached entry for a session directory.
func (c *MetadataCache) Invalidate(dir string) {
	c.cache.Remove(dir)
}

// Len reports how many entries are cached.
func (c *MetadataCache) Len() int {
	return c.cache.Len()
}
