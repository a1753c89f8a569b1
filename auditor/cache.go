package auditor

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// UploadCache maps base file names to previously obtained remote URIs so a
// re-registered file skips the remote upload entirely. The key is the base
// name, not a content hash: two different files sharing a name will resolve
// to the first upload's URI. Callers must pick distinct names when content
// differs.
//
// Entries are never evicted. The map is backed by durable rows so the cache
// survives restarts; DB writes are best-effort and read-before-write, so
// racing writers converge on some completed upload's URI.
type UploadCache struct {
	db  *gorm.DB
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]string
}

func NewUploadCache(db *gorm.DB, log zerolog.Logger) (*UploadCache, error) {
	c := &UploadCache{db: db, log: log, entries: make(map[string]string)}
	var rows []CacheRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		c.entries[row.BaseName] = row.URI
	}
	return c, nil
}

func (c *UploadCache) Lookup(baseName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uri, ok := c.entries[baseName]
	return uri, ok
}

// Store records a completed upload. A durable write failure only costs a
// future re-upload, so it is logged and swallowed.
func (c *UploadCache) Store(baseName, uri string) {
	c.mu.Lock()
	c.entries[baseName] = uri
	c.mu.Unlock()

	var row CacheRow
	err := c.db.Where("base_name = ?", baseName).First(&row).Error
	if err == nil {
		if row.URI == uri {
			return
		}
		err = c.db.Model(&CacheRow{}).Where("base_name = ?", baseName).Update("uri", uri).Error
	} else if errors.Is(err, gorm.ErrRecordNotFound) {
		err = c.db.Create(&CacheRow{BaseName: baseName, URI: uri}).Error
	}
	if err != nil {
		c.log.Error().Err(err).Str("base_name", baseName).Msg("cache row write failed")
	}
}

// Forget drops every entry whose URI resolves to the given remote file
// reference (full URI or remote name). Used when the remote file is deleted
// so a later registration re-uploads instead of handing out a dangling
// handle.
func (c *UploadCache) Forget(ref string) {
	if ref == "" {
		return
	}
	var dropped []string
	c.mu.Lock()
	for name, u := range c.entries {
		if uriMatches(u, ref) {
			delete(c.entries, name)
			dropped = append(dropped, name)
		}
	}
	c.mu.Unlock()

	for _, name := range dropped {
		if err := c.db.Where("base_name = ?", name).Delete(&CacheRow{}).Error; err != nil {
			c.log.Error().Err(err).Str("base_name", name).Msg("cache row delete failed")
		}
	}
}

// uriMatches reports whether a cached URI resolves to ref: either the full
// URI, or the remote name as a whole path suffix. A bare substring match
// would conflate "files/1" with "files/10".
func uriMatches(uri, ref string) bool {
	return uri == ref || strings.HasSuffix(uri, "/"+ref)
}
