package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/heapstream/pkg/errors"
	"github.com/heapstream/pkg/utils"
)

// ArchiveCache keeps local copies of archives held in object storage so
// they can be memory mapped.
type ArchiveCache struct {
	store  Storage
	dir    string
	logger utils.Logger
}

// NewArchiveCache creates a cache rooted at dir.
func NewArchiveCache(store Storage, dir string, logger utils.Logger) (*ArchiveCache, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "heapstream-cache")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if logger == nil {
		logger = utils.GetGlobalLogger()
	}
	return &ArchiveCache{store: store, dir: dir, logger: logger.WithField("component", "archive-cache")}, nil
}

// Path returns the local path key is cached at.
func (c *ArchiveCache) Path(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(c.dir, name)
}

// Fetch returns a local path holding key, downloading it on a miss. The
// download lands in a unique temporary file that is renamed into place, so
// concurrent fetches of the same key never observe a partial archive.
func (c *ArchiveCache) Fetch(ctx context.Context, key string) (string, error) {
	path := c.Path(key)
	if _, err := os.Stat(path); err == nil {
		c.logger.Debug("cache hit for %s", key)
		return path, nil
	}

	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.Newf(apperrors.CodeNotFound, "archive %s not found in storage", key)
	}

	tmp := path + ".part-" + uuid.NewString()
	if err := c.store.DownloadFile(ctx, key, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move archive into cache: %w", err)
	}
	c.logger.Info("fetched %s from %s", key, c.store.GetURL(key))
	return path, nil
}

// Publish uploads a local archive under key.
func (c *ArchiveCache) Publish(ctx context.Context, key, localPath string) error {
	if err := c.store.UploadFile(ctx, key, localPath); err != nil {
		return err
	}
	c.logger.Info("published %s to %s", localPath, c.store.GetURL(key))
	return nil
}

// Evict removes the cached copy of key.
func (c *ArchiveCache) Evict(key string) error {
	if err := os.Remove(c.Path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
