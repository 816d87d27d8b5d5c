package cachecore

import (
	"context"
	"os"

	"github.com/repque/content-cache/fingerprint"
	"github.com/repque/content-cache/memtier"
	"github.com/repque/content-cache/store"
)

// Status classifies an entry against its source file (spec.md §4.9).
type Status int

const (
	Valid Status = iota
	FileMissing
	FileModified
	ContentChanged
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case FileMissing:
		return "file_missing"
	case FileModified:
		return "file_modified"
	case ContentChanged:
		return "content_changed"
	default:
		return "unknown"
	}
}

// verifyIntegrity implements spec.md §4.9: size is checked before mtime
// because it is cheaper and strictly more reliable against clock skew.
func verifyIntegrity(ctx context.Context, path string, storedHash string, storedSize int64, storedMtime float64, verifyHash bool) (Status, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileMissing, nil
		}
		return FileMissing, err
	}

	if info.Size() != storedSize {
		return FileModified, nil
	}
	currentMtime := float64(info.ModTime().UnixNano()) / 1e9
	if currentMtime > storedMtime {
		return FileModified, nil
	}

	if !verifyHash {
		return Valid, nil
	}

	hash, err := fingerprint.SHA256File(ctx, path)
	if err != nil {
		return Valid, err
	}
	if hash != storedHash {
		return ContentChanged, nil
	}
	return Valid, nil
}

func (c *Cache) verifyEntry(e store.Entry, path string) (Status, error) {
	return verifyIntegrity(context.Background(), path, e.ContentHash, e.FileSize, e.Mtime, c.cfg.VerifyHash)
}

func (c *Cache) verifyItem(item memtier.Item, path string) (Status, error) {
	return verifyIntegrity(context.Background(), path, item.ContentHash, item.FileSize, item.Mtime, c.cfg.VerifyHash)
}
