// Package blobstore implements the cache's content-addressed blob store:
// compressed bytes on disk, indexed by SHA-256 hash, with a two-level
// directory fan-out. Writes are atomic (temp file + rename), grounded on the
// teacher's tempfile-then-rename pattern in cache/blobstore_fs.go, adapted
// from an LRU-bounded blob cache to an unbounded content-address store (the
// memory tier, not the blob store, enforces the size budget in this spec).
package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"

	"github.com/repque/content-cache/cacheerr"
	"github.com/repque/content-cache/utils/tempfile"
)

// Store is a filesystem-backed, content-addressed blob store.
type Store struct {
	dir   string
	level int
	tmp   *tempfile.Creator
}

// New returns a Store rooted at dir, creating it if necessary. level is the
// deflate compression level in [0,9].
func New(dir string, level int) (*Store, error) {
	if level < 0 || level > 9 {
		return nil, cacheerr.New(cacheerr.ConfigInvalid, dir, errBadLevel)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cacheerr.New(cacheerr.StorageFailure, dir, err)
	}
	return &Store{dir: dir, level: level, tmp: tempfile.NewCreator()}, nil
}

// pathFor returns the on-disk location for a hash, per spec.md §4.4's
// ${hash[0:2]}/${hash[2:4]}/${hash}.z layout.
func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.dir, hash[0:2], hash[2:4], hash+".z")
}

// Put compresses and atomically stores content under hash. Put is
// idempotent: writing the same hash twice is harmless since the content is
// assumed identical (hash-addressed).
func (s *Store) Put(hash string, content []byte) error {
	dest := s.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}

	f, err := s.tmp.Create(dest)
	if err != nil {
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	tmp := f.Name()

	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmp)
		}
	}()

	w, err := zlib.NewWriterLevel(f, s.level)
	if err != nil {
		f.Close()
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		f.Close()
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	if err := f.Close(); err != nil {
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	removeTmp = false

	return nil
}

// Get reads and decompresses the blob stored under hash.
func (s *Store) Get(hash string) ([]byte, error) {
	f, err := os.Open(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cacheerr.New(cacheerr.StorageFailure, hash, errNotFound)
		}
		return nil, cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	defer f.Close()

	r, err := zlib.NewReader(f)
	if err != nil {
		return nil, cacheerr.New(cacheerr.IntegrityFault, hash, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, cacheerr.New(cacheerr.IntegrityFault, hash, err)
	}

	return buf.Bytes(), nil
}

// Exists reports whether a blob for hash is present on disk.
func (s *Store) Exists(hash string) bool {
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

// Delete removes the blob stored under hash, if present. It is not an error
// to delete a hash that is not present.
func (s *Store) Delete(hash string) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !os.IsNotExist(err) {
		return cacheerr.New(cacheerr.StorageFailure, hash, err)
	}
	return nil
}

// Walk calls fn once for every hash currently stored, derived from the
// ".z" file names under the two-level fan-out directories. Walk does not
// hold any lock; blobs written concurrently with a Walk may or may not be
// observed.
func (s *Store) Walk(fn func(hash string) error) error {
	return filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return cacheerr.New(cacheerr.StorageFailure, path, err)
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		const ext = ".z"
		if filepath.Ext(name) != ext {
			return nil
		}
		hash := name[:len(name)-len(ext)]
		return fn(hash)
	})
}
