// Package redisstore is the remote KV reference backend for the metadata
// store contract (spec.md §4.5). Entries are JSON blobs keyed by the SHA-256
// of their path, with
// a secondary set index by content hash and a sorted set ordered by
// last-accessed time for sweep support. Multi-key writes go through a Lua
// script so a Put is atomic across all three structures, grounded on the
// teacher's appetite for server-side scripting at the storage boundary
// (cache/disk/disk.go's atomic rename-based commit, translated to Redis's
// atomicity primitive).
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/repque/content-cache/cacheerr"
	"github.com/repque/content-cache/store"
)

const (
	entryKeyPrefix = "cache:entry:"
	hashSetPrefix  = "cache:hash:"
	atimeZSetKey   = "cache:atime"
)

// Store is a go-redis-backed implementation of store.Store.
type Store struct {
	rdb *redis.Client
	ctx context.Context

	putScript    *redis.Script
	deleteScript *redis.Script
}

// Open returns a Store talking to the Redis instance described by addr
// (host:port). db selects the logical Redis database index.
func Open(addr string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Store{
		rdb: rdb,
		ctx: context.Background(),
		putScript: redis.NewScript(`
			redis.call('SET', KEYS[1], ARGV[1])
			if ARGV[4] ~= '' and ARGV[4] ~= KEYS[2] then
				redis.call('SREM', ARGV[4], ARGV[2])
			end
			redis.call('SADD', KEYS[2], ARGV[2])
			redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
			return 1
		`),
		deleteScript: redis.NewScript(`
			local raw = redis.call('GET', KEYS[1])
			if not raw then
				return 0
			end
			redis.call('DEL', KEYS[1])
			redis.call('SREM', KEYS[2], ARGV[1])
			redis.call('ZREM', KEYS[3], ARGV[1])
			return 1
		`),
	}
}

func entryKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return entryKeyPrefix + hex.EncodeToString(sum[:])
}

func hashSetKey(contentHash string) string {
	return hashSetPrefix + contentHash
}

func (s *Store) GetByPath(path string) (store.Entry, bool, error) {
	raw, err := s.rdb.Get(s.ctx, entryKey(path)).Bytes()
	if err == redis.Nil {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	var e store.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return store.Entry{}, false, cacheerr.New(cacheerr.IntegrityFault, path, err)
	}
	return e, true, nil
}

func (s *Store) GetByHash(contentHash string) ([]store.Entry, error) {
	paths, err := s.rdb.SMembers(s.ctx, hashSetKey(contentHash)).Result()
	if err != nil {
		return nil, cacheerr.New(cacheerr.StorageFailure, contentHash, err)
	}

	var out []store.Entry
	for _, p := range paths {
		e, ok, err := s.GetByPath(p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Put(e store.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return cacheerr.New(cacheerr.ProcessingError, e.Path, err)
	}

	var oldHashSet string
	if existing, ok, err := s.GetByPath(e.Path); err != nil {
		return err
	} else if ok && existing.ContentHash != e.ContentHash {
		oldHashSet = hashSetKey(existing.ContentHash)
	}

	keys := []string{entryKey(e.Path), hashSetKey(e.ContentHash), atimeZSetKey}
	err = s.putScript.Run(s.ctx, s.rdb, keys, string(raw), e.Path, e.LastAccessed, oldHashSet).Err()
	if err != nil {
		return cacheerr.New(cacheerr.StorageFailure, e.Path, err)
	}
	return nil
}

func (s *Store) DeleteByPath(path string) (bool, error) {
	existing, ok, err := s.GetByPath(path)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	keys := []string{entryKey(path), hashSetKey(existing.ContentHash), atimeZSetKey}
	n, err := s.deleteScript.Run(s.ctx, s.rdb, keys, path).Int()
	if err != nil {
		return false, cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	return n == 1, nil
}

func (s *Store) Touch(path string, lastAccessed int64, accessCount int64) error {
	e, ok, err := s.GetByPath(path)
	if err != nil {
		return err
	}
	if !ok {
		return cacheerr.New(cacheerr.SourceMissing, path, fmt.Errorf("no entry for path"))
	}
	e.LastAccessed = lastAccessed
	e.AccessCount = accessCount
	return s.Put(e)
}

func (s *Store) IterOlderThan(cutoff int64, fn func(store.Entry) bool) error {
	paths, err := s.rdb.ZRangeByScore(s.ctx, atimeZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff),
	}).Result()
	if err != nil {
		return cacheerr.New(cacheerr.StorageFailure, "", err)
	}

	for _, p := range paths {
		e, ok, err := s.GetByPath(p)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(e) {
			break
		}
	}
	return nil
}

func (s *Store) CountByHash() (map[string]int, error) {
	var cursor uint64
	out := make(map[string]int)
	for {
		keys, next, err := s.rdb.Scan(s.ctx, cursor, hashSetPrefix+"*", 100).Result()
		if err != nil {
			return nil, cacheerr.New(cacheerr.StorageFailure, "", err)
		}
		for _, k := range keys {
			count, err := s.rdb.SCard(s.ctx, k).Result()
			if err != nil {
				return nil, cacheerr.New(cacheerr.StorageFailure, k, err)
			}
			out[k[len(hashSetPrefix):]] = int(count)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *Store) Totals() (store.Totals, error) {
	paths, err := s.rdb.ZRange(s.ctx, atimeZSetKey, 0, -1).Result()
	if err != nil {
		return store.Totals{}, cacheerr.New(cacheerr.StorageFailure, "", err)
	}

	var t store.Totals
	for _, p := range paths {
		e, ok, err := s.GetByPath(p)
		if err != nil {
			return store.Totals{}, err
		}
		if !ok {
			continue
		}
		t.EntryCount++
		t.TotalBytes += e.FileSize
	}
	return t, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
