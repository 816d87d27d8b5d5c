// Package cachecore implements the cache coordinator: the Get state machine
// tying together path validation, the negative-existence filter, the memory
// tier, the durable metadata store, and the blob store behind a single
// per-path mutex. Grounded on the teacher's cache.Cache orchestration in
// cache/cache.go and cache/disk/disk.go, generalized from a fixed CAS/AC/RAW
// blob cache to a single extraction-result cache keyed by canonical
// filesystem path with content-address dedupe.
package cachecore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/repque/content-cache/blobstore"
	"github.com/repque/content-cache/cacheerr"
	"github.com/repque/content-cache/fingerprint"
	"github.com/repque/content-cache/keylock"
	"github.com/repque/content-cache/memtier"
	"github.com/repque/content-cache/metric"
	"github.com/repque/content-cache/negfilter"
	"github.com/repque/content-cache/store"
	"github.com/repque/content-cache/store/sqlitestore"
	"github.com/repque/content-cache/validate"
)

// InlineThreshold is the byte length above which extracted content is
// written to the blob store instead of stored inline in the metadata
// record.
const InlineThreshold = 64 * 1024

// CacheEntry is the durable record type, re-exported from store for callers
// that only import cachecore.
type CacheEntry = store.Entry

// CachedContent is the result of a successful Get.
type CachedContent struct {
	Content     string
	ContentHash string
	FromCache   bool
	ExtractedAt int64 // unix seconds
	FileSize    int64
}

// Processor extracts content from the file at canonicalPath. It is opaque
// to the cache: its identity is not part of the cache key, and two callers
// passing different processors for the same path observe the same cached
// content.
type Processor func(ctx context.Context, canonicalPath string) (string, error)

// Backend selects a metadata store implementation.
type Backend string

const (
	BackendEmbedded Backend = "embedded"
	BackendRemoteKV Backend = "remote_kv"
)

// Config holds every construction-time option from spec.md §6's
// configuration table.
type Config struct {
	CacheDir          string
	MemoryBudgetBytes int64
	VerifyHash        bool
	BackendPoolSize   int
	CompressionLevel  int
	FilterCapacity    uint
	AllowedPaths      []string
	Debug             bool

	Backend   Backend
	RedisAddr string
	RedisDB   int

	// MetadataStore, when non-nil, is used verbatim instead of
	// constructing one from Backend/CacheDir. Exists so callers (and
	// tests) can plug in redisstore or a fake without cachecore importing
	// redisstore directly, which would otherwise force every cachecore
	// user to pull in a Redis client.
	MetadataStore store.Store

	// Collector receives counters; defaults to metric.NoOpCollector() if
	// nil.
	Collector metric.Collector

	// Logger receives diagnostic lines when Debug is set; defaults to
	// discarding.
	Logger Logger
}

// Logger is the minimal sink the coordinator writes diagnostics to.
type Logger interface {
	Printf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

func (c Config) withDefaults() Config {
	if c.CacheDir == "" {
		c.CacheDir = "./cache_storage"
	}
	if c.MemoryBudgetBytes == 0 {
		c.MemoryBudgetBytes = 100 * 1024 * 1024
	}
	if c.BackendPoolSize == 0 {
		c.BackendPoolSize = 10
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 6
	}
	if c.FilterCapacity == 0 {
		c.FilterCapacity = 1_000_000
	}
	if c.Backend == "" {
		c.Backend = BackendEmbedded
	}
	if c.Collector == nil {
		c.Collector = metric.NoOpCollector()
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Cache is the coordinator. Zero value is not usable; construct with New.
type Cache struct {
	cfg Config

	mem    *memtier.Tier
	meta   store.Store
	blobs  *blobstore.Store
	filter *negfilter.Filter
	keys   *keylock.Group

	ownsMeta bool

	collector metric.Collector
	reqTotal  metric.Counter
	hits      metric.Counter
	misses    metric.Counter
	bloomHits metric.Counter
	dedupes   metric.Counter
	errsByKnd metric.Vec

	mu sync.Mutex // guards the stats snapshot below
	stats
}

type stats struct {
	totalRequests   int64
	cacheHits       int64
	cacheMisses     int64
	bloomFilterHits int64
	dedupeHits      int64
	errors          map[string]int64
}

// New validates cfg and constructs a Cache. It does not open any backend;
// call Initialize for that.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()

	if cfg.CompressionLevel < 0 || cfg.CompressionLevel > 9 {
		return nil, cacheerr.New(cacheerr.ConfigInvalid, cfg.CacheDir, fmt.Errorf("compression_level must be in [0,9]"))
	}
	if cfg.MemoryBudgetBytes < 0 {
		return nil, cacheerr.New(cacheerr.ConfigInvalid, cfg.CacheDir, fmt.Errorf("memory_budget_bytes must be >= 0"))
	}
	if cfg.BackendPoolSize <= 0 {
		return nil, cacheerr.New(cacheerr.ConfigInvalid, cfg.CacheDir, fmt.Errorf("backend_pool_size must be > 0"))
	}

	c := &Cache{
		cfg:       cfg,
		mem:       memtier.New(cfg.MemoryBudgetBytes),
		filter:    negfilter.New(cfg.FilterCapacity),
		keys:      &keylock.Group{},
		collector: cfg.Collector,
		stats:     stats{errors: make(map[string]int64)},
	}

	c.reqTotal = c.collector.NewCounter("content_cache_requests_total", "Total Get calls.")
	c.hits = c.collector.NewCounter("content_cache_hits_total", "Get calls served from cache.")
	c.misses = c.collector.NewCounter("content_cache_misses_total", "Get calls that invoked the processor.")
	c.bloomHits = c.collector.NewCounter("content_cache_bloom_filter_hits_total", "Requests short-circuited by the negative-existence filter.")
	c.dedupes = c.collector.NewCounter("content_cache_dedupe_hits_total", "Misses resolved by content-address dedupe instead of the processor.")
	c.errsByKnd = c.collector.NewCounterVec("content_cache_errors_total", "Errors by kind.", "kind")

	return c, nil
}

// Initialize opens the metadata store and blob store backends.
func (c *Cache) Initialize() error {
	if err := os.MkdirAll(c.cfg.CacheDir, 0755); err != nil {
		return cacheerr.New(cacheerr.StorageFailure, c.cfg.CacheDir, err)
	}

	blobDir := c.cfg.CacheDir + "/blobs"
	blobs, err := blobstore.New(blobDir, c.cfg.CompressionLevel)
	if err != nil {
		return err
	}
	c.blobs = blobs

	if c.cfg.MetadataStore != nil {
		c.meta = c.cfg.MetadataStore
		return nil
	}

	switch c.cfg.Backend {
	case BackendEmbedded:
		meta, err := sqlitestore.Open(c.cfg.CacheDir+"/metadata.db", c.cfg.BackendPoolSize)
		if err != nil {
			return err
		}
		c.meta = meta
		c.ownsMeta = true
	default:
		return cacheerr.New(cacheerr.ConfigInvalid, c.cfg.CacheDir, fmt.Errorf("backend %q requires an explicit Config.MetadataStore", c.cfg.Backend))
	}
	return nil
}

// Close releases pooled backend resources.
func (c *Cache) Close() error {
	if c.meta != nil && c.ownsMeta {
		return c.meta.Close()
	}
	return nil
}

func (c *Cache) incError(kind cacheerr.Kind) {
	c.mu.Lock()
	c.stats.errors[kind.String()]++
	c.mu.Unlock()
	c.errsByKnd.WithLabel(kind.String()).Inc()
}

func (c *Cache) materialize(e store.Entry) (string, error) {
	if e.BlobRef != "" {
		b, err := c.blobs.Get(e.BlobRef)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return e.Content, nil
}

func toMemItem(e store.Entry) memtier.Item {
	return memtier.Item{
		Path:         e.Path,
		ContentHash:  e.ContentHash,
		Mtime:        e.Mtime,
		FileSize:     e.FileSize,
		Content:      e.Content,
		BlobRef:      e.BlobRef,
		ExtractedAt:  e.ExtractedAt,
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
		CreatedAt:    e.CreatedAt,
	}
}

func (c *Cache) memContent(item memtier.Item) (string, error) {
	if item.BlobRef != "" {
		b, err := c.blobs.Get(item.BlobRef)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return item.Content, nil
}

// Get implements the state machine of spec.md §4.8.
func (c *Cache) Get(ctx context.Context, path string, proc Processor) (CachedContent, error) {
	canon, err := validate.Canonicalize(path, c.cfg.AllowedPaths)
	if err != nil {
		c.incError(cacheerr.PermissionDenied)
		return CachedContent{}, err
	}

	c.mu.Lock()
	c.stats.totalRequests++
	c.mu.Unlock()
	c.reqTotal.Inc()

	if c.filter.MightContain(canon) {
		if _, statErr := os.Stat(canon); statErr != nil && os.IsNotExist(statErr) {
			c.filter.Add(canon)
			c.mu.Lock()
			c.stats.bloomFilterHits++
			c.stats.cacheMisses++
			c.mu.Unlock()
			c.bloomHits.Inc()
			c.misses.Inc()
			c.incError(cacheerr.SourceMissing)
			return CachedContent{}, cacheerr.New(cacheerr.SourceMissing, canon, statErr)
		}
	}

	if cc, ok, err := c.tryServeFromCache(canon, true); err != nil {
		return CachedContent{}, err
	} else if ok {
		return cc, nil
	}

	resultIface, _, err := c.keys.Do(canon, func() (interface{}, error) {
		return c.process(ctx, canon, proc)
	})
	if err != nil {
		return CachedContent{}, err
	}
	return resultIface.(CachedContent), nil
}

// tryServeFromCache attempts the memory-tier and metadata-store lookups
// (steps 3-4 of spec.md §4.8) without acquiring the per-key mutex.
// allowIntegrityRecovery permits, at most once per Get, invalidating an
// entry whose content failed its integrity check and falling through to a
// reprocess rather than surfacing the fault directly (spec.md §7): the
// first call (from Get, outside the per-path lock) passes true, the retry
// made from inside process (under the per-path lock) passes false so a
// recurring fault surfaces as StorageFailure instead of looping.
func (c *Cache) tryServeFromCache(canon string, allowIntegrityRecovery bool) (CachedContent, bool, error) {
	if item, ok := c.mem.Lookup(canon); ok {
		status, err := c.verifyItem(item, canon)
		if err == nil && status == Valid {
			content, err := c.memContent(item)
			if err == nil {
				c.touchAsync(canon, item.AccessCount+1)
				c.recordHit()
				return CachedContent{
					Content: content, ContentHash: item.ContentHash, FromCache: true,
					ExtractedAt: item.ExtractedAt, FileSize: item.FileSize,
				}, true, nil
			}
			if cacheerr.Is(err, cacheerr.IntegrityFault) {
				return c.recoverFromIntegrityFault(canon, err, allowIntegrityRecovery)
			}
		}
	}

	entry, ok, err := c.meta.GetByPath(canon)
	if err != nil {
		return CachedContent{}, false, cacheerr.New(cacheerr.StorageFailure, canon, err)
	}
	if !ok {
		return CachedContent{}, false, nil
	}

	status, _ := c.verifyEntry(entry, canon)
	switch status {
	case Valid:
		content, err := c.materialize(entry)
		if err != nil {
			if cacheerr.Is(err, cacheerr.IntegrityFault) {
				return c.recoverFromIntegrityFault(canon, err, allowIntegrityRecovery)
			}
			return CachedContent{}, false, err
		}
		entry.LastAccessed = time.Now().Unix()
		entry.AccessCount++
		c.mem.Admit(canon, toMemItem(entry))
		if touchErr := c.meta.Touch(canon, entry.LastAccessed, entry.AccessCount); touchErr != nil {
			c.cfg.Logger.Printf("touch failed for %s: %v", canon, touchErr)
		}
		c.recordHit()
		return CachedContent{
			Content: content, ContentHash: entry.ContentHash, FromCache: true,
			ExtractedAt: entry.ExtractedAt, FileSize: entry.FileSize,
		}, true, nil
	case FileMissing:
		c.meta.DeleteByPath(canon)
		c.mem.Evict(canon)
		c.filter.Add(canon)
		c.mu.Lock()
		c.stats.cacheMisses++
		c.mu.Unlock()
		c.misses.Inc()
		c.incError(cacheerr.SourceMissing)
		return CachedContent{}, false, cacheerr.New(cacheerr.SourceMissing, canon, fmt.Errorf("source file no longer exists"))
	default:
		// FileModified or ContentChanged: fall through to processing.
		return CachedContent{}, false, nil
	}
}

// recoverFromIntegrityFault implements spec.md §7's IntegrityFault
// propagation policy: recovered locally with one reprocess attempt, or
// surfaced as StorageFailure if it recurs.
func (c *Cache) recoverFromIntegrityFault(canon string, cause error, allowRecovery bool) (CachedContent, bool, error) {
	if !allowRecovery {
		c.incError(cacheerr.StorageFailure)
		return CachedContent{}, false, cacheerr.New(cacheerr.StorageFailure, canon, cause)
	}
	c.mem.Evict(canon)
	c.meta.DeleteByPath(canon)
	c.incError(cacheerr.IntegrityFault)
	return CachedContent{}, false, nil
}

// classifySourceReadError maps a failure reading or stat-ing the source
// file during processing to SourceMissing when the file is actually gone,
// or propagates the underlying kind otherwise (spec.md §4.2: "Failure to
// read raises StorageFailure"). fingerprint.SHA256File already wraps read
// failures in a *cacheerr.Error, so os.IsNotExist is checked against both
// the error itself and, if present, its wrapped cause.
func (c *Cache) classifySourceReadError(canon string, err error) error {
	notExist := os.IsNotExist(err)
	kind := cacheerr.StorageFailure
	if ce, ok := err.(*cacheerr.Error); ok {
		kind = ce.Kind
		notExist = notExist || os.IsNotExist(ce.Err)
	}

	c.mu.Lock()
	c.stats.cacheMisses++
	c.mu.Unlock()
	c.misses.Inc()

	if notExist {
		c.filter.Add(canon)
		c.incError(cacheerr.SourceMissing)
		return cacheerr.New(cacheerr.SourceMissing, canon, err)
	}
	c.incError(kind)
	return err
}

// process runs under the per-key mutex: re-checks the fast paths (another
// waiter may have just committed an entry), then fingerprints, dedupes by
// content hash, or invokes the processor.
func (c *Cache) process(ctx context.Context, canon string, proc Processor) (CachedContent, error) {
	if cc, ok, err := c.tryServeFromCache(canon, false); err != nil {
		return CachedContent{}, err
	} else if ok {
		return cc, nil
	}

	hash, err := fingerprint.SHA256File(ctx, canon)
	if err != nil {
		return CachedContent{}, c.classifySourceReadError(canon, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return CachedContent{}, c.classifySourceReadError(canon, err)
	}
	now := time.Now().Unix()
	mtime := float64(info.ModTime().UnixNano()) / 1e9

	if dupes, err := c.meta.GetByHash(hash); err == nil && len(dupes) > 0 {
		content, matErr := c.materialize(dupes[0])
		if matErr == nil {
			entry := store.Entry{
				Path: canon, ContentHash: hash, Mtime: mtime, FileSize: info.Size(),
				Content: dupes[0].Content, BlobRef: dupes[0].BlobRef,
				ExtractedAt: now, AccessCount: 1, LastAccessed: now, CreatedAt: now,
			}
			if err := c.meta.Put(entry); err != nil {
				return CachedContent{}, cacheerr.New(cacheerr.StorageFailure, canon, err)
			}
			c.mem.Admit(canon, toMemItem(entry))
			c.mu.Lock()
			c.stats.dedupeHits++
			c.stats.cacheMisses++
			c.mu.Unlock()
			c.dedupes.Inc()
			c.misses.Inc()
			return CachedContent{
				Content: content, ContentHash: hash, FromCache: true,
				ExtractedAt: now, FileSize: info.Size(),
			}, nil
		}
	}

	content, err := proc(ctx, canon)
	if err != nil {
		c.incError(cacheerr.ProcessingError)
		return CachedContent{}, cacheerr.New(cacheerr.ProcessingError, canon, err)
	}

	entry := store.Entry{
		Path: canon, ContentHash: hash, Mtime: mtime, FileSize: info.Size(),
		ExtractedAt: now, AccessCount: 1, LastAccessed: now, CreatedAt: now,
	}
	if int64(len(content)) > InlineThreshold {
		if err := c.blobs.Put(hash, []byte(content)); err != nil {
			return CachedContent{}, err
		}
		entry.BlobRef = hash
	} else {
		entry.Content = content
	}

	// Ordering rule: persistent state before memory admission.
	if err := c.meta.Put(entry); err != nil {
		return CachedContent{}, cacheerr.New(cacheerr.StorageFailure, canon, err)
	}
	c.mem.Admit(canon, toMemItem(entry))

	c.mu.Lock()
	c.stats.cacheMisses++
	c.mu.Unlock()
	c.misses.Inc()

	return CachedContent{
		Content: content, ContentHash: hash, FromCache: false,
		ExtractedAt: now, FileSize: info.Size(),
	}, nil
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.stats.cacheHits++
	c.mu.Unlock()
	c.hits.Inc()
}

func (c *Cache) touchAsync(path string, accessCount int64) {
	go func() {
		if err := c.meta.Touch(path, time.Now().Unix(), accessCount); err != nil {
			c.cfg.Logger.Printf("async touch failed for %s: %v", path, err)
		}
	}()
}

// GetBatch runs Get for each path with up to maxConcurrent in flight,
// preserving input order in the result slice.
func (c *Cache) GetBatch(ctx context.Context, paths []string, proc Processor, maxConcurrent int) ([]CachedContent, []error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	results := make([]CachedContent, len(paths))
	errs := make([]error, len(paths))

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p string) {
			defer wg.Done()
			defer func() { <-sem }()
			cc, err := c.Get(ctx, p, proc)
			results[i] = cc
			errs[i] = err
		}(i, p)
	}
	wg.Wait()
	return results, errs
}

// Invalidate removes any entry for path, reporting whether one existed.
func (c *Cache) Invalidate(path string) (bool, error) {
	canon, err := validate.Canonicalize(path, c.cfg.AllowedPaths)
	if err != nil {
		return false, err
	}
	c.mem.Evict(canon)
	return c.meta.DeleteByPath(canon)
}

// InvalidateBatch invalidates every path concurrently, with no ordering
// guarantee, and returns the count actually removed.
func (c *Cache) InvalidateBatch(paths []string) int {
	var removed int64
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			ok, err := c.Invalidate(p)
			if err == nil && ok {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return int(removed)
}

// SweepOld removes every entry whose last access precedes now-age, and
// garbage-collects blobs no longer referenced by any remaining entry.
func (c *Cache) SweepOld(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()

	var toRemove []string
	err := c.meta.IterOlderThan(cutoff, func(e store.Entry) bool {
		toRemove = append(toRemove, e.Path)
		return true
	})
	if err != nil {
		return 0, cacheerr.New(cacheerr.StorageFailure, "", err)
	}

	removed := 0
	for _, p := range toRemove {
		c.mem.Evict(p)
		ok, err := c.meta.DeleteByPath(p)
		if err != nil {
			return removed, cacheerr.New(cacheerr.StorageFailure, p, err)
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		c.gcOrphanBlobs()
	}
	return removed, nil
}

func (c *Cache) gcOrphanBlobs() {
	referenced, err := c.meta.CountByHash()
	if err != nil {
		c.cfg.Logger.Printf("gc: failed to enumerate referenced hashes: %v", err)
		return
	}

	var orphans []string
	err = c.blobs.Walk(func(hash string) error {
		if referenced[hash] == 0 {
			orphans = append(orphans, hash)
		}
		return nil
	})
	if err != nil {
		c.cfg.Logger.Printf("gc: failed to walk blob store: %v", err)
		return
	}

	for _, hash := range orphans {
		if err := c.blobs.Delete(hash); err != nil {
			c.cfg.Logger.Printf("gc: failed to delete orphan blob %s: %v", hash, err)
		}
	}
}

// Statistics returns the snapshot described in spec.md §6.
type Statistics struct {
	TotalRequests   int64
	CacheHits       int64
	CacheMisses     int64
	BloomFilterHits int64
	DedupeHits      int64
	HitRate         float64
	MemoryUsageMB   float64
	DiskUsageBytes  int64
	EntryCount      int64
	UniqueHashes    int64
	DuplicateGroups int64
	Errors          map[string]int64
}

// Statistics snapshots request counters, memory-tier usage, and metadata
// store totals.
func (c *Cache) Statistics() (Statistics, error) {
	c.mu.Lock()
	snap := c.stats
	errCopy := make(map[string]int64, len(c.stats.errors))
	for k, v := range c.stats.errors {
		errCopy[k] = v
	}
	c.mu.Unlock()

	totals, err := c.meta.Totals()
	if err != nil {
		return Statistics{}, cacheerr.New(cacheerr.StorageFailure, "", err)
	}
	byHash, err := c.meta.CountByHash()
	if err != nil {
		return Statistics{}, cacheerr.New(cacheerr.StorageFailure, "", err)
	}

	var dupGroups int64
	for _, n := range byHash {
		if n > 1 {
			dupGroups++
		}
	}

	var hitRate float64
	if snap.totalRequests > 0 {
		hitRate = float64(snap.cacheHits) / float64(snap.totalRequests)
	}

	return Statistics{
		TotalRequests:   snap.totalRequests,
		CacheHits:       snap.cacheHits,
		CacheMisses:     snap.cacheMisses,
		BloomFilterHits: snap.bloomFilterHits,
		DedupeHits:      snap.dedupeHits,
		HitRate:         hitRate,
		MemoryUsageMB:   float64(c.mem.CurrentSize()) / (1024 * 1024),
		DiskUsageBytes:  totals.TotalBytes,
		EntryCount:      totals.EntryCount,
		UniqueHashes:    int64(len(byHash)),
		DuplicateGroups: dupGroups,
		Errors:          errCopy,
	}, nil
}

// MetricsPrometheus renders the coordinator's metrics in Prometheus text
// exposition format.
func (c *Cache) MetricsPrometheus() (string, error) {
	return c.collector.Gather()
}
