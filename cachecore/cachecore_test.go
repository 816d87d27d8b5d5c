package cachecore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promcollector "github.com/repque/content-cache/metric/prometheus"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{CacheDir: dir, VerifyHash: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func constProcessor(result string) Processor {
	return func(ctx context.Context, path string) (string, error) {
		return result, nil
	}
}

// S1
func TestGetFirstCallMissesSecondHits(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	cc, err := c.Get(context.Background(), p, constProcessor("X"))
	if err != nil {
		t.Fatal(err)
	}
	if cc.FromCache || cc.Content != "X" {
		t.Fatalf("unexpected first result: %+v", cc)
	}
	if cc.ContentHash != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected hash: %s", cc.ContentHash)
	}

	cc2, err := c.Get(context.Background(), p, constProcessor("X"))
	if err != nil {
		t.Fatal(err)
	}
	if !cc2.FromCache || cc2.Content != "X" {
		t.Fatalf("unexpected second result: %+v", cc2)
	}
}

// S2
func TestGetBatchSamePathInvokesProcessorOnce(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	var calls int64
	proc := func(ctx context.Context, path string) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return "X", nil
	}

	results, errs := c.GetBatch(context.Background(), []string{p, p, p}, proc, 3)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("result %d: %v", i, err)
		}
	}
	for i, r := range results {
		if r.Content != "X" {
			t.Fatalf("result %d unexpected content: %+v", i, r)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 processor call, got %d", calls)
	}
}

// S3
func TestDedupeByContentHash(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "hello")
	b := writeFile(t, dir, "b.txt", "hello")

	ccA, err := c.Get(context.Background(), a, constProcessor("X"))
	if err != nil {
		t.Fatal(err)
	}

	var procCalled bool
	ccB, err := c.Get(context.Background(), b, func(ctx context.Context, path string) (string, error) {
		procCalled = true
		return "Y", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if procCalled {
		t.Fatalf("expected dedupe to avoid calling the processor")
	}
	if ccB.Content != ccA.Content {
		t.Fatalf("expected dedupe content %q, got %q", ccA.Content, ccB.Content)
	}
	if ccB.ContentHash != ccA.ContentHash {
		t.Fatalf("expected equal content hashes")
	}
	if !ccB.FromCache {
		t.Fatalf("expected dedupe hit to report from_cache=true")
	}
}

// S4
func TestChangeDetectionReprocesses(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	if _, err := c.Get(context.Background(), p, constProcessor("X")); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(p, []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatal(err)
	}

	cc, err := c.Get(context.Background(), p, constProcessor("Z"))
	if err != nil {
		t.Fatal(err)
	}
	if cc.FromCache || cc.Content != "Z" {
		t.Fatalf("expected reprocessed result, got %+v", cc)
	}
	if cc.ContentHash != "486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7" {
		t.Fatalf("unexpected hash after change: %s", cc.ContentHash)
	}
}

// S5
func TestPathOutsideAllowlistRejected(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{CacheDir: t.TempDir(), AllowedPaths: []string{dir}})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	other := t.TempDir()
	p := writeFile(t, other, "secret.txt", "nope")

	var called bool
	_, err = c.Get(context.Background(), p, func(ctx context.Context, path string) (string, error) {
		called = true
		return "", nil
	})
	if err == nil {
		t.Fatalf("expected PermissionDenied")
	}
	if called {
		t.Fatalf("processor must not be called for a rejected path")
	}

	stats, err := c.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Errors["permission_denied"] != 1 {
		t.Fatalf("expected 1 permission_denied error, got %v", stats.Errors)
	}
}

func TestSourceMissingUpdatesNegativeExistenceFilter(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "never-existed.txt")

	var called bool
	_, err := c.Get(context.Background(), p, func(ctx context.Context, path string) (string, error) {
		called = true
		return "", nil
	})
	if err == nil {
		t.Fatalf("expected SourceMissing error")
	}
	if called {
		t.Fatalf("processor must not be called for a missing source file")
	}
	if !c.filter.MightContain(p) {
		t.Fatalf("expected negative-existence filter to contain %s after a SourceMissing miss", p)
	}

	stats, err := c.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Errors["source_missing"] != 1 {
		t.Fatalf("expected 1 source_missing error, got %v", stats.Errors)
	}

	// A second Get should now fast-reject via the bloom filter rather than
	// reach the filesystem again.
	if _, err := c.Get(context.Background(), p, constProcessor("X")); err == nil {
		t.Fatalf("expected second Get on a still-missing path to also fail")
	}
	stats, err = c.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.BloomFilterHits != 1 {
		t.Fatalf("expected the second Get to be rejected by the bloom filter, got %+v", stats)
	}
}

func TestIntegrityFaultRecoversWithOneReprocess(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	large := strings.Repeat("x", InlineThreshold+1)
	cached, err := c.Get(context.Background(), p, constProcessor(large))
	if err != nil {
		t.Fatal(err)
	}
	if !c.blobs.Exists(cached.ContentHash) {
		t.Fatalf("expected large content to be stored in the blob store")
	}

	blobPath := filepath.Join(c.cfg.CacheDir, "blobs", cached.ContentHash[0:2], cached.ContentHash[2:4], cached.ContentHash+".z")
	if err := os.WriteFile(blobPath, []byte("not a valid zlib stream"), 0644); err != nil {
		t.Fatal(err)
	}

	var reprocessed bool
	cc, err := c.Get(context.Background(), p, func(ctx context.Context, path string) (string, error) {
		reprocessed = true
		return large, nil
	})
	if err != nil {
		t.Fatalf("expected the corrupted blob to be recovered via a single reprocess, got: %v", err)
	}
	if !reprocessed {
		t.Fatalf("expected the processor to be invoked to recover from the integrity fault")
	}
	if cc.Content != large {
		t.Fatalf("unexpected recovered content")
	}
}

func TestInvalidateForcesReprocess(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	if _, err := c.Get(context.Background(), p, constProcessor("X")); err != nil {
		t.Fatal(err)
	}

	ok, err := c.Invalidate(p)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected invalidate to report true")
	}

	cc, err := c.Get(context.Background(), p, constProcessor("X"))
	if err != nil {
		t.Fatal(err)
	}
	if cc.FromCache {
		t.Fatalf("expected from_cache=false after invalidate")
	}
}

func TestConcurrentGetsOnFreshPathCallProcessorOnce(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	var calls int64
	proc := func(ctx context.Context, path string) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "X", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cc, err := c.Get(context.Background(), p, proc)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = cc.Content
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 processor call, got %d", calls)
	}
	for i, r := range results {
		if r != "X" {
			t.Fatalf("result %d unexpected: %q", i, r)
		}
	}
}

func TestSweepOldRemovesStaleEntries(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	if _, err := c.Get(context.Background(), p, constProcessor("X")); err != nil {
		t.Fatal(err)
	}

	removed, err := c.SweepOld(-1 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected to sweep 1 stale entry, got %d", removed)
	}

	stats, err := c.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("expected 0 entries after sweep, got %d", stats.EntryCount)
	}
}

func TestSweepOldGarbageCollectsOrphanBlobs(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "hello")

	large := strings.Repeat("x", InlineThreshold+1)
	cached, err := c.Get(context.Background(), p, constProcessor(large))
	if err != nil {
		t.Fatal(err)
	}
	if !c.blobs.Exists(cached.ContentHash) {
		t.Fatalf("expected large content to be stored in the blob store")
	}

	if _, err := c.SweepOld(-1 * time.Hour); err != nil {
		t.Fatal(err)
	}

	if c.blobs.Exists(cached.ContentHash) {
		t.Fatalf("expected orphaned blob to be garbage-collected after sweep")
	}
}

func TestMemoryBudgetRespected(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{CacheDir: t.TempDir(), MemoryBudgetBytes: 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for i := 0; i < 5; i++ {
		p := writeFile(t, dir, strconv.Itoa(i)+".txt", strings.Repeat("x", 20))
		if _, err := c.Get(context.Background(), p, constProcessor(strings.Repeat("y", 20))); err != nil {
			t.Fatal(err)
		}
	}

	if c.mem.CurrentSize() > 10 && c.mem.Len() > 1 {
		t.Fatalf("memory tier exceeded budget with more than one resident item: size=%d len=%d", c.mem.CurrentSize(), c.mem.Len())
	}
}

func TestMetricsPrometheusRendersRegisteredCounters(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{CacheDir: t.TempDir(), Collector: promcollector.NewCollector()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	p := writeFile(t, dir, "a.txt", "hello")
	if _, err := c.Get(context.Background(), p, constProcessor("X")); err != nil {
		t.Fatal(err)
	}

	text, err := c.MetricsPrometheus()
	if err != nil {
		t.Fatalf("MetricsPrometheus: %v", err)
	}
	if !strings.Contains(text, "content_cache_requests_total") {
		t.Fatalf("expected rendered metrics to mention content_cache_requests_total, got:\n%s", text)
	}
}
