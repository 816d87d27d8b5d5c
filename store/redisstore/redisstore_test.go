package redisstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/repque/content-cache/store"
)

func open(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	return Open(mr.Addr(), 0)
}

func TestPutAndGetByPath(t *testing.T) {
	s := open(t)
	e := store.Entry{Path: "/a", ContentHash: "h1", FileSize: 10, LastAccessed: 100}
	if err := s.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.GetByPath("/a")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if !ok || got.ContentHash != "h1" {
		t.Fatalf("unexpected entry: %+v ok=%v", got, ok)
	}
}

func TestGetByPathMissing(t *testing.T) {
	s := open(t)
	_, ok, err := s.GetByPath("/nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected ok=false")
	}
}

func TestGetByHashReturnsAllSharingHash(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "same", LastAccessed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(store.Entry{Path: "/b", ContentHash: "same", LastAccessed: 2}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetByHash("same")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestPutRemovesPathFromOldHashSetOnChange(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "h1", LastAccessed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "h2", LastAccessed: 2}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetByHash("h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected /a to be removed from the old hash set, got %+v", entries)
	}

	entries, err = s.GetByHash("h2")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != "/a" {
		t.Fatalf("expected /a under the new hash set, got %+v", entries)
	}

	counts, err := s.CountByHash()
	if err != nil {
		t.Fatal(err)
	}
	if counts["h1"] != 0 {
		t.Fatalf("expected stale hash set to be gone from CountByHash, got %+v", counts)
	}
	if counts["h2"] != 1 {
		t.Fatalf("expected new hash to count /a once, got %+v", counts)
	}
}

func TestDeleteByPath(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "h", LastAccessed: 1}); err != nil {
		t.Fatal(err)
	}
	deleted, err := s.DeleteByPath("/a")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatalf("expected true on first delete")
	}
	deleted, err = s.DeleteByPath("/a")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatalf("expected false on second delete")
	}
}

func TestTouchUpdatesAccessBookkeeping(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "h", LastAccessed: 1, AccessCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch("/a", 500, 7); err != nil {
		t.Fatal(err)
	}
	got, _, err := s.GetByPath("/a")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastAccessed != 500 || got.AccessCount != 7 {
		t.Fatalf("touch did not persist: %+v", got)
	}
}

func TestIterOlderThan(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/old", ContentHash: "h1", LastAccessed: 100}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(store.Entry{Path: "/new", ContentHash: "h2", LastAccessed: 900}); err != nil {
		t.Fatal(err)
	}

	var seen []string
	if err := s.IterOlderThan(500, func(e store.Entry) bool {
		seen = append(seen, e.Path)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "/old" {
		t.Fatalf("expected only /old, got %v", seen)
	}
}

func TestCountByHash(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "dup", LastAccessed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(store.Entry{Path: "/b", ContentHash: "dup", LastAccessed: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(store.Entry{Path: "/c", ContentHash: "unique", LastAccessed: 3}); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountByHash()
	if err != nil {
		t.Fatal(err)
	}
	if counts["dup"] != 2 || counts["unique"] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestTotals(t *testing.T) {
	s := open(t)
	if err := s.Put(store.Entry{Path: "/a", ContentHash: "h1", FileSize: 10, LastAccessed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(store.Entry{Path: "/b", ContentHash: "h2", FileSize: 20, LastAccessed: 2}); err != nil {
		t.Fatal(err)
	}

	totals, err := s.Totals()
	if err != nil {
		t.Fatal(err)
	}
	if totals.EntryCount != 2 || totals.TotalBytes != 30 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}
