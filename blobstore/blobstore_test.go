package blobstore

import (
	"testing"

	"github.com/repque/content-cache/fingerprint"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 6)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("hello, blob store")
	hash := fingerprint.SHA256Bytes(content)

	if err := s.Put(hash, content); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !s.Exists(hash) {
		t.Fatalf("expected Exists to be true after Put")
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("round trip mismatch: got %q want %q", got, content)
	}
}

func TestDeleteRemovesBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 6)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("transient")
	hash := fingerprint.SHA256Bytes(content)
	if err := s.Put(hash, content); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(hash); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(hash) {
		t.Fatalf("expected blob to be gone after Delete")
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 6)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("0000000000000000000000000000000000000000000000000000000000000000"[:64]); err != nil {
		t.Fatalf("expected no error deleting a missing blob, got %v", err)
	}
}

func TestNewRejectsBadCompressionLevel(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir, 99); err == nil {
		t.Fatalf("expected error for invalid compression level")
	}
}

func TestWalkVisitsEveryStoredHash(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 6)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{}
	for _, c := range []string{"one", "two", "three"} {
		content := []byte(c)
		hash := fingerprint.SHA256Bytes(content)
		if err := s.Put(hash, content); err != nil {
			t.Fatal(err)
		}
		want[hash] = true
	}

	got := map[string]bool{}
	if err := s.Walk(func(hash string) error {
		got[hash] = true
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("Walk visited %d hashes, want %d", len(got), len(want))
	}
	for h := range want {
		if !got[h] {
			t.Fatalf("Walk did not visit hash %q", h)
		}
	}
}
