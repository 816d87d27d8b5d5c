package negfilter

import "testing"

func TestMightContainAfterAdd(t *testing.T) {
	f := New(1000)

	if f.MightContain("/tmp/never-added.txt") {
		t.Fatalf("expected definite negative before Add")
	}

	f.Add("/tmp/missing.txt")

	if !f.MightContain("/tmp/missing.txt") {
		t.Fatalf("expected MightContain to be true after Add")
	}
}

func TestResetClearsFilter(t *testing.T) {
	f := New(100)
	f.Add("/tmp/a.txt")
	f.Reset()

	// Reset zeroes every bit of the filter, so no key can test positive
	// afterwards.
	if f.MightContain("/tmp/a.txt") {
		t.Fatalf("expected filter to be empty after Reset")
	}
}
