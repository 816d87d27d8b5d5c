// Package negfilter implements the cache's negative-existence filter: a
// probabilistic set of paths recently observed as missing from disk, so that
// a repeated lookup of a known-absent file is settled by one stat call
// instead of the full lookup path.
package negfilter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// targetFalsePositiveRate bounds the filter's false-positive rate to the
// ≤1% required by the spec.
const targetFalsePositiveRate = 0.01

// Filter is a concurrency-safe wrapper around a bloom filter of paths.
// It is advisory only: false positives just cost one extra stat call, and
// there are no removals, matching the reference semantics (rebuilt empty on
// restart).
type Filter struct {
	mu sync.RWMutex
	bf *bloom.BloomFilter
}

// New returns a Filter sized to hold capacity paths at the target false
// positive rate. A capacity of zero is rounded up to 1 to avoid a degenerate
// (zero-bit) filter.
func New(capacity uint) *Filter {
	if capacity == 0 {
		capacity = 1
	}
	return &Filter{bf: bloom.NewWithEstimates(capacity, targetFalsePositiveRate)}
}

// Add records path as observed-missing.
func (f *Filter) Add(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.AddString(path)
}

// MightContain reports whether path was probably previously recorded as
// missing. A false return is authoritative; a true return means the caller
// should fall back to a filesystem probe.
func (f *Filter) MightContain(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.TestString(path)
}

// Reset discards all recorded paths, returning the filter to empty. Used by
// tests and by callers that want to force a cold restart of the filter
// without restarting the whole process.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.ClearAll()
}
