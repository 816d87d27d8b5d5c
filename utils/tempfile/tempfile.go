// Package tempfile creates uniquely-named sibling files for the
// write-to-temp-then-rename pattern used by the blob store, adapted from
// the teacher's Creator (cache/../utils/tempfile): the legacy ".v1" suffix
// and the setgid "work in progress" mode bit existed only to support the
// teacher's own blob-naming history and its concurrent-reader visibility
// contract; this cache never serves readers straight out of a temp file, so
// both are dropped and finished files are written with plain 0644.
package tempfile

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"
)

// Creator maintains the state of a pseudo-random number generator used to
// create temp file names.
type Creator struct {
	mu   sync.Mutex
	idum uint32
}

// NewCreator returns a new Creator.
func NewCreator() *Creator {
	return &Creator{idum: uint32(time.Now().UnixNano())}
}

// Fast "quick and dirty" linear congruential (pseudo-random) number
// generator from Numerical Recipes, the same algorithm the old
// ioutil.TempFile used.
func (c *Creator) ranqd1() string {
	c.mu.Lock()
	c.idum = c.idum*1664525 + 1013904223
	r := c.idum
	c.mu.Unlock()
	return strconv.Itoa(int(1e9 + r%1e9))[1:]
}

const flags = os.O_RDWR | os.O_CREATE | os.O_EXCL

var errNoTempfile = errors.New("failed to create a temp file after 10000 attempts")

// Create opens a new file named "<base>.<randomstring>", retrying on name
// collision, and returns it.
func (c *Creator) Create(base string) (*os.File, error) {
	for i := 0; i < 10000; i++ {
		name := base + "." + c.ranqd1()
		f, err := os.OpenFile(name, flags, 0644)
		if err == nil {
			return f, nil
		}
		if os.IsExist(err) {
			continue
		}
		return nil, err
	}
	return nil, errNoTempfile
}
