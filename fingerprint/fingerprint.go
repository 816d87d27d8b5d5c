// Package fingerprint computes content hashes of files on disk, the same
// primitive the teacher repo uses to address CAS blobs, generalized here to
// fingerprint arbitrary source files rather than pre-chunked upload streams.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"runtime"

	"github.com/repque/content-cache/cacheerr"
)

// ChunkSize is the read buffer size used while hashing. 64 KiB balances
// syscall overhead against not holding too much of a large file in memory
// at once.
const ChunkSize = 64 * 1024

// SHA256File returns the lowercase hex SHA-256 digest of the file at path,
// reading it in ChunkSize pieces and yielding the scheduler between reads so
// that fingerprinting a very large file doesn't monopolize a goroutine.
func SHA256File(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", cacheerr.New(cacheerr.StorageFailure, path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, ChunkSize)

	for {
		select {
		case <-ctx.Done():
			return "", cacheerr.New(cacheerr.StorageFailure, path, ctx.Err())
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return "", cacheerr.New(cacheerr.StorageFailure, path, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", cacheerr.New(cacheerr.StorageFailure, path, readErr)
		}

		runtime.Gosched()
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Bytes returns the lowercase hex SHA-256 digest of b, for content
// already held in memory.
func SHA256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
