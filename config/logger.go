package config

import (
	"io"
	"log"
	"os"

	"github.com/repque/content-cache/cachecore"
)

const logFlags = log.Ldate | log.Ltime | log.LUTC

// NewLogger returns a cachecore.Logger writing to stderr with date/time/UTC
// flags, or a discarding logger when debug is false.
func NewLogger(debug bool) cachecore.Logger {
	l := log.New(os.Stderr, "", logFlags)
	if !debug {
		l.SetOutput(io.Discard)
	}
	return l
}
