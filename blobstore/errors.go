package blobstore

import "errors"

var (
	errBadLevel = errors.New("compression level must be in [0,9]")
	errNotFound = errors.New("blob not found")
)
