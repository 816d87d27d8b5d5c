package validate

import "errors"

var (
	errTraversal  = errors.New("path contains a literal \"..\" component")
	errNotAllowed = errors.New("path is not a descendant of any allowed root")
	errNotRegular = errors.New("path does not exist or is not a regular file")
)
