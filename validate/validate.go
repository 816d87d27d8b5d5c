// Package validate resolves and authorizes a user-supplied file path before
// it is allowed to become a cache key.
package validate

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/repque/content-cache/cacheerr"
)

// Canonicalize applies the rules of the path validator: reject literal
// parent-directory components before resolution, resolve symlinks, require
// ancestry in allowedRoots (if non-empty), and require the result to be an
// existing regular file.
//
// The check for ".." is deliberately performed on the raw, unresolved input
// string. This is stricter than checking the resolved path (it also rejects
// benign inputs such as "/a..b/c"), preserved from the source tool's
// documented behavior rather than silently relaxed.
func Canonicalize(rawPath string, allowedRoots []string) (string, error) {
	if containsParentComponent(rawPath) {
		return "", cacheerr.New(cacheerr.PermissionDenied, rawPath, errTraversal)
	}

	resolved, err := resolveSymlinks(rawPath)
	if err != nil {
		return "", cacheerr.New(cacheerr.PermissionDenied, rawPath, err)
	}

	if len(allowedRoots) > 0 {
		ok, err := withinAnyRoot(resolved, allowedRoots)
		if err != nil {
			return "", cacheerr.New(cacheerr.PermissionDenied, rawPath, err)
		}
		if !ok {
			return "", cacheerr.New(cacheerr.PermissionDenied, rawPath, errNotAllowed)
		}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", cacheerr.New(cacheerr.PermissionDenied, rawPath, errNotRegular)
	}
	if !info.Mode().IsRegular() {
		return "", cacheerr.New(cacheerr.PermissionDenied, rawPath, errNotRegular)
	}

	return resolved, nil
}

func containsParentComponent(p string) bool {
	return strings.Contains(p, "..")
}

func resolveSymlinks(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func withinAnyRoot(resolved string, roots []string) (bool, error) {
	for _, root := range roots {
		canonRoot, err := resolveSymlinks(root)
		if err != nil {
			continue // An unresolvable allowlist entry just never matches.
		}
		if isDescendant(resolved, canonRoot) {
			return true, nil
		}
	}
	return false, nil
}

func isDescendant(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}
