// Package keylock implements the cache's per-key serializer: it guarantees
// at most one in-flight processor invocation per canonical path, and shares
// that invocation's result with every other caller waiting on the same
// path. It is a thin wrapper around golang.org/x/sync/singleflight, which
// already provides exactly this guarantee and already garbage-collects a
// key's in-flight record once its last waiter has been served.
package keylock

import "golang.org/x/sync/singleflight"

// Group serializes calls keyed by canonical path.
type Group struct {
	g singleflight.Group
}

// Do calls fn for key, unless a call for key is already in flight, in which
// case it waits for and shares the original invocation's result. shared
// reports whether the result was delivered to more than one caller.
func (g *Group) Do(key string, fn func() (interface{}, error)) (result interface{}, shared bool, err error) {
	return g.g.Do(key, fn)
}
