package hamt

import "errors"

// Sentinel errors surfaced by HAMT operations. Storage failures from the
// underlying blockstore are wrapped and propagated as-is.
var (
	ErrNotFound    = errors.New("hamt: not found")
	ErrMaxDepth    = errors.New("hamt: max depth exceeded")
	ErrExpectedCid = errors.New("hamt: expected cid")
	ErrMalformed   = errors.New("hamt: malformed node")
)
