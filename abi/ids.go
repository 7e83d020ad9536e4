package abi

import "sync/atomic"

// IDGenerator mints monotonically increasing, per-controller identifiers.
// async_request_id and watch_id are independent spaces: a Config holds one
// IDGenerator for each.
type IDGenerator struct {
	next uint32
}

// Next returns the next id, starting at 1 so that 0 is never a valid id
// (kept free as a sentinel for "no id").
func (g *IDGenerator) Next() uint32 {
	return atomic.AddUint32(&g.next, 1)
}
