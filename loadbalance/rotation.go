// Package loadbalance implements the broker's idle-worker rotation.
//
// The policy is fixed: FIFO round robin. A worker address joins the back of
// the idle queue when it signals READY (or when its reply is relayed) and is
// popped from the front on dispatch. There is no work-stealing and no load
// metric; with W idle workers, no worker receives a second dispatch before
// every other idle worker has received one.
//
// The rotation is not goroutine-safe on its own. The broker's event loop is
// single-threaded, so no locking is needed there; any other caller must
// serialize access itself.
package loadbalance

// Rotation tracks the registered worker set and the FIFO idle queue.
type Rotation struct {
	idle       []string        // FIFO queue of idle worker addresses
	registered map[string]bool // Every address that ever signaled READY and is still connected
}

// NewRotation creates an empty rotation.
func NewRotation() *Rotation {
	return &Rotation{
		registered: make(map[string]bool),
	}
}

// MarkIdle appends a worker address to the idle queue and the registered
// set. Idempotent: a duplicate READY from an address already queued must not
// create a second queue entry, otherwise one worker would absorb two
// concurrent dispatches.
func (r *Rotation) MarkIdle(addr string) {
	r.registered[addr] = true
	for _, queued := range r.idle {
		if queued == addr {
			return
		}
	}
	r.idle = append(r.idle, addr)
}

// Next pops the front of the idle queue. Returns false when no worker is
// idle, which is the broker's signal to leave client messages unconsumed.
func (r *Rotation) Next() (string, bool) {
	for len(r.idle) > 0 {
		addr := r.idle[0]
		r.idle = r.idle[1:]
		// An address may have been removed after it was queued
		if r.registered[addr] {
			return addr, true
		}
	}
	return "", false
}

// Remove drops a worker entirely. The only caller is the broker's
// connection-close path: process exit is the one removal mechanism, there is
// no health-based eviction.
func (r *Rotation) Remove(addr string) {
	delete(r.registered, addr)
	for i, queued := range r.idle {
		if queued == addr {
			r.idle = append(r.idle[:i], r.idle[i+1:]...)
			return
		}
	}
}

// Dedup rebuilds the idle queue keeping only the first occurrence of each
// address. Runs on the broker's maintenance tick to self-heal duplicates
// that slip through partial-state races between promotion and READY signals.
// Returns the number of entries removed.
func (r *Rotation) Dedup() int {
	seen := make(map[string]bool, len(r.idle))
	kept := r.idle[:0]
	removed := 0
	for _, addr := range r.idle {
		if seen[addr] || !r.registered[addr] {
			removed++
			continue
		}
		seen[addr] = true
		kept = append(kept, addr)
	}
	r.idle = kept
	return removed
}

// IdleLen reports how many workers are currently idle.
func (r *Rotation) IdleLen() int {
	return len(r.idle)
}

// RegisteredLen reports how many workers are registered.
func (r *Rotation) RegisteredLen() int {
	return len(r.registered)
}

// IsRegistered reports whether an address has a live registration.
func (r *Rotation) IsRegistered(addr string) bool {
	return r.registered[addr]
}
