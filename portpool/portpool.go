// Package portpool allocates ephemeral UDP ports for server-facing flow
// sockets out of a fixed, inclusive range.
package portpool

import (
	"errors"
	"sync"

	"wgproxy/fastrand"
)

// ErrExhausted is returned by [Pool.Reserve] when every port in the range
// is currently leased.
var ErrExhausted = errors.New("portpool: range exhausted")

// Pool allocates ports from the inclusive range [lo, hi]. A Pool is safe
// for concurrent use.
type Pool struct {
	lo, hi uint16
	size   uint32

	mu     sync.Mutex
	leased map[uint16]struct{}
}

// New returns a Pool over the inclusive port range [lo, hi]. lo must be
// less than or equal to hi.
func New(lo, hi uint16) *Pool {
	if lo > hi {
		panic("portpool: lo exceeds hi")
	}
	return &Pool{
		lo:     lo,
		hi:     hi,
		size:   uint32(hi) - uint32(lo) + 1,
		leased: make(map[uint16]struct{}),
	}
}

// Reserve leases and returns an unleased port from the range, starting the
// scan at a randomized offset so that repeated short-lived flows don't
// always land on the same low ports first. It returns [ErrExhausted] if
// every port in the range is already leased.
func (p *Pool) Reserve() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint32(len(p.leased)) >= p.size {
		return 0, ErrExhausted
	}

	start := fastrand.Uint32n(p.size)
	for i := uint32(0); i < p.size; i++ {
		port := p.lo + uint16((start+i)%p.size)
		if _, taken := p.leased[port]; !taken {
			p.leased[port] = struct{}{}
			return port, nil
		}
	}

	// Unreachable given the length check above, but guards against a
	// concurrent-map-accounting bug from silently wedging every caller.
	return 0, ErrExhausted
}

// Release returns port to the pool. Releasing a port that isn't currently
// leased, or that falls outside the pool's range, is a no-op.
func (p *Pool) Release(port uint16) {
	p.mu.Lock()
	delete(p.leased, port)
	p.mu.Unlock()
}

// Len reports the number of currently leased ports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// Cap reports the total number of ports in the pool's range.
func (p *Pool) Cap() int {
	return int(p.size)
}
