package spend

import (
	"errors"
	"sync"
	"time"

	"github.com/stamn/agent/internal/actor"
)

var (
	// ErrDuplicateRequest is returned when an id is registered twice while the
	// first registration is still pending.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrCorrelatorClosed is returned by Register after Close.
	ErrCorrelatorClosed = errors.New("correlator closed")
)

// Expiry says why a pending request resolved without a server response.
type Expiry int

const (
	// ExpiryTimeout means no response arrived within the timeout.
	ExpiryTimeout Expiry = iota
	// ExpiryConnectionReset means the connection the request was sent on was
	// replaced before a response arrived.
	ExpiryConnectionReset
	// ExpiryShutdown means the correlator was closed.
	ExpiryShutdown
)

// Correlator matches asynchronous responses to pending requests by id. Every
// pending request resolves exactly once: from a matching response, from its
// timeout, from a connection generation change or from Close, whichever comes
// first.
type Correlator[R any] struct {
	clock   actor.Clock
	timeout time.Duration
	expire  func(Expiry) R

	mu      sync.Mutex
	gen     int64
	pending map[string]*Pending[R]
	closed  bool
}

// Pending is one registered request.
type Pending[R any] struct {
	id    string
	gen   int64
	done  chan R
	timer actor.Timer
	c     *Correlator[R]
}

// NewCorrelator returns a Correlator whose pending requests time out after
// timeout. expire builds the result delivered when a request resolves without
// a response.
func NewCorrelator[R any](clock actor.Clock, timeout time.Duration, expire func(Expiry) R) *Correlator[R] {
	if clock == nil {
		clock = actor.RealClock{}
	}
	return &Correlator[R]{
		clock:   clock,
		timeout: timeout,
		expire:  expire,
		pending: make(map[string]*Pending[R]),
	}
}

// Register creates a pending request for id, stamped with the current
// connection generation, and starts its timeout.
func (c *Correlator[R]) Register(id string) (*Pending[R], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCorrelatorClosed
	}
	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateRequest
	}
	p := &Pending[R]{id: id, gen: c.gen, done: make(chan R, 1), c: c}
	c.pending[id] = p
	p.timer = c.clock.AfterFunc(c.timeout, func() {
		c.finish(p, c.expire(ExpiryTimeout))
	})
	return p, nil
}

// Resolve completes the request id with result if it is pending and was
// registered on generation gen. It reports whether a request was resolved.
func (c *Correlator[R]) Resolve(gen int64, id string, result R) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok || p.gen != gen {
		return false
	}
	return c.finish(p, result)
}

// Advance moves the correlator to connection generation gen. Requests
// registered on older generations resolve as connection resets.
func (c *Correlator[R]) Advance(gen int64) {
	c.mu.Lock()
	if gen <= c.gen {
		c.mu.Unlock()
		return
	}
	c.gen = gen
	var stale []*Pending[R]
	for _, p := range c.pending {
		if p.gen < gen {
			stale = append(stale, p)
		}
	}
	c.mu.Unlock()

	for _, p := range stale {
		c.finish(p, c.expire(ExpiryConnectionReset))
	}
}

// Generation returns the current connection generation.
func (c *Correlator[R]) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Len returns the number of pending requests.
func (c *Correlator[R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close resolves every pending request as a shutdown and rejects new
// registrations.
func (c *Correlator[R]) Close() {
	c.mu.Lock()
	c.closed = true
	all := make([]*Pending[R], 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()

	for _, p := range all {
		c.finish(p, c.expire(ExpiryShutdown))
	}
}

// finish delivers result if p is still the live registration for its id.
func (c *Correlator[R]) finish(p *Pending[R], result R) bool {
	c.mu.Lock()
	if c.pending[p.id] != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, p.id)
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- result
	return true
}

// Done delivers the single result.
func (p *Pending[R]) Done() <-chan R { return p.done }

// Cancel deregisters the request without resolving it.
func (p *Pending[R]) Cancel() {
	c := p.c
	c.mu.Lock()
	if c.pending[p.id] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.id)
	c.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}
