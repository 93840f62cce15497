package nbdbackend

import (
	"sync"
	"time"
)

// pool holds a small set of already-negotiated conns to the same NBD
// export, handed out to concurrent ReadTo/WriteFrom/Extents callers
// (spec §4.3: "max_readers and max_writers come from the NBD server's
// concurrency advertisement, capped by a configured ceiling"). NBD
// itself advertises no such number on the wire, so in practice the
// ceiling is what governs pool size, matching how a qemu-nbd-backed
// setup is sized operationally.
type pool struct {
	t       target
	timeout time.Duration

	mu     sync.Mutex
	idle   []*conn
	opened int
	ceil   uint32
}

func newPool(t target, ceil uint32, timeout time.Duration) (*pool, *conn, error) {
	p := &pool{t: t, timeout: timeout, ceil: ceil}
	c, err := p.get()
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

func (p *pool) get() (*conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	// Pool exhausted: dial a fresh, short-lived connection rather than
	// queuing the caller. This keeps the fast path (idle conn
	// available) simple, at the cost of occasionally exceeding ceil
	// under a concurrency burst; put() closes the surplus back down.
	p.opened++
	p.mu.Unlock()

	c, err := dial(p.t, p.timeout)
	if err != nil {
		p.mu.Lock()
		p.opened--
		p.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (p *pool) put(c *conn) {
	p.mu.Lock()
	if uint32(len(p.idle)) >= p.ceil {
		p.opened--
		p.mu.Unlock()
		c.close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

func (p *pool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range p.idle {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}
