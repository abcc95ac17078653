package client

import (
	"context"
	"sync"
)

// DialFunc opens the connection for key.
type DialFunc func(ctx context.Context, key string) (*Conn, error)

// Pool shares one connection per key between any number of holders.
type Pool struct {
	dial DialFunc

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	ready chan struct{} // closed once the dial finished
	conn  *Conn
	err   error
	refs  int
}

func NewPool(dial DialFunc) *Pool {
	return &Pool{dial: dial, entries: make(map[string]*poolEntry)}
}

// Acquire returns a handle on the connection for key, dialing it when no live
// one exists. Concurrent acquirers of a new key share a single dial.
func (p *Pool) Acquire(ctx context.Context, key string) (*Handle, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok && e.dead() {
		delete(p.entries, key)
		ok = false
	}
	if !ok {
		e = &poolEntry{ready: make(chan struct{})}
		p.entries[key] = e
		e.refs++
		p.mu.Unlock()

		e.conn, e.err = p.dial(ctx, key)
		close(e.ready)
		if e.err != nil {
			p.drop(key, e)
			return nil, e.err
		}
		return &Handle{pool: p, key: key, entry: e}, nil
	}
	e.refs++
	p.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		p.release(key, e)
		return nil, ctx.Err()
	}
	if e.err != nil {
		p.release(key, e)
		return nil, e.err
	}
	return &Handle{pool: p, key: key, entry: e}, nil
}

func (e *poolEntry) dead() bool {
	select {
	case <-e.ready:
	default:
		return false
	}
	if e.err != nil {
		return true
	}
	select {
	case <-e.conn.Done():
		return true
	default:
		return false
	}
}

func (p *Pool) drop(key string, e *poolEntry) {
	p.mu.Lock()
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

func (p *Pool) release(key string, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if last && e.conn != nil {
		e.conn.Close()
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Handle is one holder's reference to a pooled connection.
type Handle struct {
	pool  *Pool
	key   string
	entry *poolEntry
	once  sync.Once
}

func (h *Handle) Conn() *Conn { return h.entry.conn }

// Release drops this holder's reference; the last release closes the
// connection. Extra calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.key, h.entry) })
}
