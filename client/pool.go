package client

import (
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("client: pool closed")

// Pool keeps up to maxClients synchronous clients to one endpoint so that
// several goroutines can make calls concurrently, each on its own connection.
//
// Pool design: a buffered channel is the idle queue. Buffered channels are
// goroutine-safe and blocking on empty is built-in.
type Pool struct {
	mu         sync.Mutex
	idle       chan *Client
	maxClients int
	curClients int
	closed     bool
	factory    func() (*Client, error)
}

// NewPool creates a pool that opens clients lazily with factory.
func NewPool(maxClients int, factory func() (*Client, error)) *Pool {
	if maxClients < 1 {
		maxClients = 1
	}
	return &Pool{
		idle:       make(chan *Client, maxClients),
		maxClients: maxClients,
		factory:    factory,
	}
}

// Get borrows a client.
// Strategy:
//  1. Take an idle client from the channel, skipping closed ones
//  2. If none is idle but the pool is under its limit, open a new one
//  3. Otherwise block until one is returned
func (p *Pool) Get() (*Client, error) {
	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if c.Closed() {
				p.release()
				continue
			}
			return c, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.curClients < p.maxClients {
			p.curClients++
			p.mu.Unlock()
			c, err := p.factory()
			if err != nil {
				p.release()
				return nil, err
			}
			return c, nil
		}
		p.mu.Unlock()

		c, ok := <-p.idle
		if !ok {
			return nil, ErrPoolClosed
		}
		if c.Closed() {
			p.release()
			continue
		}
		return c, nil
	}
}

// Put returns a borrowed client. Closed clients are discarded.
func (p *Pool) Put(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || c.Closed() {
		c.Close()
		p.curClients--
		return
	}
	p.idle <- c
}

// Invoke borrows a client for one call.
func (p *Pool) Invoke(method string, args []any, kwargs map[string]any) (any, error) {
	c, err := p.Get()
	if err != nil {
		return nil, err
	}
	defer p.Put(c)
	return c.Invoke(method, args, kwargs)
}

// Method starts a method name builder whose calls go through the pool.
func (p *Pool) Method(name string) *Method {
	return NewMethod(p, name)
}

// Close closes every idle client. Borrowed clients are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	var errs []error
	for c := range p.idle {
		errs = append(errs, c.Close())
		p.curClients--
	}
	return errors.Join(errs...)
}

func (p *Pool) release() {
	p.mu.Lock()
	p.curClients--
	p.mu.Unlock()
}
