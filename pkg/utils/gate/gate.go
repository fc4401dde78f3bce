// Package gate provides a broadcast gate: while closed, every Wait blocks;
// opening it releases all waiters at once.
package gate

import (
	"context"
	"sync"
)

type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func New(closed bool) *Gate {
	g := &Gate{closed: closed}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Close makes subsequent callers of Wait block.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Open releases every waiter.
func (g *Gate) Open() {
	g.mu.Lock()
	g.closed = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Set opens or closes the gate.
func (g *Gate) Set(closed bool) {
	if closed {
		g.Close()
	} else {
		g.Open()
	}
}

func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Wait blocks while the gate is closed. It returns ctx.Err() if ctx ends first.
func (g *Gate) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}
