package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGate_OpenDoesNotBlock(t *testing.T) {
	g := New(false)
	assert.NoError(t, g.Wait(context.Background()))
}

func TestGate_OpenReleasesAllWaiters(t *testing.T) {
	g := New(true)
	var wg sync.WaitGroup
	released := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Wait(context.Background()) == nil {
				released <- struct{}{}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, released, 0)

	g.Open()
	wg.Wait()
	assert.Len(t, released, 3)
}

func TestGate_WaitHonoursCancellation(t *testing.T) {
	g := New(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
	assert.True(t, g.IsClosed())
}

func TestGate_Set(t *testing.T) {
	g := New(false)
	g.Set(true)
	assert.True(t, g.IsClosed())
	g.Set(false)
	assert.False(t, g.IsClosed())
}
