package loader

import "sync"

// Looper runs functions one at a time on a single goroutine. Every decision
// about which task owns a target, and every call into a Target, happens here.
type Looper struct {
	mu      sync.RWMutex
	stopped bool
	funcs   chan func()
	done    chan struct{}
}

func NewLooper() *Looper {
	l := &Looper{
		funcs: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go l.loop()
	return l
}

func (l *Looper) loop() {
	defer close(l.done)
	for fn := range l.funcs {
		fn()
	}
}

// Post queues fn. It reports false if the looper has stopped.
func (l *Looper) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	l.funcs <- fn
	return true
}

// Do runs fn on the looper and waits for it. Calling Do from inside a
// function already running on the looper deadlocks.
func (l *Looper) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Stop runs what is already queued and then ends the goroutine.
func (l *Looper) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.funcs)
	}
	l.mu.Unlock()
	<-l.done
}
