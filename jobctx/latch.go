package jobctx

import "sync"

// pauseLatch is a one-shot awaitable: it starts open (no gate) and, once
// armed by Pause, blocks every Wait call until Release is called by Resume
// or Abort.
type pauseLatch struct {
	mu      sync.Mutex
	armed   bool
	release chan struct{}
}

func newPauseLatch() *pauseLatch {
	return &pauseLatch{}
}

// Arm puts the latch in the blocking state. Safe to call when already armed.
func (p *pauseLatch) Arm() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.armed {
		return
	}
	p.armed = true
	p.release = make(chan struct{})
}

// Release resolves the latch, unblocking every current and future Wait
// call until the next Arm. Safe to call when not armed.
func (p *pauseLatch) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.armed {
		return
	}
	p.armed = false
	close(p.release)
}

// Wait blocks until the latch is released (or was never armed), or until
// done fires (used to thread in the abort cancellation channel).
func (p *pauseLatch) Wait(done <-chan struct{}) {
	p.mu.Lock()
	if !p.armed {
		p.mu.Unlock()
		return
	}
	ch := p.release
	p.mu.Unlock()

	select {
	case <-ch:
	case <-done:
	}
}
