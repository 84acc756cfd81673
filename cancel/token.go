package cancel

import (
	"sync"
	"sync/atomic"
)

// Token is the stop signal handed to a running processor. Stopped
// flips on a graceful request; Done closes on an immediate or forced
// stop. Processors poll Stopped at item boundaries and select on Done
// inside blocking calls.
type Token struct {
	stopped atomic.Bool

	once sync.Once
	done chan struct{}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Stopped reports whether a cooperative stop was requested.
func (t *Token) Stopped() bool { return t.stopped.Load() }

// Done returns a channel closed when the job must stop now.
func (t *Token) Done() <-chan struct{} { return t.done }

// requestStop flags a cooperative stop. Idempotent.
func (t *Token) requestStop() { t.stopped.Store(true) }

// hardStop flags the stop and closes Done. Idempotent.
func (t *Token) hardStop() {
	t.stopped.Store(true)
	t.once.Do(func() { close(t.done) })
}
