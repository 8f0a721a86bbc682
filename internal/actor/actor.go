// Package actor provides the single-goroutine, command-channel concurrency
// primitive used by this forwarder's request-correlation map and per-query
// forward state: each has its mutations serialized through one owning task
// rather than guarded by a mutex directly (the cache, by contrast, uses a
// sync.Mutex). Actor is that task, generalized out of the
// request-correlation map's original hand-rolled run-loop so every
// actor-shaped type in the module shares one implementation.
package actor

// Actor runs arbitrary closures one at a time on a dedicated goroutine.
type Actor struct {
	cmds chan func()
	done chan struct{}
}

// New starts an Actor's goroutine.
func New() *Actor {
	a := &Actor{
		cmds: make(chan func(), 256),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case cmd := <-a.cmds:
			cmd()
		case <-a.done:
			return
		}
	}
}

// Go enqueues fn to run on the actor's goroutine without waiting for it to
// finish. Returns false if the actor has been stopped.
func (a *Actor) Go(fn func()) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.cmds <- fn:
		return true
	case <-a.done:
		return false
	}
}

// Call runs fn on the actor's goroutine and blocks until it completes.
// Returns false if the actor has been stopped, in which case fn did not run.
func (a *Actor) Call(fn func()) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	result := make(chan struct{})
	select {
	case a.cmds <- func() { fn(); close(result) }:
		<-result
		return true
	case <-a.done:
		return false
	}
}

// Stopped reports whether Stop has been called.
func (a *Actor) Stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Stop halts the actor's goroutine. Idempotent. Commands already enqueued
// before Stop may or may not run; commands enqueued after Stop never do.
func (a *Actor) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}
