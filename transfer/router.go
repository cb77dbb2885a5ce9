package transfer

import (
	"sync"

	"github.com/pithecene-io/shutter/types"
)

// Router forwards inbound acks to the single active session.
type Router struct {
	mu     sync.Mutex
	active *Session
}

// Attach makes s the active session. The returned func detaches it and is
// a no-op if another session has been attached since.
func (r *Router) Attach(s *Session) (detach func()) {
	r.mu.Lock()
	r.active = s
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.active == s {
			r.active = nil
		}
		r.mu.Unlock()
	}
}

// Route delivers ack to the active session. Returns false when no session
// is active or the session did not accept it.
func (r *Router) Route(ack types.Ack) bool {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Deliver(ack)
}

// current returns the attached session, or nil.
func (r *Router) current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
