package task

import (
	"errors"
	"sync/atomic"
)

// ErrContextLost is returned when a task tries to reach the repository
// which created it after that repository has been closed.
var ErrContextLost = errors.New("task: owning context is gone")

// A Handle is a non-owning reference to the context which created a task.
// Get returns the context until Release is called, and ErrContextLost
// afterwards. Get and Release may be called concurrently.
type Handle struct {
	p atomic.Pointer[holder]
}

type holder struct {
	v interface{}
}

// NewHandle returns a handle resolving to v.
func NewHandle(v interface{}) *Handle {
	h := &Handle{}
	h.p.Store(&holder{v: v})
	return h
}

// Get resolves the handle. A nil Handle is always gone.
func (h *Handle) Get() (interface{}, error) {
	if h == nil {
		return nil, ErrContextLost
	}
	x := h.p.Load()
	if x == nil {
		return nil, ErrContextLost
	}
	return x.v, nil
}

// Release makes every later Get fail.
func (h *Handle) Release() {
	h.p.Store(nil)
}

// Live is true if Get would succeed.
func (h *Handle) Live() bool {
	return h != nil && h.p.Load() != nil
}
