package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registry maps correlation keys to commands awaiting a response. It is safe
// for registration from callers and lookup/removal from the notification path.
type Registry struct {
	m sync.Map // uuid.UUID -> Command
	n atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds cmd under its key.
func (r *Registry) Register(cmd Command) error {
	if _, loaded := r.m.LoadOrStore(cmd.Key(), cmd); loaded {
		return ErrDuplicateKey
	}
	r.n.Add(1)
	return nil
}

// Lookup returns the command registered under key. A miss means the packet
// is unsolicited, not that anything went wrong.
func (r *Registry) Lookup(key uuid.UUID) (Command, bool) {
	v, ok := r.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(Command), true
}

// Remove deletes key and reports whether it was present.
func (r *Registry) Remove(key uuid.UUID) bool {
	if _, ok := r.m.LoadAndDelete(key); ok {
		r.n.Add(-1)
		return true
	}
	return false
}

// Len returns the number of pending commands.
func (r *Registry) Len() int {
	return int(r.n.Load())
}

// FailAll removes every pending command and calls Failed on it.
// It returns the number of commands failed.
func (r *Registry) FailAll() int {
	failed := 0
	r.m.Range(func(k, v any) bool {
		if _, ok := r.m.LoadAndDelete(k); ok {
			r.n.Add(-1)
			v.(Command).Failed()
			failed++
		}
		return true
	})
	return failed
}
