// Package session tracks the single live session each student may hold.
//
// A registry maps identity to the current session handle and handle to the
// device fingerprint it was opened from. When the same identity enters from a
// different device, the newest device wins and the previous handle stops being
// recognized. The memory registry is per process; deployments with more than
// one server instance use the Redis registry so all instances agree.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry is the identity -> handle -> fingerprint mapping.
type Registry interface {
	// CheckConflict reports whether identity holds a handle opened from a
	// different device, returning that handle.
	CheckConflict(ctx context.Context, identity, fingerprint string) (bool, string, error)
	Register(ctx context.Context, identity, handle, fingerprint string) error
	// Clear removes handle and, if it is the identity's current handle, the
	// identity mapping.
	Clear(ctx context.Context, handle string) error
	Lookup(ctx context.Context, identity string) (string, bool, error)
	// Active reports whether handle is the identity's current handle.
	Active(ctx context.Context, identity, handle string) (bool, error)
}

// EnterResult is the outcome of a protected-area entry.
type EnterResult struct {
	Handle  string
	Evicted bool
	// PriorHandle is the displaced handle when Evicted is set.
	PriorHandle string
}

// Enter registers a session for identity on the device fingerprint. A prior
// handle from another device is evicted; a prior handle from the same device
// is reused.
func Enter(ctx context.Context, reg Registry, identity, fingerprint string) (EnterResult, error) {
	conflict, prior, err := reg.CheckConflict(ctx, identity, fingerprint)
	if err != nil {
		return EnterResult{}, err
	}
	if conflict {
		if err := reg.Clear(ctx, prior); err != nil {
			return EnterResult{}, err
		}
	} else if current, ok, err := reg.Lookup(ctx, identity); err != nil {
		return EnterResult{}, err
	} else if ok {
		return EnterResult{Handle: current}, nil
	}

	handle := uuid.NewString()
	if err := reg.Register(ctx, identity, handle, fingerprint); err != nil {
		return EnterResult{}, err
	}
	res := EnterResult{Handle: handle, Evicted: conflict}
	if conflict {
		res.PriorHandle = prior
	}
	return res, nil
}

// MemoryRegistry keeps the mappings in process memory.
type MemoryRegistry struct {
	mu      sync.Mutex
	handles map[string]string // identity -> handle
	devices map[string]string // handle -> fingerprint
	owners  map[string]string // handle -> identity
}

// NewMemoryRegistry builds an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		handles: make(map[string]string),
		devices: make(map[string]string),
		owners:  make(map[string]string),
	}
}

// CheckConflict implements Registry.
func (r *MemoryRegistry) CheckConflict(_ context.Context, identity, fingerprint string) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.handles[identity]
	if !ok {
		return false, "", nil
	}
	device, ok := r.devices[prior]
	if ok && device != fingerprint {
		return true, prior, nil
	}
	return false, "", nil
}

// Register implements Registry.
func (r *MemoryRegistry) Register(_ context.Context, identity, handle, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.handles[identity]; ok && prior != handle {
		delete(r.devices, prior)
		delete(r.owners, prior)
	}
	r.handles[identity] = handle
	r.devices[handle] = fingerprint
	r.owners[handle] = identity
	return nil
}

// Clear implements Registry.
func (r *MemoryRegistry) Clear(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity, ok := r.owners[handle]; ok && r.handles[identity] == handle {
		delete(r.handles, identity)
	}
	delete(r.devices, handle)
	delete(r.owners, handle)
	return nil
}

// Lookup implements Registry.
func (r *MemoryRegistry) Lookup(_ context.Context, identity string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[identity]
	return handle, ok, nil
}

// Active implements Registry.
func (r *MemoryRegistry) Active(_ context.Context, identity, handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return handle != "" && r.handles[identity] == handle, nil
}
