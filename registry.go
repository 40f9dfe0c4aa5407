package drivekit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownBackend is returned when no configured backend matches
	// the requested identifier.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrDuplicateBackend is returned when two handles share an ID.
	ErrDuplicateBackend = errors.New("duplicate backend id")
	// ErrNilBackend is returned when a handle carries no driver.
	ErrNilBackend = errors.New("backend cannot be nil")
	// ErrEmptyBackendID is returned for a handle without an identifier.
	ErrEmptyBackendID = errors.New("backend id cannot be empty")
	// ErrInvalidBackendID is returned for an identifier carrying a path
	// separator or NUL.
	ErrInvalidBackendID = errors.New("invalid backend id")
)

// Registry is the process-wide set of configured backends, built once at
// the application's configuration boundary and immutable afterwards.
// Reconfiguration means building a new Registry and a new Service around
// it; nothing mutates a Registry during request handling.
type Registry struct {
	handles map[string]*BackendHandle
	ids     []string
}

// NewRegistry builds a registry from the given handles. IDs must be
// non-empty and unique; an ID must not contain a path separator.
func NewRegistry(handles ...*BackendHandle) (*Registry, error) {
	r := &Registry{handles: make(map[string]*BackendHandle, len(handles))}
	for _, h := range handles {
		if h == nil || h.Backend == nil {
			return nil, ErrNilBackend
		}
		if h.ID == "" {
			return nil, ErrEmptyBackendID
		}
		if strings.ContainsAny(h.ID, "/\x00") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBackendID, h.ID)
		}
		if _, exists := r.handles[h.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, h.ID)
		}
		r.handles[h.ID] = h
		r.ids = append(r.ids, h.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id string) (*BackendHandle, error) {
	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return h, nil
}

// IDs returns the registered backend identifiers in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Len returns the number of configured backends.
func (r *Registry) Len() int {
	return len(r.handles)
}
