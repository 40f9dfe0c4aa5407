package drivekit

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeToken represents a change notification token for a watched
// directory. Consumers either poll HasChanged or register a callback;
// ActiveChangeCallbacks tells them which is efficient for the underlying
// implementation. Tokens are single-use: once changed, always changed.
type ChangeToken interface {
	// HasChanged returns true once a change has occurred.
	HasChanged() bool

	// ActiveChangeCallbacks indicates whether the token proactively
	// raises callbacks. If false, consumers should poll instead.
	ActiveChangeCallbacks() bool

	// RegisterChangeCallback registers a callback invoked on change.
	// Returns a function to unregister it.
	RegisterChangeCallback(callback func()) (unregister func())
}

// CallbackChangeToken is a ChangeToken driven by native events. Drivers
// with real filesystem notifications (local, memory) signal it directly.
type CallbackChangeToken struct {
	mu        sync.RWMutex
	changed   atomic.Bool
	callbacks []func()
}

// NewCallbackChangeToken creates a ChangeToken that supports active callbacks.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *CallbackChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, callback)
	index := len(t.callbacks) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if index < len(t.callbacks) {
			// Set to nil instead of removing to avoid index shifting
			t.callbacks[index] = nil
		}
	}
}

// SignalChange marks the token as changed and invokes all callbacks.
// Called by the driver when a change is detected.
func (t *CallbackChangeToken) SignalChange() {
	if t.changed.Swap(true) {
		return // Already changed
	}

	t.mu.RLock()
	callbacks := make([]func(), len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

// PollingConfig configures a polling change token.
type PollingConfig struct {
	// Interval between polls (default: 5 seconds)
	Interval time.Duration
	// CheckFunc returns true if a change is detected
	CheckFunc func() bool
}

// pollingChangeToken is a ChangeToken for backends without native events,
// such as the object store. It polls CheckFunc at a fixed interval.
type pollingChangeToken struct {
	mu        sync.RWMutex
	changed   atomic.Bool
	callbacks []func()
	cancel    context.CancelFunc
	checkFunc func() bool
	interval  time.Duration
	stopped   atomic.Bool
}

// NewPollingChangeToken creates a ChangeToken that polls for changes.
//
// To prevent goroutine leaks, either cancel the context passed in or call
// Stop on the returned token when done. A finalizer cleans up if the token
// is garbage collected without being stopped, but do not rely on it.
func NewPollingChangeToken(ctx context.Context, config PollingConfig) *pollingChangeToken {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &pollingChangeToken{
		checkFunc: config.CheckFunc,
		interval:  config.Interval,
		cancel:    cancel,
	}

	runtime.SetFinalizer(t, func(token *pollingChangeToken) {
		if !token.stopped.Load() {
			token.Stop()
		}
	})

	go t.poll(ctx)

	return t
}

func (t *pollingChangeToken) poll(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	defer t.stopped.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.checkFunc != nil && t.checkFunc() {
				t.signalChange()
				return // Token is now "spent"
			}
		}
	}
}

func (t *pollingChangeToken) signalChange() {
	if t.changed.Swap(true) {
		return
	}

	t.mu.RLock()
	callbacks := make([]func(), len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

func (t *pollingChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *pollingChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *pollingChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, callback)
	index := len(t.callbacks) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if index < len(t.callbacks) {
			t.callbacks[index] = nil
		}
	}
}

// Stop terminates the polling goroutine. Safe to call multiple times.
func (t *pollingChangeToken) Stop() {
	t.cancel()
}
