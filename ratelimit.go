package coopsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// for testing purposes
var (
	timeNow   = time.Now
	timeAfter = time.After
)

const rateLimiterPollInterval = 50 * time.Millisecond

type (
	// RateLimiterSpec configures a [RateLimiter]: at most Limit grants per
	// sliding Period. Spread additionally enforces a minimum inter-grant gap
	// of Period/Limit, smoothing bursts across the window.
	RateLimiterSpec struct {
		Limit  int
		Period time.Duration
		Spread bool
	}

	// RateLimiterState is the persistent-shaped state record of a
	// [RateLimiter]. First is the window start and Last the most recent
	// grant, both in unix milliseconds. Version increments on each window
	// reset or spec adoption, for the benefit of external stores.
	RateLimiterState struct {
		Spec    RateLimiterSpec
		Version int64
		First   int64
		Last    int64
		Count   int
	}

	// RateLimiterStore is the storage extension hook for [RateLimiter]
	// state. The default keeps state in memory; implementations may back it
	// onto shared storage to coordinate across processes. GetState returns
	// nil (and no error) when no state exists for the label.
	RateLimiterStore interface {
		GetState(label string) (*RateLimiterState, error)
		SetState(label string, state *RateLimiterState) error
	}

	// RateLimiter enforces a count-per-period limit. Wait returns a
	// deferred resolving when it is safe to proceed, polling while the
	// current window is exhausted (or, in spread mode, while the minimum
	// inter-grant gap has not yet elapsed).
	//
	// Instances are obtained via [NewRateLimiter] or
	// [RateLimiterRegistry.Limiter], which make limiters singletons per
	// label: the first constructor wins, and later calls receive the
	// originally registered instance, their specs ignored.
	RateLimiter struct {
		label  string
		spec   RateLimiterSpec
		store  RateLimiterStore
		lock   *Lock // serializes the initial state load
		state  *RateLimiterState
		loaded bool
		mu     sync.Mutex
	}

	// RateLimiterOption models a configuration option for [RateLimiter]
	// construction.
	RateLimiterOption func(x *RateLimiter)
)

// WithRateLimiterStore overrides the state storage hook. The default is an
// in-memory store private to the limiter.
func WithRateLimiterStore(store RateLimiterStore) RateLimiterOption {
	return func(x *RateLimiter) {
		x.store = store
	}
}

type memoryStore struct {
	states map[string]*RateLimiterState
	mu     sync.Mutex
}

// NewMemoryStore initializes an in-memory [RateLimiterStore], usable across
// multiple limiters.
func NewMemoryStore() RateLimiterStore {
	return &memoryStore{states: make(map[string]*RateLimiterState)}
}

func (x *memoryStore) GetState(label string) (*RateLimiterState, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	state, ok := x.states[label]
	if !ok {
		return nil, nil
	}
	v := *state
	return &v, nil
}

func (x *memoryStore) SetState(label string, state *RateLimiterState) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	v := *state
	x.states[label] = &v
	return nil
}

func newRateLimiter(label string, spec RateLimiterSpec, opts ...RateLimiterOption) *RateLimiter {
	if spec.Limit <= 0 || spec.Period <= 0 {
		panic(fmt.Errorf(`coopsync: rate limiter %q: invalid spec %+v: %w`, label, spec, ErrInvalidState))
	}
	x := &RateLimiter{
		label: label,
		spec:  spec,
		lock:  NewLock(),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.store == nil {
		x.store = NewMemoryStore()
	}
	return x
}

// Label returns the limiter's label.
func (x *RateLimiter) Label() string { return x.label }

// Spec returns the limiter's spec.
func (x *RateLimiter) Spec() RateLimiterSpec { return x.spec }

// Wait returns a deferred that resolves once a grant has been consumed
// under the limiter's spec. Cancelling the returned deferred abandons the
// wait without consuming a grant.
func (x *RateLimiter) Wait() *Deferred[struct{}] {
	d := NewDeferred[struct{}]()
	go x.wait(d)
	return d
}

func (x *RateLimiter) wait(d *Deferred[struct{}]) {
	settled := d.ToChannel()
	if err := x.ensureLoaded(); err != nil {
		_ = d.Reject(err)
		return
	}
	for {
		if d.Done() {
			return
		}
		if x.tryAcquire() {
			if err := d.Resolve(struct{}{}); err != nil {
				// cancelled in the settle window: release the slot
				x.refund()
			}
			return
		}
		select {
		case <-settled:
			return
		case <-timeAfter(rateLimiterPollInterval):
		}
	}
}

// ensureLoaded loads (or initializes) state from the store, exactly once,
// serialized under the limiter's cooperative lock.
func (x *RateLimiter) ensureLoaded() error {
	if _, err := x.lock.Acquire().Await(context.Background()); err != nil {
		return err
	}
	defer func() {
		_ = x.lock.Release()
	}()

	x.mu.Lock()
	loaded := x.loaded
	x.mu.Unlock()
	if loaded {
		return nil
	}

	state, err := x.store.GetState(x.label)
	if err != nil {
		return fmt.Errorf(`coopsync: rate limiter %q: load state: %w`, x.label, err)
	}
	if state == nil || state.Spec != x.spec {
		var version int64 = 1
		if state != nil {
			version = state.Version + 1
		}
		state = &RateLimiterState{
			Spec:    x.spec,
			Version: version,
			First:   timeNow().UnixMilli(),
		}
		x.persist(state)
	}

	x.mu.Lock()
	x.state = state
	x.loaded = true
	x.mu.Unlock()
	return nil
}

// tryAcquire attempts to consume one grant at the current time, resetting
// the window first if it has expired.
func (x *RateLimiter) tryAcquire() bool {
	x.mu.Lock()
	state := x.state
	now := timeNow().UnixMilli()

	if now-state.First > x.spec.Period.Milliseconds() {
		// boundary-aligned reset: the window restarts now, not at
		// First+Period
		state.Count = 0
		state.First = now
		state.Version++
		snapshot := *state
		x.persist(&snapshot)
		if logger := getLogger(); logger != nil {
			logger.Debug().
				Str(`label`, x.label).
				Int64(`version`, state.Version).
				Log(`coopsync: rate limiter period reset`)
		}
	}

	if state.Count >= x.spec.Limit {
		x.mu.Unlock()
		return false
	}
	if x.spec.Spread && state.Last != 0 {
		if gap := x.spec.Period.Milliseconds() / int64(x.spec.Limit); now-state.Last < gap {
			x.mu.Unlock()
			return false
		}
	}

	state.Count++
	state.Last = now
	snapshot := *state
	x.mu.Unlock()
	x.persist(&snapshot)
	return true
}

// refund releases a grant that was never delivered to a waiter.
func (x *RateLimiter) refund() {
	x.mu.Lock()
	if x.state.Count > 0 {
		x.state.Count--
	}
	snapshot := *x.state
	x.mu.Unlock()
	x.persist(&snapshot)
}

// persist writes state to the store in the background; the limiter never
// waits on its storage hook.
func (x *RateLimiter) persist(state *RateLimiterState) {
	go func() {
		_ = x.store.SetState(x.label, state)
	}()
}

// ============================================================================
// Registry and group
// ============================================================================

// RateLimiterRegistry maps labels to singleton [RateLimiter] instances. It
// is an explicit, injectable value rather than hidden global state, so
// tests and multi-tenant callers can hold independent registries;
// [DefaultRateLimiterRegistry] serves the common case.
type RateLimiterRegistry struct {
	limiters map[string]*RateLimiter
	mu       sync.Mutex
}

// NewRateLimiterRegistry initializes an empty registry.
func NewRateLimiterRegistry() *RateLimiterRegistry {
	return &RateLimiterRegistry{limiters: make(map[string]*RateLimiter)}
}

// DefaultRateLimiterRegistry is the process-wide registry used by
// [NewRateLimiter].
var DefaultRateLimiterRegistry = NewRateLimiterRegistry()

// Limiter returns the limiter registered under label, creating it with spec
// and opts if absent. The first constructor wins: spec and opts are ignored
// when the label already exists. Panics on an invalid spec (Limit or Period
// not positive) for a new label.
func (x *RateLimiterRegistry) Limiter(label string, spec RateLimiterSpec, opts ...RateLimiterOption) *RateLimiter {
	x.mu.Lock()
	defer x.mu.Unlock()
	if limiter, ok := x.limiters[label]; ok {
		return limiter
	}
	limiter := newRateLimiter(label, spec, opts...)
	x.limiters[label] = limiter
	return limiter
}

// Labels returns the registered labels, sorted.
func (x *RateLimiterRegistry) Labels() []string {
	x.mu.Lock()
	labels := make([]string, 0, len(x.limiters))
	for label := range x.limiters {
		labels = append(labels, label)
	}
	x.mu.Unlock()
	slices.Sort(labels)
	return labels
}

// NewRateLimiter returns the limiter registered under label in
// [DefaultRateLimiterRegistry], creating it with spec and opts if absent.
func NewRateLimiter(label string, spec RateLimiterSpec, opts ...RateLimiterOption) *RateLimiter {
	return DefaultRateLimiterRegistry.Limiter(label, spec, opts...)
}

// RateLimiterGroup is an ordered collection of limiters whose Wait resolves
// only once every member has granted.
type RateLimiterGroup struct {
	registry *RateLimiterRegistry
	limiters []*RateLimiter
	mu       sync.Mutex
}

// NewRateLimiterGroup initializes a group resolving labels through
// registry. A nil registry means [DefaultRateLimiterRegistry].
func NewRateLimiterGroup(registry *RateLimiterRegistry) *RateLimiterGroup {
	if registry == nil {
		registry = DefaultRateLimiterRegistry
	}
	return &RateLimiterGroup{registry: registry}
}

// Add appends the limiter registered under label (created with spec and
// opts if absent) to the group, returning it.
func (x *RateLimiterGroup) Add(label string, spec RateLimiterSpec, opts ...RateLimiterOption) *RateLimiter {
	limiter := x.registry.Limiter(label, spec, opts...)
	x.mu.Lock()
	x.limiters = append(x.limiters, limiter)
	x.mu.Unlock()
	return limiter
}

// Limiters returns the group's members, in insertion order.
func (x *RateLimiterGroup) Limiters() []*RateLimiter {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.limiters)
}

// Wait returns a deferred resolving once every member limiter has granted,
// awaiting them concurrently. Cancelling the returned deferred cancels the
// members' outstanding waits.
func (x *RateLimiterGroup) Wait() *Deferred[struct{}] {
	x.mu.Lock()
	waits := make([]*Deferred[struct{}], len(x.limiters))
	for i, limiter := range x.limiters {
		waits[i] = limiter.Wait()
	}
	x.mu.Unlock()

	d := NewDeferred[struct{}]()
	d.OnSettle(func(d *Deferred[struct{}]) {
		if !d.Cancelled() {
			return
		}
		for _, w := range waits {
			w.Cancel()
		}
	})
	All(waits...).OnSettle(func(all *Deferred[[]struct{}]) {
		if _, err := all.Result(); err != nil {
			_ = d.Reject(err)
		} else {
			_ = d.Resolve(struct{}{})
		}
	})
	return d
}
