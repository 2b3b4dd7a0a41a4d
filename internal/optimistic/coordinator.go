// Package optimistic implements the tentative apply / commit / rollback
// pattern used for every user-initiated change that is shown before the
// server confirms it: notification read flags, the unread counter, follow
// counts, application status.
//
// Several mutations may be in flight for the same key. Each Apply records
// the value it replaced; settling a mutation that is not the newest one
// hands its rollback base (or the server value, on commit) to the next
// newer mutation, so the visible value always reflects the latest intent.
package optimistic

import (
	"context"
	"sync"

	"livesync/internal/apperr"
)

// Token identifies one applied mutation.
type Token struct {
	key any
	id  uint64
}

type mutation[V any] struct {
	id   uint64
	prev V
}

type entry[V any] struct {
	value   V
	pending []*mutation[V]
}

// Coordinator holds locally cached values keyed by K. It is safe for
// concurrent use.
type Coordinator[K comparable, V any] struct {
	mu      sync.Mutex
	seq     uint64
	entries map[K]*entry[V]
}

func New[K comparable, V any]() *Coordinator[K, V] {
	return &Coordinator[K, V]{entries: make(map[K]*entry[V])}
}

func (c *Coordinator[K, V]) entry(key K) *entry[V] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{}
		c.entries[key] = e
	}
	return e
}

// Get returns the visible value for key.
func (c *Coordinator[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Pending reports whether key has unsettled mutations.
func (c *Coordinator[K, V]) Pending(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && len(e.pending) > 0
}

// Apply shows tentative immediately and remembers the replaced value.
func (c *Coordinator[K, V]) Apply(key K, tentative V) Token {
	return c.ApplyFunc(key, func(V) V { return tentative })
}

// ApplyFunc is Apply with the tentative value derived from the visible one.
func (c *Coordinator[K, V]) ApplyFunc(key K, fn func(V) V) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	c.seq++
	m := &mutation[V]{id: c.seq, prev: e.value}
	e.pending = append(e.pending, m)
	e.value = fn(e.value)
	return Token{key: key, id: m.id}
}

// settle removes the mutation behind tok and returns its entry, index and
// whether it was the newest one.
func (c *Coordinator[K, V]) settle(tok Token) (*entry[V], *mutation[V], int, bool) {
	key, ok := tok.key.(K)
	if !ok {
		return nil, nil, 0, false
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, nil, 0, false
	}
	for i, m := range e.pending {
		if m.id == tok.id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return e, m, i, true
		}
	}
	return nil, nil, 0, false
}

// Commit replaces the tentative value with the server's authoritative one.
// If newer mutations on the same key are still in flight, the visible value
// keeps showing the newest intent and server becomes their rollback base.
// Older mutations still in flight also fall back to server: the server
// answered after them, so a late failure of theirs must not resurrect the
// value they replaced.
func (c *Coordinator[K, V]) Commit(tok Token, server V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _, i, ok := c.settle(tok)
	if !ok {
		return false
	}
	if i == len(e.pending) {
		e.value = server
	} else {
		e.pending[i].prev = server
	}
	rebaseOlder(e, i, server)
	return true
}

// Confirm settles tok keeping the tentative value, for calls whose response
// carries no authoritative value.
func (c *Coordinator[K, V]) Confirm(tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _, i, ok := c.settle(tok)
	if !ok {
		return false
	}
	// A newer mutation was applied on top of ours, so its rollback base
	// already holds our tentative value.
	confirmed := e.value
	if i < len(e.pending) {
		confirmed = e.pending[i].prev
	}
	rebaseOlder(e, i, confirmed)
	return true
}

// rebaseOlder makes v the rollback base of the mutations applied before
// index i.
func rebaseOlder[V any](e *entry[V], i int, v V) {
	for _, m := range e.pending[:i] {
		m.prev = v
	}
}

// Rollback restores the value tok replaced and returns the visible value
// afterwards.
func (c *Coordinator[K, V]) Rollback(tok Token) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, m, i, ok := c.settle(tok)
	if !ok {
		var zero V
		return zero, false
	}
	if i == len(e.pending) {
		e.value = m.prev
	} else {
		e.pending[i].prev = m.prev
	}
	return e.value, true
}

// Override is an authoritative external write (an absolute push value). It
// becomes visible at once and is the rollback base of every in-flight
// mutation, since the server produced it without them.
func (c *Coordinator[K, V]) Override(key K, v V) {
	c.Reset(key, v, v)
}

// Reset sets the visible value and the rollback base of every pending
// mutation independently.
func (c *Coordinator[K, V]) Reset(key K, visible, base V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.value = visible
	for _, m := range e.pending {
		m.prev = base
	}
}

// Rebase records v as server truth without disturbing a tentative value:
// with mutations in flight only their rollback bases change, otherwise v
// becomes visible.
func (c *Coordinator[K, V]) Rebase(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	if len(e.pending) == 0 {
		e.value = v
		return
	}
	for _, m := range e.pending {
		m.prev = v
	}
}

// Update applies a relative delta to the visible value and to every rollback
// base, so a later rollback does not lose it.
func (c *Coordinator[K, V]) Update(key K, fn func(V) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.value = fn(e.value)
	for _, m := range e.pending {
		m.prev = fn(m.prev)
	}
	return e.value
}

// Mutation describes one optimistic REST round trip for Run.
type Mutation[V any] struct {
	// Tentative computes the value shown while Call is in flight.
	Tentative func(current V) V
	// Call performs the request and returns the authoritative value.
	Call func(ctx context.Context) (V, error)
	// Refetch loads the authoritative value after a conflict response. When
	// nil, a conflict keeps the tentative value.
	Refetch func(ctx context.Context) (V, error)
}

// Run applies m.Tentative, performs m.Call and commits or rolls back. A
// conflict is success-equivalent: the value is reconciled through Refetch.
// Any other failure rolls back and is returned to the caller for display.
func (c *Coordinator[K, V]) Run(ctx context.Context, key K, m Mutation[V]) (V, error) {
	tok := c.ApplyFunc(key, m.Tentative)

	server, err := m.Call(ctx)
	switch {
	case err == nil:
		c.Commit(tok, server)
		return server, nil
	case apperr.IsConflict(err):
		if m.Refetch == nil {
			c.Confirm(tok)
			v, _ := c.Get(key)
			return v, nil
		}
		fresh, ferr := m.Refetch(ctx)
		if ferr != nil {
			c.Confirm(tok)
			v, _ := c.Get(key)
			return v, nil
		}
		c.Commit(tok, fresh)
		return fresh, nil
	default:
		v, _ := c.Rollback(tok)
		return v, err
	}
}
