// Package cache holds a viewer's query results and keeps them in step with
// the shared store. Entries go stale on change events and are refetched on
// the next read; the server's answer always replaces whatever was cached.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"opsboard/internal/domain"
)

const DefaultSize = 512

// Entry is a snapshot of one cached query.
type Entry struct {
	Value      any
	Stale      bool
	Optimistic bool
	FetchedAt  time.Time

	token uint64
}

// Synchronizer is safe for use by a viewer's request path and its event loop
// at the same time.
type Synchronizer struct {
	mu      sync.Mutex
	entries *lru.Cache[Key, Entry]
	now     func() time.Time
	// gen moves on every invalidation so a fetch that raced one is stored stale.
	gen    uint64
	tokens uint64
}

func New(size int) *Synchronizer {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[Key, Entry](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Synchronizer{entries: entries, now: time.Now}
}

// Lookup returns the current entry for key without touching recency.
func (s *Synchronizer) Lookup(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Peek(key)
}

// Put stores a server value for key as fresh.
func (s *Synchronizer) Put(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(key, Entry{Value: value, FetchedAt: s.now()})
}

// Get returns the cached value for key when fresh, and otherwise calls fetch
// and caches its result. A not-found fetch purges the key.
func Get[T any](ctx context.Context, s *Synchronizer, key Key, fetch func(context.Context) (T, error)) (T, error) {
	s.mu.Lock()
	if e, ok := s.entries.Get(key); ok && !e.Stale {
		if v, ok := e.Value.(T); ok {
			s.mu.Unlock()
			return v, nil
		}
	}
	gen := s.gen
	s.mu.Unlock()

	v, err := fetch(ctx)
	if err != nil {
		if domain.ReasonOf(err) == domain.ReasonNotFound {
			s.Purge(key)
		}
		var zero T
		return zero, err
	}
	s.mu.Lock()
	s.entries.Add(key, Entry{Value: v, Stale: gen != s.gen, FetchedAt: s.now()})
	s.mu.Unlock()
	return v, nil
}

// Invalidate marks key stale. It reports whether anything changed, so calling
// it twice is harmless.
func (s *Synchronizer) Invalidate(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.invalidateLocked(key)
}

func (s *Synchronizer) invalidateLocked(key Key) bool {
	e, ok := s.entries.Peek(key)
	if !ok || e.Stale {
		return false
	}
	e.Stale = true
	s.entries.Add(key, e)
	return true
}

// InvalidateKind marks every key of kind stale, limited to scope when scope
// is non-empty. It returns the keys that changed.
func (s *Synchronizer) InvalidateKind(kind Kind, scope string) []Key {
	return s.invalidateWhere(func(k Key) bool {
		return k.Kind == kind && (scope == "" || k.Scope == scope)
	})
}

// InvalidateAll marks every entry stale.
func (s *Synchronizer) InvalidateAll() []Key {
	return s.invalidateWhere(func(Key) bool { return true })
}

func (s *Synchronizer) invalidateWhere(match func(Key) bool) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	var changed []Key
	for _, k := range s.entries.Keys() {
		if match(k) && s.invalidateLocked(k) {
			changed = append(changed, k)
		}
	}
	return changed
}

// Purge drops key entirely. It reports whether an entry was present.
func (s *Synchronizer) Purge(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.entries.Remove(key)
}

// Keys lists cached keys, oldest first.
func (s *Synchronizer) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Keys()
}

func (s *Synchronizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Token records what an optimistic write replaced.
type Token struct {
	key  Key
	id   uint64
	prev Entry
	had  bool
}

func (t Token) Key() Key { return t.key }

// Optimistic writes value ahead of the server's answer. Every call must be
// followed by exactly one Confirm or Revert with the returned token.
func (s *Synchronizer) Optimistic(key Key, value any) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens++
	prev, had := s.entries.Peek(key)
	tok := Token{key: key, id: s.tokens, prev: prev, had: had}
	s.entries.Add(key, Entry{Value: value, Optimistic: true, FetchedAt: prev.FetchedAt, token: tok.id})
	return tok
}

// Confirm replaces the optimistic value with the server's value. If the
// entry was invalidated, refetched or evicted while the write was in flight,
// the server value may already be superseded and is stored stale.
func (s *Synchronizer) Confirm(tok Token, serverValue any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries.Peek(tok.key)
	stale := !ok || cur.token != tok.id || cur.Stale
	s.entries.Add(tok.key, Entry{Value: serverValue, Stale: stale, FetchedAt: s.now()})
}

// Revert restores exactly what the optimistic write replaced, including its
// absence. It does nothing if the entry has since been overwritten by a
// fetch or invalidation, and reports whether it restored anything.
func (s *Synchronizer) Revert(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries.Peek(tok.key)
	if !ok || cur.token != tok.id || cur.Stale {
		return false
	}
	if tok.had {
		s.entries.Add(tok.key, tok.prev)
	} else {
		s.entries.Remove(tok.key)
	}
	return true
}
