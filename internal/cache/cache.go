// Package cache holds the latest value of every path in each service namespace.
//
// The engine is the only writer. It stages the updates of one frame in a Tx and
// commits them under a single lock, so readers never observe part of a frame.
// Readers use Snapshot, Get and OnChange from any goroutine.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/resident-x/go-rvc/internal/domain"
)

var (
	// ErrUnregisteredPath is returned when writing a path that was never registered.
	ErrUnregisteredPath = errors.New("path not registered")
	// ErrKindMismatch is returned when a write or registration disagrees with the path's kind.
	ErrKindMismatch = errors.New("path kind mismatch")
)

// Entry is the cached state of one path.
type Entry struct {
	Path        string           `json:"path"`
	Value       domain.Value     `json:"-"`
	Kind        domain.ValueKind `json:"-"`
	Unit        string           `json:"unit,omitempty"`
	Description string           `json:"description,omitempty"`
	Updated     time.Time        `json:"updated"`
	Stale       bool             `json:"stale"`
}

// Current returns the value as readers should see it: unavailable while stale.
func (e Entry) Current() domain.Value {
	if e.Stale {
		return domain.Unavailable(e.Kind)
	}
	return e.Value
}

type subscription struct {
	id   int
	ns   domain.Namespace
	path string
	fn   func(domain.Change)
}

// Cache is the per-namespace path value store.
type Cache struct {
	mu      sync.RWMutex
	entries map[domain.Namespace]map[string]*Entry
	subs    []subscription
	nextID  int
	closed  bool
}

// New creates an empty cache for every namespace.
func New() *Cache {
	c := &Cache{
		entries: make(map[domain.Namespace]map[string]*Entry),
	}
	for _, ns := range domain.Namespaces() {
		c.entries[ns] = make(map[string]*Entry)
	}
	return c
}

// Register declares a path before its first write. Registering an existing path
// with the same kind is a no-op.
func (c *Cache) Register(ns domain.Namespace, path string, kind domain.ValueKind, unit, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.entries[ns]
	if !ok {
		return fmt.Errorf("unknown namespace %q", ns)
	}
	if existing, ok := entries[path]; ok {
		if existing.Kind != kind {
			return fmt.Errorf("%w: %s%s is %s, not %s", ErrKindMismatch, ns, path, existing.Kind, kind)
		}
		return nil
	}

	entries[path] = &Entry{
		Path:        path,
		Kind:        kind,
		Unit:        unit,
		Description: description,
		Value:       domain.Unavailable(kind),
	}
	return nil
}

// Registered reports whether a path has been registered.
func (c *Cache) Registered(ns domain.Namespace, path string) bool {
	_, ok := c.Get(ns, path)
	return ok
}

// Get returns the cached entry for a path.
func (c *Cache) Get(ns domain.Namespace, path string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[ns][path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a point-in-time copy of a namespace.
func (c *Cache) Snapshot(ns domain.Namespace) map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries[ns]))
	for p, e := range c.entries[ns] {
		out[p] = *e
	}
	return out
}

// Paths returns the registered paths of a namespace in sorted order.
func (c *Cache) Paths(ns domain.Namespace) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.entries[ns]))
	for p := range c.entries[ns] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LastUpdate returns the most recent good write in a namespace.
func (c *Cache) LastUpdate(ns domain.Namespace) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var last time.Time
	for _, e := range c.entries[ns] {
		if e.Updated.After(last) {
			last = e.Updated
		}
	}
	return last
}

// OnChange registers fn for changes of one path, or of every path in the namespace
// when path is empty. Callbacks run on the writer's goroutine after the commit and
// must not block. The returned function cancels the subscription.
func (c *Cache) OnChange(ns domain.Namespace, path string, fn func(domain.Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, ns: ns, path: path, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Close drops every subscription. The cache stays readable.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs = nil
	c.closed = true
}

// Begin starts a transaction. A Tx belongs to the single writer and is not safe for concurrent use.
func (c *Cache) Begin() *Tx {
	return &Tx{
		cache:   c,
		pending: make(map[Key]domain.Value),
	}
}

// apply writes updates under the lock and returns the resulting changes.
func (c *Cache) apply(keys []Key, pending map[Key]domain.Value, ts time.Time) ([]domain.Change, []subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changes []domain.Change
	for _, k := range keys {
		e, ok := c.entries[k.Namespace][k.Path]
		if !ok {
			continue
		}
		v := pending[k]
		before := e.Current()

		if v.Available {
			e.Value = v
			e.Stale = false
			e.Updated = ts
		} else {
			// Keep the last good value; mark it stale.
			e.Stale = true
		}

		after := e.Current()
		if !after.Equal(before) {
			changes = append(changes, domain.Change{
				Namespace: k.Namespace,
				Path:      k.Path,
				Value:     after,
				Previous:  before,
				Timestamp: ts,
			})
		}
	}

	if c.closed || len(changes) == 0 {
		return changes, nil
	}
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	return changes, subs
}
