package cache

import (
	"fmt"
	"time"

	"github.com/resident-x/go-rvc/internal/domain"
)

// Key addresses one path in one namespace.
type Key struct {
	Namespace domain.Namespace
	Path      string
}

// Tx stages the writes of one frame.
type Tx struct {
	cache   *Cache
	pending map[Key]domain.Value
	order   []Key
}

// Set stages a value. The path must be registered and the kind must match.
func (tx *Tx) Set(ns domain.Namespace, path string, v domain.Value) error {
	e, ok := tx.cache.Get(ns, path)
	if !ok {
		return fmt.Errorf("%w: %s%s", ErrUnregisteredPath, ns, path)
	}
	if e.Kind != v.Kind {
		return fmt.Errorf("%w: %s%s is %s, got %s", ErrKindMismatch, ns, path, e.Kind, v.Kind)
	}

	k := Key{Namespace: ns, Path: path}
	if _, staged := tx.pending[k]; !staged {
		tx.order = append(tx.order, k)
	}
	tx.pending[k] = v
	return nil
}

// Get returns the value a reader would see after commit: the staged value if any,
// otherwise the committed one. Stale or missing paths are unavailable.
func (tx *Tx) Get(ns domain.Namespace, path string) domain.Value {
	if v, ok := tx.pending[Key{Namespace: ns, Path: path}]; ok {
		return v
	}
	e, ok := tx.cache.Get(ns, path)
	if !ok {
		return domain.Unavailable(domain.KindNumber)
	}
	return e.Current()
}

// Touched returns the staged keys in write order.
func (tx *Tx) Touched() []Key {
	out := make([]Key, len(tx.order))
	copy(out, tx.order)
	return out
}

// Len returns the number of staged keys.
func (tx *Tx) Len() int {
	return len(tx.order)
}

// Commit applies every staged write atomically, then notifies subscribers.
func (tx *Tx) Commit(ts time.Time) []domain.Change {
	if len(tx.order) == 0 {
		return nil
	}

	changes, subs := tx.cache.apply(tx.order, tx.pending, ts)
	tx.pending = make(map[Key]domain.Value)
	tx.order = nil

	for _, ch := range changes {
		for _, s := range subs {
			if s.ns == ch.Namespace && (s.path == "" || s.path == ch.Path) {
				s.fn(ch)
			}
		}
	}
	return changes
}
