// Package registry holds the engine's concurrency-safe bookkeeping: the
// in-flight build and teardown requests and the links currently owned by the
// engine. Lookups return copies; callers never see a live entry.
package registry

import (
	"fmt"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/lane"
)

// AdapterRef identifies one outstanding adapter call.
type AdapterRef struct {
	Kind adapter.Kind
	ID   uint32
}

// String returns "kind#id".
func (r AdapterRef) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

// table is a keyed collection with a secondary index over the adapter calls
// each entry has outstanding. It is not safe for concurrent use; owners guard
// it with their own lock.
type table[K comparable, V any] struct {
	items     map[K]*V
	byAdapter map[AdapterRef]K
	refs      func(*V) []AdapterRef
}

func newTable[K comparable, V any](refs func(*V) []AdapterRef) *table[K, V] {
	return &table[K, V]{
		items:     make(map[K]*V),
		byAdapter: make(map[AdapterRef]K),
		refs:      refs,
	}
}

func (t *table[K, V]) len() int {
	return len(t.items)
}

func (t *table[K, V]) add(key K, v V) error {
	if _, exists := t.items[key]; exists {
		return fmt.Errorf("%w: duplicate key %v", lane.ErrInvalidParam, key)
	}
	if err := t.checkRefs(key, &v); err != nil {
		return err
	}
	t.items[key] = &v
	t.index(key, &v)
	return nil
}

func (t *table[K, V]) get(key K) (V, error) {
	v, ok := t.items[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %v", lane.ErrNotFound, key)
	}
	return *v, nil
}

func (t *table[K, V]) getByAdapter(ref AdapterRef) (V, error) {
	key, ok := t.byAdapter[ref]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: adapter call %s", lane.ErrNotFound, ref)
	}
	return t.get(key)
}

// update applies fn to a working copy and commits it only when the adapter
// references it leaves behind are still unique.
func (t *table[K, V]) update(key K, fn func(*V)) (V, error) {
	cur, ok := t.items[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %v", lane.ErrNotFound, key)
	}
	next := *cur
	fn(&next)
	if err := t.checkRefs(key, &next); err != nil {
		return *cur, err
	}
	t.unindex(cur)
	*cur = next
	t.index(key, cur)
	return next, nil
}

func (t *table[K, V]) remove(key K) (V, error) {
	v, ok := t.items[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %v", lane.ErrNotFound, key)
	}
	t.unindex(v)
	delete(t.items, key)
	return *v, nil
}

func (t *table[K, V]) snapshot() []V {
	out := make([]V, 0, len(t.items))
	for _, v := range t.items {
		out = append(out, *v)
	}
	return out
}

func (t *table[K, V]) clear() {
	t.items = make(map[K]*V)
	t.byAdapter = make(map[AdapterRef]K)
}

func (t *table[K, V]) checkRefs(key K, v *V) error {
	for _, ref := range t.refs(v) {
		if owner, taken := t.byAdapter[ref]; taken && owner != key {
			return fmt.Errorf("%w: adapter call %s already outstanding for %v", lane.ErrInvalidParam, ref, owner)
		}
	}
	return nil
}

func (t *table[K, V]) index(key K, v *V) {
	for _, ref := range t.refs(v) {
		t.byAdapter[ref] = key
	}
}

func (t *table[K, V]) unindex(v *V) {
	for _, ref := range t.refs(v) {
		delete(t.byAdapter, ref)
	}
}
