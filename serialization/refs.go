package serialization

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RefStats counts reference cache lookups.
type RefStats struct {
	Hits   int
	Misses int
}

// RefObserver is notified of every reference cache lookup.
type RefObserver func(namespace string, hit bool)

// SendRefs maps semantic keys to the ids the receiver has already seen.
// Ids are dense, start at 1 and are never reused within a session.
type SendRefs struct {
	ids      map[string]int
	next     int
	stats    map[string]RefStats
	observer RefObserver
}

// NewSendRefs creates an empty send-side reference cache.
func NewSendRefs() *SendRefs {
	return &SendRefs{
		ids:   make(map[string]int),
		next:  1,
		stats: make(map[string]RefStats),
	}
}

// SetObserver installs fn to be called on every lookup.
func (r *SendRefs) SetObserver(fn RefObserver) {
	r.observer = fn
}

// GetOrRegister returns the id of key within namespace and whether the
// receiver already has it. A new key is assigned the next id.
func (r *SendRefs) GetOrRegister(namespace, key string) (int, bool) {
	k := namespace + "\x00" + key
	st := r.stats[namespace]
	id, ok := r.ids[k]
	if ok {
		st.Hits++
	} else {
		id = r.next
		r.next++
		r.ids[k] = id
		st.Misses++
	}
	r.stats[namespace] = st
	if r.observer != nil {
		r.observer(namespace, ok)
	}
	return id, ok
}

// Len returns the number of registered keys.
func (r *SendRefs) Len() int {
	return len(r.ids)
}

// Stats returns lookup counters for namespace.
func (r *SendRefs) Stats(namespace string) RefStats {
	return r.stats[namespace]
}

// ReceiveRefs maps ids to the values they were registered with.
type ReceiveRefs struct {
	values   map[int]any
	stats    map[string]RefStats
	observer RefObserver
}

// NewReceiveRefs creates an empty receive-side reference cache.
func NewReceiveRefs() *ReceiveRefs {
	return &ReceiveRefs{
		values: make(map[int]any),
		stats:  make(map[string]RefStats),
	}
}

// SetObserver installs fn to be called on every lookup.
func (r *ReceiveRefs) SetObserver(fn RefObserver) {
	r.observer = fn
}

// Register stores v under id. An id can only be registered once.
func (r *ReceiveRefs) Register(namespace string, id int, v any) error {
	if id < 1 {
		return protocolError("invalid reference id %d", id)
	}
	if _, ok := r.values[id]; ok {
		return protocolError("reference id %d registered twice", id)
	}
	r.values[id] = v
	st := r.stats[namespace]
	st.Misses++
	r.stats[namespace] = st
	if r.observer != nil {
		r.observer(namespace, false)
	}
	return nil
}

// Resolve returns the value registered under id.
func (r *ReceiveRefs) Resolve(namespace string, id int) (any, error) {
	v, ok := r.values[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %d", ErrProtocol, ErrUnknownRef, id)
	}
	st := r.stats[namespace]
	st.Hits++
	r.stats[namespace] = st
	if r.observer != nil {
		r.observer(namespace, true)
	}
	return v, nil
}

// Len returns the number of registered ids.
func (r *ReceiveRefs) Len() int {
	return len(r.values)
}

// Stats returns lookup counters for namespace.
func (r *ReceiveRefs) Stats(namespace string) RefStats {
	return r.stats[namespace]
}

// Objects records, per tree id, the last tree exchanged with the peer. It is
// the before value of the next exchange of the same tree.
type Objects struct {
	mu    sync.RWMutex
	trees map[uuid.UUID]any
}

// NewObjects creates an empty table.
func NewObjects() *Objects {
	return &Objects{trees: make(map[uuid.UUID]any)}
}

// Get returns the tree stored under id.
func (o *Objects) Get(id uuid.UUID) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.trees[id]
	return v, ok
}

// Put stores tree under id.
func (o *Objects) Put(id uuid.UUID, tree any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trees[id] = tree
}

// Reset forgets every tree.
func (o *Objects) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trees = make(map[uuid.UUID]any)
}

// Len returns the number of stored trees.
func (o *Objects) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.trees)
}
