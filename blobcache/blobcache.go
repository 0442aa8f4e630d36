// Package blobcache keeps copies of catalog source content close to the
// server. It is backed by a store, so it can be entirely in memory or
// disk-backed.
//
// The cached contents live in the store, but the usage list is kept only in
// memory. Scan enumerates what is already in the store and adds it to the
// usage list in an undetermined order.
//
// Items are replaced least recently used first.
package blobcache

import (
	"container/list"
	"errors"
	"io"
	"sync"

	"github.com/ndlib/bcat/store"
)

// Cache is the interface the server uses to look aside before reading a
// catalog source.
type Cache interface {
	// Contains reports whether key is cached, without touching its usage.
	Contains(key string) bool

	// Get returns a reader for key, or a nil reader on a miss. A miss is
	// not an error.
	Get(key string) (store.ReadAtCloser, int64, error)

	// Put returns a writer which adds key to the cache once closed.
	Put(key string) (io.WriteCloser, error)

	// Delete removes key so a newer copy can be put. Deleting a key which
	// is not cached is not an error.
	Delete(key string) error
}

// ErrCacheFull means an item could not fit even after evicting everything
// else.
var ErrCacheFull = errors.New("blobcache: cache is full and no more items can be removed")

// LRU is a size bounded Cache.
type LRU struct {
	s       store.Store // where cached items are stored
	maxSize int64

	m       sync.Mutex // protects everything below
	size    int64      // bytes in use, counting reservations of open writers
	lru     *list.List // front is most recently used
	index   map[string]*list.Element
	pending map[string]struct{} // keys with an open writer
}

type entry struct {
	key  string
	size int64
}

var _ Cache = &LRU{}

// NewLRU creates a cache holding at most maxSize bytes in s. The store may
// already have items in it; call Scan, inline or in a goroutine, to account
// for them.
func NewLRU(s store.Store, maxSize int64) *LRU {
	return &LRU{
		s:       s,
		maxSize: maxSize,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
		pending: make(map[string]struct{}),
	}
}

// Scan adds the items already in the store to the cache. Items which do not
// fit are deleted from the store.
func (t *LRU) Scan() {
	for key := range t.s.List() {
		if t.Contains(key) {
			continue
		}
		rc, size, err := t.s.Open(key)
		if err != nil {
			continue
		}
		rc.Close()
		if size > t.maxSize {
			t.s.Delete(key)
			continue
		}
		if err := t.reserve(size); err != nil {
			t.s.Delete(key)
			continue
		}
		t.m.Lock()
		t.index[key] = t.lru.PushBack(entry{key: key, size: size})
		t.m.Unlock()
	}
}

// Size returns the number of bytes the cache is using.
func (t *LRU) Size() int64 {
	t.m.Lock()
	defer t.m.Unlock()
	return t.size
}

// Contains returns true if key is in the cache. It does not guarantee the
// item will still be there when Get is called.
func (t *LRU) Contains(key string) bool {
	t.m.Lock()
	_, ok := t.index[key]
	t.m.Unlock()
	return ok
}

// Get returns a reader for key and marks it as most recently used. A nil
// reader with a nil error is a miss.
func (t *LRU) Get(key string) (store.ReadAtCloser, int64, error) {
	t.m.Lock()
	e, ok := t.index[key]
	if ok {
		t.lru.MoveToFront(e)
	}
	t.m.Unlock()
	if !ok {
		return nil, 0, nil
	}
	rac, size, err := t.s.Open(key)
	if err == store.ErrNotExist {
		// removed underneath us
		t.forget(key)
		return nil, 0, nil
	}
	return rac, size, err
}

// Put returns a WriteCloser which saves what is written under key. Items are
// evicted as content is written, and the item joins the cache when the
// writer is closed. Only one writer per key may be open, and Put on a cached
// key fails until the key is evicted.
func (t *LRU) Put(key string) (io.WriteCloser, error) {
	t.m.Lock()
	_, cached := t.index[key]
	_, busy := t.pending[key]
	if cached || busy {
		t.m.Unlock()
		return nil, store.ErrKeyExists
	}
	t.pending[key] = struct{}{}
	t.m.Unlock()

	w, err := t.s.Create(key)
	if err != nil {
		t.m.Lock()
		delete(t.pending, key)
		t.m.Unlock()
		return nil, err
	}
	return &writer{parent: t, key: key, w: w}, nil
}

// Delete removes key from the cache. A key which is being written is left
// alone.
func (t *LRU) Delete(key string) error {
	t.m.Lock()
	_, busy := t.pending[key]
	t.m.Unlock()
	if busy {
		return store.ErrKeyExists
	}
	t.forget(key)
	return t.s.Delete(key)
}

func (t *LRU) forget(key string) {
	t.m.Lock()
	defer t.m.Unlock()
	if e, ok := t.index[key]; ok {
		ent := t.lru.Remove(e).(entry)
		delete(t.index, key)
		t.size -= ent.size
	}
}

// save links a completely written item into the usage list.
func (t *LRU) save(w *writer) {
	t.m.Lock()
	defer t.m.Unlock()
	delete(t.pending, w.key)
	t.index[w.key] = t.lru.PushFront(entry{key: w.key, size: w.size})
}

// discard drops a partially written item and its reservation.
func (t *LRU) discard(w *writer) {
	t.s.Delete(w.key)
	t.m.Lock()
	defer t.m.Unlock()
	delete(t.pending, w.key)
	t.size -= w.size
}

// reserve space for size bytes, evicting items to stay under maxSize.
// Nothing is reserved if there is an error.
func (t *LRU) reserve(size int64) error {
	t.m.Lock()
	defer t.m.Unlock()

	t.size += size
	for t.size > t.maxSize {
		e := t.lru.Back()
		if e == nil {
			t.size -= size
			return ErrCacheFull
		}
		ent := t.lru.Remove(e).(entry)
		delete(t.index, ent.key)
		if err := t.s.Delete(ent.key); err != nil {
			t.size -= size
			return err
		}
		t.size -= ent.size
	}
	return nil
}
