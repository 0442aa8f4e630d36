package store

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory keeps items in memory. It is used by tests, and as the catalog
// source of a server which has nothing configured.
//
// An item becomes visible when the writer returned by Create is closed.
// Until then its key is reserved: Open reports ErrNotExist and a second
// Create reports ErrKeyExists.
type Memory struct {
	m       sync.RWMutex
	items   map[string][]byte
	pending map[string]bool
}

var _ Store = &Memory{}

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{
		items:   make(map[string][]byte),
		pending: make(map[string]bool),
	}
}

// List returns a channel giving every key in the store, in sorted order.
// The keys are collected before the first one is sent.
func (ms *Memory) List() <-chan string {
	keys, _ := ms.ListPrefix("")
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns the keys beginning with prefix, in sorted order.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.items {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result, nil
}

// Open returns a reader over the item and its size. Items are never
// changed in place, so the reader needs no lock.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	b, ok := ms.items[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	return memReader{bytes.NewReader(b)}, int64(len(b)), nil
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

// Create reserves key and returns a writer for its content.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.items[key]; ok || ms.pending[key] {
		return nil, ErrKeyExists
	}
	ms.pending[key] = true
	return &memWriter{ms: ms, key: key}, nil
}

type memWriter struct {
	ms  *Memory
	key string
	buf bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Close commits the item, unless its key was deleted while it was being
// written.
func (w *memWriter) Close() error {
	ms := w.ms
	if ms == nil {
		return nil
	}
	w.ms = nil
	ms.m.Lock()
	if ms.pending[w.key] {
		delete(ms.pending, w.key)
		ms.items[w.key] = w.buf.Bytes()
	}
	ms.m.Unlock()
	return nil
}

// Delete removes key, and abandons a write to it in progress. Deleting a
// missing key is not an error.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.items, key)
	delete(ms.pending, key)
	ms.m.Unlock()
	return nil
}
