package blobcache

import (
	"io"

	"github.com/ndlib/bcat/store"
)

// An EmptyCache always misses. It contains nothing and saves nothing.
type EmptyCache struct{}

// Contains always returns false.
func (EmptyCache) Contains(key string) bool {
	return false
}

// Get always returns a cache miss.
func (EmptyCache) Get(key string) (store.ReadAtCloser, int64, error) {
	return nil, 0, nil
}

// Put returns a valid WriteCloser which discards its input.
func (EmptyCache) Put(key string) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}

// Delete does nothing.
func (EmptyCache) Delete(key string) error {
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
