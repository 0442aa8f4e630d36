package store

// Remote stores need to remember which keys exist and how large they are,
// to save a round trip on every Open. This file implements that cache.

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// head is the structure stored in a sizecache.
type head struct {
	expire time.Time
	size   int64 // size of item. 0 = ?, -1 = doesn't exist. see constant below
}

// A sizecache is used to remember the size or non-size of a remote object.
// The size is either a positive int64, 0 = we don't know, -1 = item doesn't
// exist. Entries will expire after some amount of time. Items not existing
// will expire quicker than items with a positive size, since a catalog
// source gains new objects whenever a version is published.
type sizecache struct {
	clock     clock.Clock
	m         sync.Mutex      // protects everything below
	cache     map[string]head // cache for item sizes
	sweeptime time.Time       // next time to age everything
}

const (
	// constants for head.size. Indicates that the given key is deleted.
	sizeDeleted int64 = -1 // any negative number will work

	defaultMissTTL = 5 * time.Minute
	defaultHitTTL  = 24 * time.Hour
)

func newSizeCache(clk clock.Clock) *sizecache {
	if clk == nil {
		clk = clock.New()
	}
	return &sizecache{
		clock: clk,
		cache: make(map[string]head),
	}
}

// Get returns the size associated with key. If key is not in the cache
// it will call the fill function to figure out what the size is.
// If a size is negative the error ErrNotExist is returned.
func (s *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	s.m.Lock()
	now := s.clock.Now()
	if now.After(s.sweeptime) {
		s.age(now)
	}
	entry := s.cache[key]
	s.m.Unlock()
	if entry.size > 0 {
		return entry.size, nil
	}
	if entry.size < 0 {
		// we have previously determined this key does not exist
		return 0, ErrNotExist
	}
	if fill == nil {
		return 0, nil
	}
	// fill without holding the lock. Two goroutines may both ask the
	// remote for the same key, which is harmless.
	size, err := fill(key)
	switch {
	case err == ErrNotExist:
		s.Set(key, sizeDeleted)
	case err == nil:
		s.Set(key, size)
	}
	return size, err
}

// Set caches a size to use for the given key.
// Use sizeDeleted to mark the key as missing.
func (s *sizecache) Set(key string, size int64) {
	ttl := defaultHitTTL
	switch {
	case size < 0:
		ttl = defaultMissTTL
	case size == 0:
		ttl = 0
	}
	s.m.Lock()
	s.cache[key] = head{expire: s.clock.Now().Add(ttl), size: size}
	s.m.Unlock()
}

// age removes expired entries. The caller must hold m.
func (s *sizecache) age(now time.Time) {
	s.sweeptime = now.Add(time.Hour) // next sweep in an hour
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k) // remove aged entries
		}
	}
}
