package blobcache

import (
	"io"
)

// saver is what a writer reports to as a new item is copied into the cache.
type saver interface {
	save(w *writer)      // new item has been successfully copied
	reserve(int64) error // gets more space on each call to Write
	discard(w *writer)   // new item had an error while being copied
}

// writer copies a new item into the cache.
type writer struct {
	parent saver
	key    string
	w      io.WriteCloser
	size   int64 // bytes reserved so far
	failed bool
}

func (w *writer) Close() error {
	err := w.w.Close()
	if err != nil || w.failed {
		w.parent.discard(w)
		return err
	}
	w.parent.save(w)
	return nil
}

func (w *writer) Write(p []byte) (int, error) {
	// evict before writing so the cache never holds more than maxSize
	err := w.parent.reserve(int64(len(p)))
	if err != nil {
		w.failed = true
		return 0, err
	}
	w.size += int64(len(p))
	n, err := w.w.Write(p)
	if err != nil {
		w.failed = true
	}
	return n, err
}
