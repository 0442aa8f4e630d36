package store

import (
	"io"
	"sort"
)

// Overlay implements a Copy-on-Read store multiplexing between a remote
// store and a local one. The local store is used for writes and is the first
// checked for reads. Anything not in the local store is then looked up in
// the remote one and copied into the local store as it is opened. Hence the
// local store appears to have everything in the remote one, and over time
// becomes a mirror of the parts which were asked for. Nothing is ever
// written to the remote store.
type Overlay struct {
	local  Store   // where we write into
	remote ROStore // where we read from if local does not have it
}

var _ Store = &Overlay{}

// NewOverlay creates an Overlay store of local on top of remote.
func NewOverlay(local Store, remote ROStore) *Overlay {
	return &Overlay{local: local, remote: remote}
}

// List returns a channel enumerating everything in this store. It will
// combine the items in both the local store and the remote store.
func (o *Overlay) List() <-chan string {
	out := make(chan string)
	go mergechan(out, o.remote.List(), o.local.List())
	return out
}

// ListPrefix returns all items with a specified prefix. It will combine
// the items found from both stores.
func (o *Overlay) ListPrefix(prefix string) ([]string, error) {
	loc, err := o.local.ListPrefix(prefix)
	if err != nil {
		return loc, err
	}
	rmt, err := o.remote.ListPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return mergelist(loc, rmt), nil
}

// Open will return an item for reading. If the item is only in the remote
// store, it will first be copied into the local store.
func (o *Overlay) Open(key string) (ReadAtCloser, int64, error) {
	rac, n, err := o.local.Open(key)
	if err == nil {
		return rac, n, err
	}
	// on error, see if it is on remote
	rrac, _, err := o.remote.Open(key)
	if err != nil {
		return nil, 0, err
	}
	err = Put(o.local, key, NewReader(rrac))
	rrac.Close()
	if err != nil && err != ErrKeyExists {
		// someone else may have copied it in the meantime
		return nil, 0, err
	}
	return o.local.Open(key)
}

// Create will make a new item in the local store. It is acceptable to
// make an item in the local store with the same name as an item in the
// remote store. The local item will shadow the remote one.
func (o *Overlay) Create(key string) (io.WriteCloser, error) {
	return o.local.Create(key)
}

// Delete `key`. Items will only be deleted from the local store. If the
// remote store has the item it is still visible afterwards.
func (o *Overlay) Delete(key string) error {
	return o.local.Delete(key)
}

// merge in1 and in2 into c. Removes any duplicate entries. Closes c
// when both in1 and in2 are closed.
func mergechan(c chan<- string, in1, in2 <-chan string) {
	dedup := make(map[string]struct{})
	for in1 != nil || in2 != nil {
		var n string
		var ok bool
		select {
		case n, ok = <-in1:
			if !ok {
				in1 = nil
				continue
			}
		case n, ok = <-in2:
			if !ok {
				in2 = nil
				continue
			}
		}
		_, ok = dedup[n]
		if !ok {
			dedup[n] = struct{}{}
			c <- n
		}
	}
	close(c)
}

// merge two lists, removing duplicates. The result is sorted.
func mergelist(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var result []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				result = append(result, s)
			}
		}
	}
	sort.Strings(result)
	return result
}
