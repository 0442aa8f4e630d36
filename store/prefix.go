package store

import (
	"io"
	"strings"
)

// ForCatalog returns the part of s holding the documents of one catalog.
// Keys are relative to the catalog directory, e.g. "index.json" or
// "objects/<sha>.raw".
func ForCatalog(s Store, catalogID string) Store {
	return subStore{s: s, dir: catalogID + "/"}
}

// subStore sees only the keys of s beneath dir, with dir removed.
type subStore struct {
	s   Store
	dir string
}

func (ss subStore) trim(keys []string) []string {
	var result []string
	for _, key := range keys {
		if rest, ok := strings.CutPrefix(key, ss.dir); ok {
			result = append(result, rest)
		}
	}
	return result
}

func (ss subStore) List() <-chan string {
	out := make(chan string)
	go func() {
		for key := range ss.s.List() {
			if rest, ok := strings.CutPrefix(key, ss.dir); ok {
				out <- rest
			}
		}
		close(out)
	}()
	return out
}

func (ss subStore) ListPrefix(prefix string) ([]string, error) {
	keys, err := ss.s.ListPrefix(ss.dir + prefix)
	return ss.trim(keys), err
}

func (ss subStore) Open(key string) (ReadAtCloser, int64, error) {
	return ss.s.Open(ss.dir + key)
}

func (ss subStore) Create(key string) (io.WriteCloser, error) {
	return ss.s.Create(ss.dir + key)
}

func (ss subStore) Delete(key string) error {
	return ss.s.Delete(ss.dir + key)
}
