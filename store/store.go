// Package store provides a simple, goroutine safe key-value interface. Instead
// of values being an opaque array of bytes, though, they are a stream. This
// approach allows large items to be stored easily.
//
// Stores hold the documents and objects of catalog sources, and the objects
// of the local repository. The FileSystem store shards flat keys into
// subdirectories; the Tree store treats keys as relative paths. Memory is
// useful for testing, S3 for sources kept in a bucket.
package store

import (
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value.
//
// Open() returns a ReadAtCloser instead of a ReadCloser so the content can
// be served with http.ServeContent and read by the zip reader.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrNotExist is returned when opening a key which is not in the store
	ErrNotExist = errors.New("Key does not exist")

	// ErrKeyContainsSlash means a flat key contains a forward slash '/'
	ErrKeyContainsSlash = errors.New("Key contains forward slash")

	// ErrKeyNotRelative means a path key is absolute or has a ".." element
	ErrKeyNotRelative = errors.New("Key is not a relative path")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsWhiteSpace  means the key provided contains WhiteSpace
	ErrKeyContainsWhiteSpace = errors.New("Key contains White Space")

	// ErrKeyContainsControlChar  means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}

// NewReadSeeker wraps a ReaderAt of the given size so it can be passed to
// http.ServeContent.
func NewReadSeeker(r io.ReaderAt, size int64) io.ReadSeeker {
	return io.NewSectionReader(r, 0, size)
}

// Exists reports whether key is in the store, without reading it.
func Exists(s ROStore, key string) bool {
	rac, _, err := s.Open(key)
	if err != nil {
		return false
	}
	rac.Close()
	return true
}

// Put copies everything from r into a new item under key.
func Put(s Store, key string, r io.Reader) error {
	w, err := s.Create(key)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

// Some Simple Item Key Validations. If allowSlash is set the key is taken
// to be a relative path.
func isKeyValid(key string, allowSlash bool) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if allowSlash {
		if key == "" || strings.HasPrefix(key, "/") {
			return ErrKeyNotRelative
		}
		for _, elem := range strings.Split(key, "/") {
			if elem == "" || elem == "." || elem == ".." {
				return ErrKeyNotRelative
			}
		}
	} else if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}
	for _, r := range key {
		if unicode.IsSpace(r) {
			return ErrKeyContainsWhiteSpace
		}
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
