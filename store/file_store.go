package store

import (
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	raven "github.com/getsentry/raven-go"
	"github.com/spf13/afero"
)

// FileSystem implements a store kept in a directory of an afero.Fs. It tries
// to only open files when necessary.
//
// There are two layouts. A store made with NewFileSystem takes flat keys,
// which may not contain a '/', and spreads them into two levels of
// subdirectories by key prefix, e.g. "abcdef" is kept in "ab/cd/abcdef".
// This suits content hashes. A store made with NewTree takes keys which are
// relative paths and keeps each at that path under the root.
type FileSystem struct {
	fs      afero.Fs
	root    string
	sharded bool
}

const (
	// the subdir to store files while they are being written to.
	scratchdir = ".scratch"
)

var (
	// make sure it implements the Store interface
	_ Store = &FileSystem{}
)

// NewFileSystem creates a sharded store based at root on fs.
func NewFileSystem(fs afero.Fs, root string) *FileSystem {
	return &FileSystem{fs: fs, root: root, sharded: true}
}

// NewTree creates a store at root on fs whose keys are relative paths.
func NewTree(fs afero.Fs, root string) *FileSystem {
	return &FileSystem{fs: fs, root: root}
}

// List returns a channel listing all the keys in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	if s.sharded {
		go s.walkTree(c, s.root, 0)
	} else {
		go func() {
			defer close(c)
			for _, key := range s.walkPaths() {
				c <- key
			}
		}()
	}
	return c
}

// Perform depth first walk of file tree at root, emitting all unique item
// keys on channel out. Be careful to only open directories and stat
// files.
//
// If level is 0, the channel is closed when the function exits.
func (s *FileSystem) walkTree(out chan<- string, root string, level int) {
	if level == 0 {
		defer close(out)
	}
	entries, err := afero.ReadDir(s.fs, root)
	if err != nil {
		if !os.IsNotExist(err) {
			// we have no other way of passing this error back
			log.Println(err)
			raven.CaptureError(err, nil)
		}
		return
	}
	for _, e := range entries {
		// only decend at most two directories down, and only
		// list files in the second level. 0/1/2
		if e.IsDir() {
			if level < 2 && e.Name() != scratchdir {
				s.walkTree(out, filepath.Join(root, e.Name()), level+1)
			}
			continue
		}
		if level != 2 {
			continue
		}
		out <- e.Name()
	}
}

// walkPaths returns every key of a tree store in sorted order.
func (s *FileSystem) walkPaths() []string {
	var result []string
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == scratchdir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err == nil {
			result = append(result, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Println(err)
		raven.CaptureError(err, nil)
	}
	sort.Strings(result)
	return result
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	if !s.sharded {
		var result []string
		for _, key := range s.walkPaths() {
			if strings.HasPrefix(key, prefix) {
				result = append(result, key)
			}
		}
		return result, nil
	}
	var glob string
	switch len(prefix) {
	case 0:
		glob = "*/*"
	case 1:
		glob = prefix + "*/*"
	case 2:
		glob = prefix[0:2] + "/*"
	case 3:
		glob = prefix[0:2] + "/" + prefix[2:3] + "*"
	default:
		glob = prefix[0:2] + "/" + prefix[2:4]
	}
	glob = filepath.Join(s.root, glob, prefix+"*")
	result, err := afero.Glob(s.fs, glob)
	if err == nil {
		for i := range result {
			result[i] = path.Base(filepath.ToSlash(result[i]))
		}
		sort.Strings(result)
	}
	return result, err
}

// Path returns the file name key is kept at.
func (s *FileSystem) Path(key string) (string, error) {
	if err := isKeyValid(key, !s.sharded); err != nil {
		return "", err
	}
	if s.sharded {
		return filepath.Join(s.root, itemSubdir(key), key), nil
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	fname, err := s.Path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(fname)
	if os.IsNotExist(err) {
		return nil, 0, ErrNotExist
	} else if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, ErrNotExist
	}
	return f, fi.Size(), nil
}

// Create creates a new item with the given key, and a writer to allow for
// saving data into the new item. The data is written into a scratch file
// and moved into place when the writer is closed.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	target, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	if _, err = s.fs.Stat(target); !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	scratch := filepath.Join(s.root, scratchdir)
	if err = s.fs.MkdirAll(scratch, 0775); err != nil {
		return nil, err
	}
	w, err := afero.TempFile(s.fs, scratch, "create-")
	if err != nil {
		return nil, err
	}
	return &moveCloser{File: w, fs: s.fs, target: target}, nil
}

// track the file so when it is closed, we can move it into the correct place
type moveCloser struct {
	afero.File
	fs     afero.Fs
	target string
}

func (w *moveCloser) Close() error {
	source := w.File.Name()
	err := w.File.Close()
	if err != nil {
		w.fs.Remove(source)
		return err
	}
	if _, err = w.fs.Stat(w.target); !os.IsNotExist(err) {
		w.fs.Remove(source)
		return ErrKeyExists
	}
	if err = w.fs.MkdirAll(filepath.Dir(w.target), 0775); err != nil {
		return err
	}
	return w.fs.Rename(source, w.target)
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	fname, err := s.Path(key)
	if err != nil {
		return err
	}
	err = s.fs.Remove(fname)
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Given an item key, return the subdirectory the item's file are stored in
// e.g. "abcdd123" returns "ab/cd/"
func itemSubdir(key string) string {
	var result string
	switch len(key) {
	case 0:
		result = "./"
	case 1:
		result = key + "/"
	case 2:
		result = key + "/"
	case 3:
		result = key[0:2] + "/" + key[2:3] + "/"
	default:
		result = key[0:2] + "/" + key[2:4] + "/"
	}
	return result
}
