// Package fileutil holds the filesystem operations the repository needs,
// written against an afero.Fs so tests can run in memory.
//
// Every operation reports failure as an *Error naming the operation and
// the path involved. The operations are safe to call concurrently on
// disjoint paths.
package fileutil

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// An Error describes a failed filesystem operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return "fileutil: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrExists is the Err of a MoveAtomic which refused to replace dst.
var ErrExists = os.ErrExist

// EnsureDirectory creates dir and any missing parents. It is not an error
// if dir already exists, but it is one if something other than a
// directory is in the way.
func EnsureDirectory(fs afero.Fs, dir string) error {
	info, err := fs.Stat(dir)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return &Error{Op: "mkdir", Path: dir, Err: os.ErrExist}
	}
	if err = fs.MkdirAll(dir, 0755); err != nil {
		return &Error{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// MoveAtomic renames src to dst. If failIfExists is set and dst exists the
// move is refused with ErrExists, otherwise dst is replaced. A file replaces
// a file in one rename; when either side is a directory dst is removed
// first, so readers may briefly see no dst. The parent of dst is created if
// necessary.
func MoveAtomic(fs afero.Fs, src, dst string, failIfExists bool) error {
	if info, err := fs.Stat(dst); err == nil {
		if failIfExists {
			return &Error{Op: "move", Path: dst, Err: ErrExists}
		}
		// a rename will not replace a directory, or replace a file by one
		srcInfo, serr := fs.Stat(src)
		if info.IsDir() || (serr == nil && srcInfo.IsDir()) {
			if err := fs.RemoveAll(dst); err != nil {
				return &Error{Op: "move", Path: dst, Err: err}
			}
		}
	}
	if err := EnsureDirectory(fs, filepath.Dir(dst)); err != nil {
		return err
	}
	if err := fs.Rename(src, dst); err != nil {
		return &Error{Op: "move", Path: src, Err: err}
	}
	return nil
}

// RemoveRecursive deletes p and everything under it. It is not an error if
// p does not exist.
func RemoveRecursive(fs afero.Fs, p string) error {
	if err := fs.RemoveAll(p); err != nil {
		return &Error{Op: "remove", Path: p, Err: err}
	}
	return nil
}

// ListFiles returns the path of every regular file under root, relative to
// root and using '/' as the separator, in sorted order. Directories whose
// names begin with a period are skipped.
func ListFiles(fs afero.Fs, root string) ([]string, error) {
	var result []string
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != root && strings.HasPrefix(path.Base(filepath.ToSlash(p)), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		result = append(result, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "walk", Path: root, Err: err}
	}
	sort.Strings(result)
	return result, nil
}

// WriteFileAtomic writes data to a temporary file in tmpdir and moves it
// into place at dst, so readers never see a partial file.
func WriteFileAtomic(fs afero.Fs, tmpdir, dst string, data []byte) error {
	if err := EnsureDirectory(fs, tmpdir); err != nil {
		return err
	}
	f, err := afero.TempFile(fs, tmpdir, "write-")
	if err != nil {
		return &Error{Op: "create", Path: tmpdir, Err: err}
	}
	name := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(name)
		return &Error{Op: "write", Path: name, Err: err}
	}
	return MoveAtomic(fs, name, dst, false)
}
