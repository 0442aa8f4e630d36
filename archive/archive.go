// Package archive reads and writes the zip archives a catalog source offers
// for whole bundle versions. Entries are stored flat, one per object, named
// "<sha>.<format>".
package archive

import (
	"archive/zip"
	"io"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/fileutil"
	"github.com/ndlib/bcat/store"
)

// ErrUnsafePath is returned for an entry which would extract outside the
// target directory.
var ErrUnsafePath = errors.New("archive: unsafe entry name")

// ReadCloser is an open archive.
type ReadCloser struct {
	f io.Closer
	*zip.Reader
}

func (z *ReadCloser) Close() error {
	return z.f.Close()
}

// Open opens the archive at name on fs.
func Open(fs afero.Fs, name string) (*ReadCloser, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, name)
	}
	return &ReadCloser{f: f, Reader: r}, nil
}

// Extract unpacks the archive at archivePath into dir, creating dir if
// needed, and returns dir. Entries are checked before anything is written.
func Extract(fs afero.Fs, archivePath, dir string) (string, error) {
	r, err := Open(fs, archivePath)
	if err != nil {
		return "", err
	}
	defer r.Close()
	for _, f := range r.File {
		if !safeName(f.Name) {
			return "", errors.Wrap(ErrUnsafePath, f.Name)
		}
	}
	if err := fileutil.EnsureDirectory(fs, dir); err != nil {
		return "", err
	}
	for _, f := range r.File {
		target := path.Join(dir, f.Name)
		if f.FileInfo().IsDir() {
			if err := fileutil.EnsureDirectory(fs, target); err != nil {
				return "", err
			}
			continue
		}
		if err := extractFile(fs, f, target); err != nil {
			return "", errors.Wrapf(err, "extract %s", f.Name)
		}
	}
	return dir, nil
}

func extractFile(fs afero.Fs, f *zip.File, target string) error {
	if err := fileutil.EnsureDirectory(fs, path.Dir(target)); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := fs.Create(target)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func safeName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	for _, elem := range strings.Split(name, "/") {
		if elem == ".." {
			return false
		}
	}
	return true
}

// Writer creates an archive, tracking the stream it is written to.
type Writer struct {
	f io.WriteCloser
	*zip.Writer
}

// Create starts a new archive under key in s. The archive is complete once
// the Writer is closed.
func Create(s store.Store, key string) (*Writer, error) {
	f, err := s.Create(key)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, Writer: zip.NewWriter(f)}, nil
}

// Close finishes the archive and closes the underlying stream.
func (zw *Writer) Close() error {
	err := zw.Writer.Close()
	if cerr := zw.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Add copies r into the archive as name. Entries are stored uncompressed
// since objects are usually compressed already.
func (zw *Writer) Add(name string, r io.Reader) error {
	if !safeName(name) {
		return errors.Wrap(ErrUnsafePath, name)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}
