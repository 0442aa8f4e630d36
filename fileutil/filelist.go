package fileutil

import (
	"io"
	"os"
	"path"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/util"
)

// A FileList maps file paths under Root to the SHA-1 of their contents.
type FileList struct {
	Root  string
	Files map[string]string
}

// New creates an empty FileList.
func New(root string) *FileList {
	return &FileList{Root: root, Files: make(map[string]string)}
}

// BuildList hashes every file under fl.Root. Files which cannot be read
// are recorded with an empty hash.
func (fl *FileList) BuildList(fs afero.Fs) error {
	files, err := ListFiles(fs, fl.Root)
	if err != nil {
		return err
	}
	for _, name := range files {
		sha, err := HashFile(fs, path.Join(fl.Root, name))
		if err != nil {
			sha = ""
		}
		fl.Files[name] = sha
	}
	return nil
}

// Compare checks the list against the expected hashes. It returns the
// expected paths which are absent or differ, and the listed paths which
// are not expected at all.
func (fl *FileList) Compare(expected map[string]string) (mismatched, extra []string) {
	for p, sha := range expected {
		if fl.Files[p] != sha {
			mismatched = append(mismatched, p)
		}
	}
	for p := range fl.Files {
		if _, ok := expected[p]; !ok {
			extra = append(extra, p)
		}
	}
	return
}

// HashFile returns the SHA-1 of the file at p. Files on the real
// filesystem are memory mapped, others are streamed.
func HashFile(fs afero.Fs, p string) (string, error) {
	f, err := fs.Open(p)
	if err != nil {
		return "", &Error{Op: "open", Path: p, Err: err}
	}
	defer f.Close()
	if osf, ok := f.(*os.File); ok {
		sha, err := hashMapped(osf)
		if err == nil {
			return sha, nil
		}
		// mapping fails on empty and special files. fall back to reading.
		if _, err := osf.Seek(0, io.SeekStart); err != nil {
			return "", &Error{Op: "read", Path: p, Err: err}
		}
	}
	hw := util.NewHashWriterPlain()
	if _, err := io.Copy(hw, f); err != nil {
		return "", &Error{Op: "read", Path: p, Err: err}
	}
	return hw.SHA(), nil
}

func hashMapped(f *os.File) (string, error) {
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer m.Unmap()
	return util.HashBytes(m), nil
}
