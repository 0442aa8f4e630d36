// Package publish writes bundle versions into a catalog source: the encoded
// objects, the manifest, an optional archive and the updated catalog index.
package publish

import (
	"bytes"
	"encoding/json"
	"log"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/archive"
	"github.com/ndlib/bcat/catalog"
	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/fileutil"
	"github.com/ndlib/bcat/manifest"
	"github.com/ndlib/bcat/store"
)

// Options control how a bundle version is published.
type Options struct {
	// Formats each file is stored in. The default is raw only.
	Formats []string

	// Flavors of the bundle, and a function giving the flavors of each
	// file. A file with no flavors belongs to every flavor.
	Flavors  []string
	FlavorOf func(path string) []string

	// Version to publish. Zero means one more than the latest version in
	// the index.
	Version int64

	// Distributions to point at the new version.
	Distributions []string

	// Archive also writes a zip of every object, in the first format.
	Archive bool
}

// Bundle publishes the files under dir on fs as a new version of a bundle
// in dst and returns its manifest.
func Bundle(fs afero.Fs, dir string, dst store.Store, catalogID, bundleName string, opts Options) (*manifest.Manifest, error) {
	formats := opts.Formats
	if len(formats) == 0 {
		formats = []string{fetch.FormatRaw}
	}
	idx, err := ReadIndex(dst, catalogID)
	if err != nil {
		return nil, err
	}
	version := opts.Version
	if version == 0 {
		if latest, err := idx.Latest(bundleName); err == nil {
			version = latest + 1
		} else {
			version = 1
		}
	}
	if idx.HasVersion(bundleName, version) {
		return nil, errors.Errorf("publish %s: version %d already exists", manifest.BundleID(catalogID, bundleName), version)
	}

	paths, err := fileutil.ListFiles(fs, dir)
	if err != nil {
		return nil, err
	}
	var files []manifest.File
	for _, p := range paths {
		f, err := putFile(fs, path.Join(dir, p), dst, catalogID, formats)
		if err != nil {
			return nil, errors.Wrapf(err, "publish %s", p)
		}
		f.Path = p
		if opts.FlavorOf != nil {
			f.Flavors = opts.FlavorOf(p)
		}
		files = append(files, f)
	}
	m, err := manifest.New(bundleName, catalogID, version, opts.Flavors, files)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := replace(dst, catalog.ManifestKey(catalogID, bundleName, version), b); err != nil {
		return nil, err
	}
	if opts.Archive {
		if err := writeArchive(dst, m, formats[0]); err != nil {
			return nil, err
		}
	}

	if err := idx.AddVersion(bundleName, version); err != nil {
		return nil, err
	}
	for _, label := range opts.Distributions {
		if err := idx.SetDistribution(bundleName, label, version); err != nil {
			return nil, err
		}
	}
	if err := WriteIndex(dst, idx); err != nil {
		return nil, err
	}
	log.Printf("publish %s version %d: %d files", m.BundleID(), version, m.FileCount())
	return m, nil
}

// putFile stores one file in every format, skipping formats already
// present, and returns its manifest entry without a path.
func putFile(fs afero.Fs, name string, dst store.Store, catalogID string, formats []string) (manifest.File, error) {
	var result manifest.File
	sha, err := fileutil.HashFile(fs, name)
	if err != nil {
		return result, err
	}
	result.SHA = sha
	for _, format := range formats {
		key := catalog.ObjectKey(catalogID, sha, format)
		size, err := objectSize(dst, key)
		if err == store.ErrNotExist {
			size, err = putObject(fs, name, dst, key, format)
		}
		if err != nil {
			return result, err
		}
		result.Formats = append(result.Formats, manifest.Format{Name: format, Size: size})
	}
	return result, nil
}

func objectSize(s store.ROStore, key string) (int64, error) {
	rac, size, err := s.Open(key)
	if err != nil {
		return 0, err
	}
	rac.Close()
	return size, nil
}

func putObject(fs afero.Fs, name string, dst store.Store, key, format string) (int64, error) {
	f, err := fs.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if err := fetch.Encode(format, f, &buf); err != nil {
		return 0, err
	}
	size := int64(buf.Len())
	return size, store.Put(dst, key, &buf)
}

func writeArchive(dst store.Store, m *manifest.Manifest, format string) error {
	key := catalog.ArchiveKey(m.CatalogID(), m.BundleName(), m.Version())
	dst.Delete(key)
	zw, err := archive.Create(dst, key)
	if err != nil {
		return err
	}
	for _, sha := range m.AllSHAs() {
		rac, _, err := dst.Open(catalog.ObjectKey(m.CatalogID(), sha, format))
		if err != nil {
			zw.Close()
			return err
		}
		err = zw.Add(sha+"."+format, store.NewReader(rac))
		rac.Close()
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// ReadIndex loads the index of a catalog from s. A missing index is an
// empty one.
func ReadIndex(s store.ROStore, catalogID string) (*catalog.Index, error) {
	rac, _, err := s.Open(catalog.IndexKey(catalogID))
	if err == store.ErrNotExist {
		return catalog.New(catalogID), nil
	} else if err != nil {
		return nil, err
	}
	defer rac.Close()
	idx, err := catalog.Read(store.NewReader(rac))
	if err != nil {
		return nil, err
	}
	if idx.ID != catalogID {
		return nil, errors.Errorf("index of %s has id %s", catalogID, idx.ID)
	}
	return idx, nil
}

// WriteIndex replaces the index of a catalog in s.
func WriteIndex(s store.Store, idx *catalog.Index) error {
	b, err := idx.MarshalJSON()
	if err != nil {
		return err
	}
	return replace(s, catalog.IndexKey(idx.ID), b)
}

// SetDistribution points a distribution label of a bundle at an already
// published version.
func SetDistribution(s store.Store, catalogID, bundleName, label string, version int64) error {
	idx, err := ReadIndex(s, catalogID)
	if err != nil {
		return err
	}
	if err := idx.SetDistribution(bundleName, label, version); err != nil {
		return err
	}
	return WriteIndex(s, idx)
}

// stores are write once, so an existing item is deleted first
func replace(s store.Store, key string, data []byte) error {
	if err := s.Delete(key); err != nil {
		return err
	}
	return store.Put(s, key, bytes.NewReader(data))
}
