// Package catalog models a catalog index document: the bundles a catalog
// offers, the versions of each, and the distribution labels pointing at
// particular versions.
//
// An index is stored as JSON:
//
//	{
//	  "id": "com.example.assets",
//	  "format": 1,
//	  "bundles": {
//	    "icons": {
//	      "versions": [1, 2, 3],
//	      "distributions": {"master": 3, "beta": 2}
//	    }
//	  }
//	}
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"
)

// Format is the only index format version understood.
const Format = 1

var (
	// ErrNotFound is returned when a bundle, version or distribution is
	// not in the index.
	ErrNotFound = errors.New("catalog: not found")

	// ErrFormat is returned for an index document in an unknown format.
	ErrFormat = errors.New("catalog: unsupported index format")
)

// Index is the catalog index document. Methods are not safe for concurrent
// mutation.
type Index struct {
	ID      string
	bundles map[string]*bundle
}

type bundle struct {
	versions      []int64 // ascending, no duplicates
	distributions map[string]int64
}

// New returns an empty index for the catalog id.
func New(id string) *Index {
	return &Index{ID: id, bundles: make(map[string]*bundle)}
}

// Read parses an index document.
func Read(r io.Reader) (*Index, error) {
	obj, err := jason.NewObjectFromReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "catalog index")
	}
	return fromObject(obj)
}

// Parse parses an index document held in memory.
func Parse(b []byte) (*Index, error) {
	return Read(bytes.NewReader(b))
}

func fromObject(obj *jason.Object) (*Index, error) {
	id, err := obj.GetString("id")
	if err != nil || id == "" {
		return nil, errors.New("catalog index: missing id")
	}
	if f, err := obj.GetInt64("format"); err == nil && f != Format {
		return nil, errors.Wrapf(ErrFormat, "format %d", f)
	}
	x := New(id)
	bundles, err := obj.GetObject("bundles")
	if err != nil {
		// an index with no bundles is valid
		return x, nil
	}
	for name, v := range bundles.Map() {
		b, err := v.Object()
		if err != nil {
			return nil, errors.Errorf("catalog index: bundle %s is not an object", name)
		}
		versions, err := b.GetInt64Array("versions")
		if err != nil {
			return nil, errors.Errorf("catalog index: bundle %s: bad versions", name)
		}
		for _, ver := range versions {
			if err := x.AddVersion(name, ver); err != nil {
				return nil, err
			}
		}
		dists, err := b.GetObject("distributions")
		if err != nil {
			continue
		}
		for label, dv := range dists.Map() {
			ver, err := dv.Int64()
			if err != nil {
				return nil, errors.Errorf("catalog index: bundle %s: distribution %s: bad version", name, label)
			}
			if err := x.SetDistribution(name, label, ver); err != nil {
				return nil, errors.Wrapf(err, "catalog index: bundle %s: distribution %s", name, label)
			}
		}
	}
	return x, nil
}

// Bundles returns the names of the bundles in the index, sorted.
func (x *Index) Bundles() []string {
	result := make([]string, 0, len(x.bundles))
	for name := range x.bundles {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Versions returns the versions of a bundle in ascending order.
func (x *Index) Versions(name string) []int64 {
	b := x.bundles[name]
	if b == nil {
		return nil
	}
	return append([]int64(nil), b.versions...)
}

// HasVersion reports whether the index lists the given bundle version.
func (x *Index) HasVersion(name string, version int64) bool {
	b := x.bundles[name]
	if b == nil {
		return false
	}
	i := sort.Search(len(b.versions), func(i int) bool { return b.versions[i] >= version })
	return i < len(b.versions) && b.versions[i] == version
}

// Latest returns the highest version of a bundle.
func (x *Index) Latest(name string) (int64, error) {
	b := x.bundles[name]
	if b == nil || len(b.versions) == 0 {
		return 0, ErrNotFound
	}
	return b.versions[len(b.versions)-1], nil
}

// Distribution returns the version a distribution label points at.
func (x *Index) Distribution(name, label string) (int64, error) {
	b := x.bundles[name]
	if b == nil {
		return 0, ErrNotFound
	}
	v, ok := b.distributions[label]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

// Distributions returns the distribution labels of a bundle, sorted.
func (x *Index) Distributions(name string) []string {
	b := x.bundles[name]
	if b == nil {
		return nil
	}
	var result []string
	for label := range b.distributions {
		result = append(result, label)
	}
	sort.Strings(result)
	return result
}

// AddVersion records a version of a bundle, creating the bundle if needed.
// Adding a version already present does nothing.
func (x *Index) AddVersion(name string, version int64) error {
	if name == "" {
		return errors.New("catalog index: empty bundle name")
	}
	if version < 0 {
		return errors.Errorf("catalog index: bundle %s: negative version %d", name, version)
	}
	b := x.bundles[name]
	if b == nil {
		b = &bundle{distributions: make(map[string]int64)}
		x.bundles[name] = b
	}
	i := sort.Search(len(b.versions), func(i int) bool { return b.versions[i] >= version })
	if i < len(b.versions) && b.versions[i] == version {
		return nil
	}
	b.versions = append(b.versions, 0)
	copy(b.versions[i+1:], b.versions[i:])
	b.versions[i] = version
	return nil
}

// SetDistribution points a distribution label at an existing version.
func (x *Index) SetDistribution(name, label string, version int64) error {
	if label == "" {
		return errors.New("catalog index: empty distribution label")
	}
	if !x.HasVersion(name, version) {
		return errors.Wrapf(ErrNotFound, "%s version %d", name, version)
	}
	x.bundles[name].distributions[label] = version
	return nil
}

// MarshalJSON writes the index document with sorted keys.
func (x *Index) MarshalJSON() ([]byte, error) {
	type bundleDoc struct {
		Versions      []int64          `json:"versions"`
		Distributions map[string]int64 `json:"distributions"`
	}
	doc := struct {
		ID      string               `json:"id"`
		Format  int                  `json:"format"`
		Bundles map[string]bundleDoc `json:"bundles"`
	}{
		ID:      x.ID,
		Format:  Format,
		Bundles: make(map[string]bundleDoc, len(x.bundles)),
	}
	for name, b := range x.bundles {
		versions := b.versions
		if versions == nil {
			versions = []int64{}
		}
		doc.Bundles[name] = bundleDoc{Versions: versions, Distributions: b.distributions}
	}
	return json.Marshal(doc)
}

func (x *Index) String() string {
	return fmt.Sprintf("catalog %s (%d bundles)", x.ID, len(x.bundles))
}
