// Package manifest describes the file set of one version of a bundle.
//
// A Manifest lists every file in the bundle by relative path. Each file is
// identified by the SHA-1 of its bytes, is available in one or more formats
// (each with its own size), and may be restricted to a subset of the
// bundle's flavors. A Manifest is immutable once constructed and may be
// shared freely between goroutines.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrNotFound is returned by the accessors when a path, or a path and
// format pair, is not part of the manifest.
var ErrNotFound = errors.New("not found in manifest")

// A Manifest is the parsed description of a single bundle version.
type Manifest struct {
	bundleName string
	catalogID  string
	version    int64
	flavors    []string
	paths      []string // declaration order
	files      map[string]*entry
}

type entry struct {
	sha     string
	formats []Format
	flavors []string
}

// File is used to construct a Manifest with New.
type File struct {
	Path    string
	SHA     string
	Formats []Format // declaration order matters
	Flavors []string // empty means the file applies to every flavor
}

// Format is one representation of a file and its size in bytes.
type Format struct {
	Name string
	Size int64
}

// New validates the given fields and returns a Manifest. Either the whole
// manifest is valid or an error (always a *ParseError) is returned.
func New(bundleName, catalogID string, version int64, flavors []string, files []File) (*Manifest, error) {
	m := &Manifest{
		bundleName: bundleName,
		catalogID:  catalogID,
		version:    version,
		flavors:    copyStrings(flavors),
		files:      make(map[string]*entry, len(files)),
	}
	if bundleName == "" {
		return nil, &ParseError{Field: "bundleName", Msg: "missing"}
	}
	if catalogID == "" {
		return nil, &ParseError{Field: "catalogID", Msg: "missing"}
	}
	if version < 0 {
		return nil, &ParseError{Field: "version", Msg: fmt.Sprintf("negative version %d", version)}
	}
	known := make(map[string]bool, len(flavors))
	for _, f := range flavors {
		if known[f] {
			return nil, &ParseError{Field: "flavors", Msg: fmt.Sprintf("duplicate flavor %q", f)}
		}
		known[f] = true
	}
	for _, f := range files {
		if err := checkPath(f.Path); err != nil {
			return nil, err
		}
		if _, ok := m.files[f.Path]; ok {
			return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("duplicate path %q", f.Path)}
		}
		if f.SHA == "" {
			return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("%s: missing sha", f.Path)}
		}
		if len(f.Formats) == 0 {
			return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("%s: no formats", f.Path)}
		}
		e := &entry{
			sha:     f.SHA,
			formats: make([]Format, 0, len(f.Formats)),
			flavors: copyStrings(f.Flavors),
		}
		for _, format := range f.Formats {
			if format.Name == "" {
				return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("%s: empty format name", f.Path)}
			}
			if format.Size < 0 {
				return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("%s: negative size for %s", f.Path, format.Name)}
			}
			for _, prev := range e.formats {
				if prev.Name == format.Name {
					return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("%s: duplicate format %s", f.Path, format.Name)}
				}
			}
			e.formats = append(e.formats, format)
		}
		for _, flavor := range f.Flavors {
			if !known[flavor] {
				return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("%s: unknown flavor %q", f.Path, flavor)}
			}
		}
		m.paths = append(m.paths, f.Path)
		m.files[f.Path] = e
	}
	// a file may not also be a directory of another file
	for _, p := range m.paths {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, ok := m.files[dir]; ok {
				return nil, &ParseError{Field: "files", Msg: fmt.Sprintf("path %q is inside file %q", p, dir)}
			}
		}
	}
	return m, nil
}

// paths are relative, use '/', are in clean form and may not escape the
// bundle directory.
func checkPath(p string) error {
	if p == "" || p == "." {
		return &ParseError{Field: "files", Msg: "empty path"}
	}
	if path.Clean(p) != p {
		return &ParseError{Field: "files", Msg: fmt.Sprintf("path %q is not clean", p)}
	}
	if strings.HasPrefix(p, "/") {
		return &ParseError{Field: "files", Msg: fmt.Sprintf("absolute path %q", p)}
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return &ParseError{Field: "files", Msg: fmt.Sprintf("path %q leaves bundle", p)}
		}
	}
	return nil
}

func (m *Manifest) BundleName() string { return m.bundleName }
func (m *Manifest) CatalogID() string  { return m.catalogID }
func (m *Manifest) Version() int64     { return m.version }

// BundleID is the catalog id and bundle name joined by a period.
func (m *Manifest) BundleID() string {
	return BundleID(m.catalogID, m.bundleName)
}

// Flavors returns the flavors recognized by this bundle.
func (m *Manifest) Flavors() []string {
	return copyStrings(m.flavors)
}

// BundleResource returns the canonical locator for this bundle version.
// It has the form bundle:<bundleID>/<version>.
func (m *Manifest) BundleResource() *url.URL {
	return BundleResource(m.BundleID(), m.version)
}

// SHAForFile returns the content hash of the given file.
func (m *Manifest) SHAForFile(path string) (string, error) {
	e, ok := m.files[path]
	if !ok {
		return "", ErrNotFound
	}
	return e.sha, nil
}

// FormatsForFile returns the format names of the given file in the order
// they were declared.
func (m *Manifest) FormatsForFile(path string) ([]string, error) {
	e, ok := m.files[path]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]string, len(e.formats))
	for i, f := range e.formats {
		result[i] = f.Name
	}
	return result, nil
}

// BestFormatForFile returns the first entry in preferred which the file is
// available in. If none of them are, the format with the largest size is
// returned, the earliest declared one winning a tie.
func (m *Manifest) BestFormatForFile(path string, preferred []string) (string, error) {
	e, ok := m.files[path]
	if !ok {
		return "", ErrNotFound
	}
	for _, want := range preferred {
		for _, f := range e.formats {
			if f.Name == want {
				return want, nil
			}
		}
	}
	best := e.formats[0]
	for _, f := range e.formats[1:] {
		if f.Size > best.Size {
			best = f
		}
	}
	return best.Name, nil
}

// BestFormat is BestFormatForFile with no preference.
func (m *Manifest) BestFormat(path string) (string, error) {
	return m.BestFormatForFile(path, nil)
}

// SizeForFile returns the size of the given file in the given format.
func (m *Manifest) SizeForFile(path, format string) (int64, error) {
	e, ok := m.files[path]
	if !ok {
		return 0, ErrNotFound
	}
	for _, f := range e.formats {
		if f.Name == format {
			return f.Size, nil
		}
	}
	return 0, ErrNotFound
}

// FlavorsForFile returns the flavors a file is restricted to. An empty
// list means the file belongs to every flavor.
func (m *Manifest) FlavorsForFile(path string) ([]string, error) {
	e, ok := m.files[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyStrings(e.flavors), nil
}

// AllFiles returns every path in declaration order.
func (m *Manifest) AllFiles() []string {
	return copyStrings(m.paths)
}

// FilesForFlavor returns the paths which have no flavor restriction or
// which list the given flavor.
func (m *Manifest) FilesForFlavor(flavor string) []string {
	var result []string
	for _, p := range m.paths {
		e := m.files[p]
		if len(e.flavors) == 0 {
			result = append(result, p)
			continue
		}
		for _, f := range e.flavors {
			if f == flavor {
				result = append(result, p)
				break
			}
		}
	}
	return result
}

// AllSHAs returns each distinct content hash once, in the order first seen.
func (m *Manifest) AllSHAs() []string {
	seen := make(map[string]bool)
	var result []string
	for _, p := range m.paths {
		sha := m.files[p].sha
		if !seen[sha] {
			seen[sha] = true
			result = append(result, sha)
		}
	}
	return result
}

func (m *Manifest) FileCount() int {
	return len(m.paths)
}

// TotalSize sums the size of the best format of each of the given paths.
func (m *Manifest) TotalSize(paths []string, preferred []string) (int64, error) {
	var total int64
	for _, p := range paths {
		format, err := m.BestFormatForFile(p, preferred)
		if err != nil {
			return 0, err
		}
		size, _ := m.SizeForFile(p, format)
		total += size
	}
	return total, nil
}

// Equal reports whether the two manifests have the same fields, with lists
// in the same order.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.bundleName != other.bundleName ||
		m.catalogID != other.catalogID ||
		m.version != other.version ||
		!equalStrings(m.flavors, other.flavors) ||
		!equalStrings(m.paths, other.paths) {
		return false
	}
	for _, p := range m.paths {
		a, b := m.files[p], other.files[p]
		if a.sha != b.sha || !equalStrings(a.flavors, b.flavors) || len(a.formats) != len(b.formats) {
			return false
		}
		for i := range a.formats {
			if a.formats[i] != b.formats[i] {
				return false
			}
		}
	}
	return true
}

// Files returns the file entries in declaration order, in the form New
// accepts.
func (m *Manifest) Files() []File {
	result := make([]File, 0, len(m.paths))
	for _, p := range m.paths {
		e := m.files[p]
		result = append(result, File{
			Path:    p,
			SHA:     e.sha,
			Formats: append([]Format(nil), e.formats...),
			Flavors: copyStrings(e.flavors),
		})
	}
	return result
}

// BundleID joins a catalog id and a bundle name.
func BundleID(catalogID, bundleName string) string {
	return catalogID + "." + bundleName
}

// SplitBundleID is the inverse of BundleID. The catalog id is everything
// before the last period. ok is false if the id is not well formed.
func SplitBundleID(bundleID string) (catalogID, bundleName string, ok bool) {
	i := strings.LastIndex(bundleID, ".")
	if i <= 0 || i == len(bundleID)-1 {
		return "", "", false
	}
	return bundleID[:i], bundleID[i+1:], true
}

// BundleResource returns the locator bundle:<bundleID>/<version>.
func BundleResource(bundleID string, version int64) *url.URL {
	return &url.URL{Scheme: "bundle", Opaque: fmt.Sprintf("%s/%d", bundleID, version)}
}

func copyStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
