package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// Keys of the documents a catalog source holds. Every key is relative to
// the source root and begins with the catalog id.

// IndexKey is the key of the catalog index document.
func IndexKey(catalogID string) string {
	return catalogID + "/index.json"
}

// ManifestKey is the key of a bundle manifest.
func ManifestKey(catalogID, bundle string, version int64) string {
	return fmt.Sprintf("%s/manifests/%s-%d.json", catalogID, bundle, version)
}

// ObjectKey is the key of one format of a file's content.
func ObjectKey(catalogID, sha, format string) string {
	return fmt.Sprintf("%s/objects/%s.%s", catalogID, sha, format)
}

// ArchiveKey is the key of the zip archive of a bundle version.
func ArchiveKey(catalogID, bundle string, version int64) string {
	return fmt.Sprintf("%s/archives/%s-%d.zip", catalogID, bundle, version)
}

// ParseObjectName splits the last element of an object key into the sha
// and the format.
func ParseObjectName(name string) (sha, format string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// ParseVersioned splits a "<bundle>-<version>.<ext>" name as used for
// manifests and archives.
func ParseVersioned(name, ext string) (bundle string, version int64, ok bool) {
	name = strings.TrimSuffix(name, "."+ext)
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return "", 0, false
	}
	v, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || v < 0 {
		return "", 0, false
	}
	return name[:i], v, true
}
