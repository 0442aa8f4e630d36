package repo

import (
	"strings"

	"github.com/ndlib/bcat/task"
)

// Task kinds. The descriptor resource of each kind is noted.
const (
	KindCatalogUpdate = "catalog.update"      // catalog:<catalogID>
	KindManifest      = "manifest.fetch"      // bundle:<bundleID>, version
	KindObject        = "object.fetch"        // object:<catalogID>/<sha>, input is the format
	KindArchive       = "archive.fetch"       // bundle:<bundleID>, version
	KindEnsure        = "bundle.ensure"       // bundle:<bundleID>, version
	KindActivate      = "bundle.activate"     // bundle:<bundleID>, version
	KindVerify        = "bundle.verify"       // bundle:<bundleID>
	KindDistribution  = "distribution.ensure" // bundle:<bundleID>#<label>
	KindCleanup       = "repo.cleanup"        // repo:local
)

type kindFunc func(r *Repo, t *task.Task) error

// kind returns the body of a task kind.
func (r *Repo) kind(name string) (kindFunc, bool) {
	switch name {
	case KindCatalogUpdate:
		return updateCatalog, true
	case KindManifest:
		return fetchManifest, true
	case KindObject:
		return fetchObject, true
	case KindArchive:
		return fetchArchive, true
	case KindEnsure:
		return ensureBundle, true
	case KindActivate:
		return activateBundle, true
	case KindVerify:
		return verifyBundle, true
	case KindDistribution:
		return ensureDistribution, true
	case KindCleanup:
		return cleanup, true
	}
	return nil, false
}

// bind makes a step which resolves the task's repo before running fn.
func bind(fn kindFunc) task.Func {
	return func(t *task.Task) error {
		v, err := t.Repo()
		if err != nil {
			return err
		}
		return fn(v.(*Repo), t)
	}
}

func bundleResource(bundleID string) string {
	return "bundle:" + bundleID
}

func bundleDescriptor(kind, bundleID string, version int64) task.Descriptor {
	return task.Descriptor{Kind: kind, Resource: bundleResource(bundleID), Version: version}
}

func catalogDescriptor(catalogID string) task.Descriptor {
	return task.Descriptor{Kind: KindCatalogUpdate, Resource: "catalog:" + catalogID, Version: task.NoVersion}
}

func objectDescriptor(catalogID, sha string) task.Descriptor {
	return task.Descriptor{Kind: KindObject, Resource: "object:" + catalogID + "/" + sha, Version: task.NoVersion}
}

// parseBundleResource returns the bundle id of a bundle: resource, without
// any distribution label.
func parseBundleResource(resource string) (string, bool) {
	if !strings.HasPrefix(resource, "bundle:") {
		return "", false
	}
	id := strings.TrimPrefix(resource, "bundle:")
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}
	return id, id != ""
}

// label returns the distribution label of a bundle: resource.
func label(resource string) string {
	if i := strings.IndexByte(resource, '#'); i >= 0 {
		return resource[i+1:]
	}
	return ""
}

// parseObjectResource splits an object: resource.
func parseObjectResource(resource string) (catalogID, sha string, ok bool) {
	rest := strings.TrimPrefix(resource, "object:")
	if rest == resource {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
