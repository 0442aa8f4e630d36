package repo

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/archive"
	"github.com/ndlib/bcat/catalog"
	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/fileutil"
	"github.com/ndlib/bcat/index"
	"github.com/ndlib/bcat/manifest"
	"github.com/ndlib/bcat/store"
	"github.com/ndlib/bcat/task"
	"github.com/ndlib/bcat/util"
)

// ContentError is returned when fetched content does not hash to the sha
// it was fetched for.
type ContentError struct {
	SHA string
	Got string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("object %s: content hashes to %s", e.SHA, e.Got)
}

// VerifyError lists what is wrong with an activated bundle.
type VerifyError struct {
	BundleID string
	Version  int64
	Problems []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s version %d: %s", e.BundleID, e.Version, strings.Join(e.Problems, "; "))
}

func updateCatalog(r *Repo, t *task.Task) error {
	catalogID := strings.TrimPrefix(t.Descriptor().Resource, "catalog:")
	src, err := r.source(catalogID)
	if err != nil {
		return err
	}
	name, err := src.Fetch(t.Context(), catalog.IndexKey(catalogID))
	if err != nil {
		return err
	}
	defer r.fs.Remove(name)
	f, err := r.fs.Open(name)
	if err != nil {
		return err
	}
	idx, err := catalog.Read(f)
	f.Close()
	if err != nil {
		return err
	}
	if idx.ID != catalogID {
		return errors.Errorf("index of catalog %s has id %s", catalogID, idx.ID)
	}
	if err := fileutil.MoveAtomic(r.fs, name, r.catalogPath(catalogID), false); err != nil {
		return err
	}
	r.setCatalog(idx)
	t.Info("%d bundles", len(idx.Bundles()))
	return nil
}

func fetchManifest(r *Repo, t *task.Task) error {
	desc := t.Descriptor()
	bundleID, _ := parseBundleResource(desc.Resource)
	if _, err := r.Manifest(bundleID, desc.Version); err == nil {
		t.Info("manifest already present")
		return nil
	}
	catalogID, name, ok := manifest.SplitBundleID(bundleID)
	if !ok {
		return errors.Wrap(ErrBadBundleID, bundleID)
	}
	src, err := r.source(catalogID)
	if err != nil {
		return err
	}
	tmp, err := src.Fetch(t.Context(), catalog.ManifestKey(catalogID, name, desc.Version))
	if err != nil {
		return err
	}
	defer r.fs.Remove(tmp)
	m, err := manifest.ManifestWithPath(r.fs, tmp)
	if err != nil {
		return err
	}
	if m.BundleID() != bundleID || m.Version() != desc.Version {
		return errors.Errorf("manifest for %s version %d describes %s version %d",
			bundleID, desc.Version, m.BundleID(), m.Version())
	}
	target := r.manifestPath(bundleID, desc.Version)
	if err := fileutil.MoveAtomic(r.fs, tmp, target, false); err != nil {
		return err
	}
	r.mu.Lock()
	r.manifests[target] = m
	r.mu.Unlock()
	t.Info("%d files", m.FileCount())
	return nil
}

func fetchObject(r *Repo, t *task.Task) error {
	catalogID, sha, ok := parseObjectResource(t.Descriptor().Resource)
	if !ok {
		return errors.Errorf("bad object resource %s", t.Descriptor().Resource)
	}
	if store.Exists(r.objects, sha) {
		return nil
	}
	format, _ := t.Input().(string)
	src, err := r.source(catalogID)
	if err != nil {
		return err
	}
	tmp, err := src.Fetch(t.Context(), catalog.ObjectKey(catalogID, sha, format))
	if err != nil {
		return err
	}
	defer r.fs.Remove(tmp)
	n, err := r.importObject(tmp, format, sha)
	if err != nil {
		return err
	}
	r.stats.BumpSum("repo.objects", 1)
	t.Info("%d bytes", n)
	return nil
}

// importObject decodes the file name, which holds sha in the given format,
// into the object store. The content is checked before it is moved into
// place. It returns the decoded size.
func (r *Repo) importObject(name, format, sha string) (int64, error) {
	in, err := r.fs.Open(name)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := afero.TempFile(r.fs, r.tmpdir(), "object-")
	if err != nil {
		return 0, err
	}
	hw := util.NewHashWriter(out)
	err = fetch.Decode(format, in, hw)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.fs.Remove(out.Name())
		return 0, errors.Wrapf(err, "object %s", sha)
	}
	if got, ok := hw.CheckSHA(sha); !ok {
		r.fs.Remove(out.Name())
		return 0, &ContentError{SHA: sha, Got: got}
	}
	target, err := r.objects.Path(sha)
	if err != nil {
		r.fs.Remove(out.Name())
		return 0, err
	}
	err = fileutil.MoveAtomic(r.fs, out.Name(), target, true)
	if errors.Is(err, fileutil.ErrExists) {
		// someone else got there first
		r.fs.Remove(out.Name())
		err = nil
	}
	return hw.Size(), err
}

func fetchArchive(r *Repo, t *task.Task) error {
	desc := t.Descriptor()
	bundleID, _ := parseBundleResource(desc.Resource)
	catalogID, name, ok := manifest.SplitBundleID(bundleID)
	if !ok {
		return errors.Wrap(ErrBadBundleID, bundleID)
	}
	src, err := r.source(catalogID)
	if err != nil {
		return err
	}
	zipName, err := src.Fetch(t.Context(), catalog.ArchiveKey(catalogID, name, desc.Version))
	if errors.Is(err, fetch.ErrNotFound) {
		t.Info("no archive offered")
		return nil
	} else if err != nil {
		return err
	}
	defer r.fs.Remove(zipName)
	dir, err := afero.TempDir(r.fs, r.tmpdir(), "archive-")
	if err != nil {
		return err
	}
	defer fileutil.RemoveRecursive(r.fs, dir)
	if _, err := archive.Extract(r.fs, zipName, dir); err != nil {
		return err
	}
	entries, err := fileutil.ListFiles(r.fs, dir)
	if err != nil {
		return err
	}
	var n int
	for _, entry := range entries {
		sha, format, ok := catalog.ParseObjectName(path.Base(entry))
		if !ok || store.Exists(r.objects, sha) {
			continue
		}
		if _, err := r.importObject(filepath.Join(dir, filepath.FromSlash(entry)), format, sha); err != nil {
			// the object is fetched on its own afterwards
			t.RecordError(err)
			continue
		}
		n++
	}
	r.stats.BumpSum("repo.objects", float64(n))
	t.Info("%d objects from archive", n)
	return nil
}

func ensureBundle(r *Repo, t *task.Task) error {
	desc := t.Descriptor()
	bundleID, _ := parseBundleResource(desc.Resource)
	version := desc.Version
	if rec, err := r.db.Lookup(bundleID); err == nil && rec.Version == version {
		if ok, _ := afero.DirExists(r.fs, r.bundlePath(bundleID, version)); ok {
			t.Info("version %d is already active", version)
			return nil
		}
	}
	mt, err := r.TaskForDescriptor(bundleDescriptor(KindManifest, bundleID, version), nil)
	if err != nil {
		return err
	}
	if err := t.Enqueue(mt); err != nil {
		return err
	}
	t.Then(func(t *task.Task) error {
		return r.ensureObjects(t, bundleID, version)
	})
	return nil
}

// ensureObjects runs once the manifest is present. It fetches the bundle
// archive when enough objects are missing, and then each object still
// missing.
func (r *Repo) ensureObjects(t *task.Task, bundleID string, version int64) error {
	m, err := r.Manifest(bundleID, version)
	if err != nil {
		return err
	}
	shas, formats := r.neededObjects(m)
	missing := r.missingObjects(shas)
	t.Info("%d of %d objects missing", len(missing), len(shas))
	if r.threshold > 0 && len(missing) >= r.threshold {
		at, err := r.TaskForDescriptor(bundleDescriptor(KindArchive, bundleID, version), nil)
		if err != nil {
			return err
		}
		if err := t.Enqueue(at); err != nil {
			return err
		}
		t.Then(func(t *task.Task) error {
			return r.fetchObjects(t, m, shas, formats)
		})
		return nil
	}
	return r.fetchObjects(t, m, shas, formats)
}

func (r *Repo) fetchObjects(t *task.Task, m *manifest.Manifest, shas []string, formats map[string]string) error {
	for _, sha := range r.missingObjects(shas) {
		ot, err := r.TaskForDescriptor(objectDescriptor(m.CatalogID(), sha), formats[sha])
		if err != nil {
			return err
		}
		if err := t.Enqueue(ot); err != nil {
			return err
		}
	}
	t.Then(func(t *task.Task) error {
		if missing := r.missingObjects(shas); len(missing) > 0 {
			return errors.Errorf("%s version %d: %d objects missing", m.BundleID(), m.Version(), len(missing))
		}
		t.Progress(int64(len(shas)), int64(len(shas)))
		at, err := r.TaskForDescriptor(bundleDescriptor(KindActivate, m.BundleID(), m.Version()), nil)
		if err != nil {
			return err
		}
		return t.Enqueue(at)
	})
	return nil
}

func activateBundle(r *Repo, t *task.Task) error {
	desc := t.Descriptor()
	bundleID, _ := parseBundleResource(desc.Resource)
	m, err := r.Manifest(bundleID, desc.Version)
	if err != nil {
		return err
	}
	dir := r.bundlePath(bundleID, desc.Version)
	if ok, _ := afero.DirExists(r.fs, dir); !ok {
		if err := r.buildBundle(t, m, dir); err != nil {
			return err
		}
	}
	if err := r.db.SetCurrent(bundleID, desc.Version); err != nil {
		return err
	}
	t.Info("activated version %d", desc.Version)
	return nil
}

// buildBundle copies the selected files of m out of the object store into
// a temporary directory and then moves it to dir.
func (r *Repo) buildBundle(t *task.Task, m *manifest.Manifest, dir string) error {
	tmp, err := afero.TempDir(r.fs, r.tmpdir(), "activate-")
	if err != nil {
		return err
	}
	for _, p := range r.selectFiles(m) {
		if err := t.Context().Err(); err != nil {
			fileutil.RemoveRecursive(r.fs, tmp)
			return err
		}
		sha, _ := m.SHAForFile(p)
		if err := r.copyObject(sha, filepath.Join(tmp, filepath.FromSlash(p))); err != nil {
			fileutil.RemoveRecursive(r.fs, tmp)
			return errors.Wrapf(err, "activate %s", p)
		}
	}
	if err := fileutil.MoveAtomic(r.fs, tmp, dir, false); err != nil {
		fileutil.RemoveRecursive(r.fs, tmp)
		return err
	}
	return nil
}

func (r *Repo) copyObject(sha, target string) error {
	rac, _, err := r.objects.Open(sha)
	if err != nil {
		return err
	}
	defer rac.Close()
	if err := fileutil.EnsureDirectory(r.fs, filepath.Dir(target)); err != nil {
		return err
	}
	out, err := r.fs.Create(target)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, store.NewReader(rac))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func ensureDistribution(r *Repo, t *task.Task) error {
	resource := t.Descriptor().Resource
	bundleID, _ := parseBundleResource(resource)
	lbl := label(resource)
	catalogID, name, ok := manifest.SplitBundleID(bundleID)
	if !ok {
		return errors.Wrap(ErrBadBundleID, bundleID)
	}
	ct, err := r.TaskForDescriptor(catalogDescriptor(catalogID), nil)
	if err != nil {
		return err
	}
	if err := t.Enqueue(ct); err != nil {
		return err
	}
	t.Then(func(t *task.Task) error {
		idx, err := r.Catalog(catalogID)
		if err != nil {
			return err
		}
		version, err := idx.Distribution(name, lbl)
		if err != nil {
			return errors.Wrapf(err, "%s distribution %s", bundleID, lbl)
		}
		t.Info("%s is version %d", lbl, version)
		et, err := r.TaskForDescriptor(bundleDescriptor(KindEnsure, bundleID, version), nil)
		if err != nil {
			return err
		}
		return t.Enqueue(et)
	})
	return nil
}

func verifyBundle(r *Repo, t *task.Task) error {
	bundleID, _ := parseBundleResource(t.Descriptor().Resource)
	version, err := r.current(bundleID)
	if err != nil {
		return err
	}
	m, err := r.Manifest(bundleID, version)
	if err != nil {
		return err
	}
	fl := fileutil.New(r.bundlePath(bundleID, version))
	if err := fl.BuildList(r.fs); err != nil {
		return err
	}
	expected := make(map[string]string)
	for _, p := range r.selectFiles(m) {
		expected[p], _ = m.SHAForFile(p)
	}
	mismatched, extra := fl.Compare(expected)
	sort.Strings(mismatched)
	sort.Strings(extra)
	var problems []string
	for _, p := range mismatched {
		problems = append(problems, p+": missing or changed")
	}
	for _, p := range extra {
		problems = append(problems, p+": not in manifest")
	}
	shas, _ := r.neededObjects(m)
	for _, sha := range shas {
		name, _ := r.objects.Path(sha)
		got, err := fileutil.HashFile(r.fs, name)
		if err == nil && got == sha {
			continue
		}
		problems = append(problems, "object "+sha+": missing or damaged")
		// so the next ensure fetches it again
		r.objects.Delete(sha)
	}

	v := index.Verification{
		BundleID: bundleID,
		Version:  version,
		Checked:  r.clock.Now(),
		Status:   "ok",
	}
	if len(problems) > 0 {
		v.Status = "error"
		v.Notes = strings.Join(problems, "\n")
	}
	if err := r.db.RecordVerify(v); err != nil {
		return err
	}
	if len(problems) > 0 {
		return &VerifyError{BundleID: bundleID, Version: version, Problems: problems}
	}
	t.Info("%d files and %d objects ok", len(expected), len(shas))
	return nil
}

func cleanup(r *Repo, t *task.Task) error {
	records, err := r.db.Bundles()
	if err != nil {
		return err
	}
	live := r.liveBundles(t)
	keep := make(map[string]bool)
	referenced := make(map[string]bool)
	objectsKnown := true
	for _, rec := range records {
		if rec.Version == index.NoVersion {
			continue
		}
		keep[filepath.Base(r.bundlePath(rec.BundleID, rec.Version))] = true
		m, err := r.Manifest(rec.BundleID, rec.Version)
		if err != nil {
			t.RecordError(err)
			objectsKnown = false
			continue
		}
		shas, _ := r.neededObjects(m)
		for _, sha := range shas {
			referenced[sha] = true
		}
	}

	var dirs int
	entries, err := afero.ReadDir(r.fs, filepath.Join(r.root, "bundles"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		bundleID, _, ok := catalog.ParseVersioned(e.Name(), "")
		if !ok || keep[e.Name()] || live[bundleID] {
			continue
		}
		if err := fileutil.RemoveRecursive(r.fs, filepath.Join(r.root, "bundles", e.Name())); err != nil {
			t.RecordError(err)
			continue
		}
		dirs++
	}

	// objects and temporary files may belong to any running task
	var objects int
	if objectsKnown && r.idle(t) {
		var unused []string
		for key := range r.objects.List() {
			if !referenced[key] {
				unused = append(unused, key)
			}
		}
		for _, key := range unused {
			if err := r.objects.Delete(key); err != nil {
				t.RecordError(err)
				continue
			}
			objects++
		}
		if err := fileutil.RemoveRecursive(r.fs, r.tmpdir()); err != nil {
			return err
		}
		if err := fileutil.EnsureDirectory(r.fs, r.tmpdir()); err != nil {
			return err
		}
	}
	t.Info("removed %d bundle directories and %d objects", dirs, objects)
	return nil
}

// idle is true if the repo has no live task other than except.
func (r *Repo) idle(except *task.Task) bool {
	return len(r.liveTasks(except)) == 0
}
