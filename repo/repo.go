// Package repo keeps a local copy of catalog bundles up to date. A Repo
// turns requests such as "make bundle X be at version V" into trees of
// tasks on a task.Scheduler, and records what it has activated in an
// index.DB.
//
// The local layout under the root directory is
//
//	catalogs/<catalogID>.json          last fetched catalog index
//	manifests/<bundleID>-<version>.json
//	objects/ab/cd/<sha>                raw content, by SHA-1
//	bundles/<bundleID>-<version>/...   activated bundle files
//	tmp/                               downloads in progress
package repo

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/getsentry/raven-go"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/catalog"
	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/fileutil"
	"github.com/ndlib/bcat/index"
	"github.com/ndlib/bcat/manifest"
	"github.com/ndlib/bcat/store"
	"github.com/ndlib/bcat/task"
)

var (
	ErrNoSource     = errors.New("repo: no source for catalog")
	ErrUnknownKind  = errors.New("repo: unknown task kind")
	ErrBadBundleID  = errors.New("repo: malformed bundle id")
	ErrNotActivated = errors.New("repo: bundle has no activated version")
	ErrClosed       = errors.New("repo: closed")
)

// Config holds the settings of a Repo. Root is required.
type Config struct {
	Root string   // local directory
	Fs   afero.Fs // default is the OS filesystem

	Sources map[string]fetch.Source // by catalog id

	// DB records tracked bundles and activated versions. The default is
	// an in-memory QL database, which the repo closes.
	DB index.DB

	Flavor  string   // only files of this flavor are fetched; empty means all
	Formats []string // preferred formats, best first

	// Scheduler to run tasks on. The default is a private scheduler with
	// Concurrency workers which the repo closes.
	Scheduler   *task.Scheduler
	Concurrency int

	// ArchiveThreshold is the number of missing objects at which a bundle
	// archive is fetched instead of individual objects. Zero disables
	// archives.
	ArchiveThreshold int

	// RefreshInterval is how often tracked bundles are brought up to their
	// distribution version. Zero disables the refresh loop.
	RefreshInterval time.Duration

	Clock clock.Clock
	Stats stats.Client
}

// Repo is a local bundle repository.
type Repo struct {
	fs        afero.Fs
	root      string
	sources   map[string]fetch.Source
	db        index.DB
	ownDB     bool
	flavor    string
	formats   []string
	sched     *task.Scheduler
	ownSched  bool
	threshold int
	clock     clock.Clock
	stats     stats.Client
	handle    *task.Handle
	objects   *store.FileSystem
	loads     singleflight.Group // manifest and catalog loads, by file name

	mu        sync.Mutex
	tasks     map[task.Descriptor]*task.Task // live tasks, for deduplication
	manifests map[string]*manifest.Manifest  // by file name
	catalogs  map[string]*catalog.Index
	closed    bool

	stop    chan struct{}
	stopped chan struct{}
}

// New opens the repository at cfg.Root, creating its directories.
func New(cfg Config) (*Repo, error) {
	if cfg.Root == "" {
		return nil, errors.New("repo: no root directory")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Stats == nil {
		cfg.Stats = &stats.HookClient{}
	}
	for _, dir := range []string{"catalogs", "manifests", "objects", "bundles", "tmp"} {
		if err := fileutil.EnsureDirectory(cfg.Fs, filepath.Join(cfg.Root, dir)); err != nil {
			return nil, err
		}
	}
	r := &Repo{
		fs:        cfg.Fs,
		root:      cfg.Root,
		sources:   cfg.Sources,
		db:        cfg.DB,
		flavor:    cfg.Flavor,
		formats:   cfg.Formats,
		sched:     cfg.Scheduler,
		threshold: cfg.ArchiveThreshold,
		clock:     cfg.Clock,
		stats:     cfg.Stats,
		objects:   store.NewFileSystem(cfg.Fs, filepath.Join(cfg.Root, "objects")),
		tasks:     make(map[task.Descriptor]*task.Task),
		manifests: make(map[string]*manifest.Manifest),
		catalogs:  make(map[string]*catalog.Index),
	}
	if r.db == nil {
		db, err := index.NewQL("memory")
		if err != nil {
			return nil, err
		}
		r.db = db
		r.ownDB = true
	}
	if r.sched == nil {
		r.sched = task.NewScheduler(task.Config{
			Concurrency: cfg.Concurrency,
			Clock:       cfg.Clock,
			Stats:       cfg.Stats,
		})
		r.ownSched = true
	}
	r.handle = task.NewHandle(r)
	if cfg.RefreshInterval > 0 {
		r.stop = make(chan struct{})
		r.stopped = make(chan struct{})
		ticker := r.clock.Ticker(cfg.RefreshInterval)
		go r.refreshLoop(ticker)
	}
	return r, nil
}

// Close stops the refresh loop and releases the repo. Tasks of the repo
// which run a step afterwards record task.ErrContextLost. A private
// scheduler is closed, which cancels the tasks still live on it.
func (r *Repo) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		<-r.stopped
	}
	r.handle.Release()
	if r.ownSched {
		r.sched.Close()
	}
	if r.ownDB {
		return r.db.Close()
	}
	return nil
}

// Root returns the local directory of the repo.
func (r *Repo) Root() string { return r.root }

// Scheduler returns the scheduler the repo submits to.
func (r *Repo) Scheduler() *task.Scheduler { return r.sched }

// TaskForDescriptor returns the live task for desc, or makes a new Pending
// one whose body is chosen by desc.Kind. The new task is not submitted.
// The task is forgotten once it is terminal, so a later call makes a new
// one.
func (r *Repo) TaskForDescriptor(desc task.Descriptor, input interface{}) (*task.Task, error) {
	body, ok := r.kind(desc.Kind)
	if !ok {
		return nil, errors.Wrap(ErrUnknownKind, desc.Kind)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if t, ok := r.tasks[desc]; ok && !terminal(t) {
		r.mu.Unlock()
		return t, nil
	}
	t, err := r.sched.NewTask(desc, r.handle, input, bind(body))
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.tasks[desc] = t
	r.mu.Unlock()

	t.OnTerminal(r.forget)
	return t, nil
}

// forget drops a terminal task from the dedup table and logs its outcome.
func (r *Repo) forget(t *task.Task) {
	r.mu.Lock()
	if r.tasks[t.Descriptor()] == t {
		delete(r.tasks, t.Descriptor())
	}
	r.mu.Unlock()

	errs := t.Errors()
	log.Printf("task %s: %s, %d errors", t.Title(), t.State(), len(errs))
	for _, err := range errs {
		if err == task.ErrContextLost {
			continue
		}
		raven.CaptureError(err, map[string]string{"task": t.Descriptor().String()})
	}
}

// Submit hands t to the scheduler. Submitting a task twice does nothing.
func (r *Repo) Submit(t *task.Task) error {
	return r.sched.Submit(t)
}

// submitNew finds or makes the task for desc and submits it.
func (r *Repo) submitNew(desc task.Descriptor, input interface{}) (*task.Task, error) {
	t, err := r.TaskForDescriptor(desc, input)
	if err != nil {
		return nil, err
	}
	return t, r.Submit(t)
}

// ActiveTasks returns the live tasks of the repo's scheduler.
func (r *Repo) ActiveTasks() []*task.Task {
	return r.sched.Active()
}

// EnsureVersion brings a bundle to the given version: its manifest and
// objects are fetched as needed and the version is activated. The returned
// task is the root of the work; its AllErrors is the report of what went
// wrong.
func (r *Repo) EnsureVersion(bundleID string, version int64) (*task.Task, error) {
	if _, _, ok := manifest.SplitBundleID(bundleID); !ok {
		return nil, errors.Wrap(ErrBadBundleID, bundleID)
	}
	if version < 0 {
		return nil, errors.Errorf("repo: bad version %d", version)
	}
	return r.submitNew(bundleDescriptor(KindEnsure, bundleID, version), nil)
}

// EnsureDistribution updates the bundle's catalog and then ensures the
// version the distribution label points at.
func (r *Repo) EnsureDistribution(bundleID, label string) (*task.Task, error) {
	if _, _, ok := manifest.SplitBundleID(bundleID); !ok {
		return nil, errors.Wrap(ErrBadBundleID, bundleID)
	}
	desc, err := task.NewDescriptor(KindDistribution, bundleResource(bundleID)+"#"+label, task.NoVersion)
	if err != nil {
		return nil, err
	}
	return r.submitNew(desc, nil)
}

// UpdateCatalog fetches the index of a catalog.
func (r *Repo) UpdateCatalog(catalogID string) (*task.Task, error) {
	if _, ok := r.sources[catalogID]; !ok {
		return nil, errors.Wrap(ErrNoSource, catalogID)
	}
	return r.submitNew(catalogDescriptor(catalogID), nil)
}

// Verify checks the files of the activated version of a bundle and the
// objects they come from.
func (r *Repo) Verify(bundleID string) (*task.Task, error) {
	return r.submitNew(bundleDescriptor(KindVerify, bundleID, task.NoVersion), nil)
}

// Cleanup removes bundle directories which are not the activated version
// and objects no activated version refers to. It waits for the tasks live
// when it is called.
func (r *Repo) Cleanup() (*task.Task, error) {
	desc := task.MustDescriptor(KindCleanup, "repo:local", task.NoVersion)
	t, err := r.TaskForDescriptor(desc, nil)
	if err != nil {
		return nil, err
	}
	if t.State() == task.Pending {
		for _, other := range r.ActiveTasks() {
			if other != t {
				// an error means other is t's ancestor or already tied in
				t.AddDependency(other)
			}
		}
	}
	return t, r.Submit(t)
}

// Track follows a distribution label of a bundle in the refresh loop.
func (r *Repo) Track(bundleID, label string) error {
	if _, _, ok := manifest.SplitBundleID(bundleID); !ok {
		return errors.Wrap(ErrBadBundleID, bundleID)
	}
	return r.db.Track(bundleID, label)
}

// Untrack stops following a bundle. Its activated version stays.
func (r *Repo) Untrack(bundleID string) error {
	return r.db.Untrack(bundleID)
}

// Status is what the repo knows about one bundle.
type Status struct {
	index.Record
	LastVerify *index.Verification
}

// Status lists every bundle the repo has tracked or activated.
func (r *Repo) Status() ([]Status, error) {
	records, err := r.db.Bundles()
	if err != nil {
		return nil, err
	}
	result := make([]Status, 0, len(records))
	for _, rec := range records {
		st := Status{Record: rec}
		if v, err := r.db.LastVerify(rec.BundleID); err == nil {
			st.LastVerify = &v
		}
		result = append(result, st)
	}
	return result, nil
}

// Refresh ensures the distribution version of every tracked bundle.
func (r *Repo) Refresh() ([]*task.Task, error) {
	records, err := r.db.Bundles()
	if err != nil {
		return nil, err
	}
	var result []*task.Task
	for _, rec := range records {
		if !rec.Tracked {
			continue
		}
		t, err := r.EnsureDistribution(rec.BundleID, rec.Label)
		if err != nil {
			log.Printf("refresh %s: %s", rec.BundleID, err)
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (r *Repo) refreshLoop(ticker *clock.Ticker) {
	defer close(r.stopped)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
		r.stats.BumpSum("repo.refresh", 1)
		if _, err := r.Refresh(); err != nil {
			log.Println("refresh:", err)
			raven.CaptureError(err, nil)
		}
	}
}

// Manifest returns the manifest of a bundle version which has been
// fetched. It returns an error wrapping manifest.ErrNotFound if it has not.
func (r *Repo) Manifest(bundleID string, version int64) (*manifest.Manifest, error) {
	name := r.manifestPath(bundleID, version)
	r.mu.Lock()
	m := r.manifests[name]
	r.mu.Unlock()
	if m != nil {
		return m, nil
	}
	v, err := r.loads.Do(name, func() (interface{}, error) {
		if ok, _ := afero.Exists(r.fs, name); !ok {
			return nil, errors.Wrapf(manifest.ErrNotFound, "%s version %d", bundleID, version)
		}
		m, err := manifest.ManifestWithPath(r.fs, name)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.manifests[name] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*manifest.Manifest), nil
}

// CurrentManifest returns the manifest of the activated version of a
// bundle.
func (r *Repo) CurrentManifest(bundleID string) (*manifest.Manifest, error) {
	version, err := r.current(bundleID)
	if err != nil {
		return nil, err
	}
	return r.Manifest(bundleID, version)
}

// BundlePath returns the directory holding the activated version of a
// bundle.
func (r *Repo) BundlePath(bundleID string) (string, error) {
	version, err := r.current(bundleID)
	if err != nil {
		return "", err
	}
	return r.bundlePath(bundleID, version), nil
}

func (r *Repo) current(bundleID string) (int64, error) {
	rec, err := r.db.Lookup(bundleID)
	if err == index.ErrNotFound || (err == nil && rec.Version == index.NoVersion) {
		return 0, errors.Wrap(ErrNotActivated, bundleID)
	}
	return rec.Version, err
}

// Catalog returns the last fetched index of a catalog.
func (r *Repo) Catalog(catalogID string) (*catalog.Index, error) {
	r.mu.Lock()
	idx := r.catalogs[catalogID]
	r.mu.Unlock()
	if idx != nil {
		return idx, nil
	}
	name := r.catalogPath(catalogID)
	v, err := r.loads.Do(name, func() (interface{}, error) {
		f, err := r.fs.Open(name)
		if err != nil {
			return nil, errors.Wrapf(catalog.ErrNotFound, "catalog %s not fetched", catalogID)
		}
		defer f.Close()
		return catalog.Read(f)
	})
	if err != nil {
		return nil, err
	}
	idx = v.(*catalog.Index)
	r.setCatalog(idx)
	return idx, nil
}

func (r *Repo) setCatalog(idx *catalog.Index) {
	r.mu.Lock()
	r.catalogs[idx.ID] = idx
	r.mu.Unlock()
}

// liveBundles returns the bundle ids with a live task other than except.
func (r *Repo) liveBundles(except *task.Task) map[string]bool {
	result := make(map[string]bool)
	for _, t := range r.liveTasks(except) {
		if id, ok := parseBundleResource(t.Descriptor().Resource); ok {
			result[id] = true
		}
	}
	return result
}

// liveTasks returns the repo's tasks other than except which are not yet
// terminal. A terminal task stays in r.tasks until its OnTerminal callback
// has run.
func (r *Repo) liveTasks(except *task.Task) []*task.Task {
	r.mu.Lock()
	var tasks []*task.Task
	for _, t := range r.tasks {
		if t != except {
			tasks = append(tasks, t)
		}
	}
	r.mu.Unlock()
	var result []*task.Task
	for _, t := range tasks {
		if !terminal(t) {
			result = append(result, t)
		}
	}
	return result
}

func terminal(t *task.Task) bool {
	st := t.State()
	return st == task.Finished || st == task.Cancelled
}

func (r *Repo) selectFiles(m *manifest.Manifest) []string {
	if r.flavor == "" {
		return m.AllFiles()
	}
	return m.FilesForFlavor(r.flavor)
}

// neededObjects maps each sha the selected files of m need to the format
// to fetch it in, in manifest order.
func (r *Repo) neededObjects(m *manifest.Manifest) ([]string, map[string]string) {
	var shas []string
	formats := make(map[string]string)
	for _, p := range r.selectFiles(m) {
		sha, _ := m.SHAForFile(p)
		if _, ok := formats[sha]; ok {
			continue
		}
		format, _ := m.BestFormatForFile(p, r.formats)
		formats[sha] = format
		shas = append(shas, sha)
	}
	return shas, formats
}

// missingObjects is the subset of shas not in the object store.
func (r *Repo) missingObjects(shas []string) []string {
	var result []string
	for _, sha := range shas {
		if !store.Exists(r.objects, sha) {
			result = append(result, sha)
		}
	}
	return result
}

func (r *Repo) source(catalogID string) (fetch.Source, error) {
	src, ok := r.sources[catalogID]
	if !ok {
		return src, errors.Wrap(ErrNoSource, catalogID)
	}
	return src, nil
}

func (r *Repo) manifestPath(bundleID string, version int64) string {
	return filepath.Join(r.root, "manifests", fmt.Sprintf("%s-%d.json", bundleID, version))
}

func (r *Repo) catalogPath(catalogID string) string {
	return filepath.Join(r.root, "catalogs", catalogID+".json")
}

func (r *Repo) bundlePath(bundleID string, version int64) string {
	return filepath.Join(r.root, "bundles", fmt.Sprintf("%s-%d", bundleID, version))
}

func (r *Repo) tmpdir() string {
	return filepath.Join(r.root, "tmp")
}
