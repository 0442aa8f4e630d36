package repo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndlib/bcat/catalog"
	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/index"
	"github.com/ndlib/bcat/manifest"
	"github.com/ndlib/bcat/publish"
	"github.com/ndlib/bcat/store"
	"github.com/ndlib/bcat/task"
	"github.com/ndlib/bcat/util"
)

// countingStore records the keys opened on the source.
type countingStore struct {
	store.ROStore
	mu     sync.Mutex
	opened []string
}

func (c *countingStore) Open(key string) (store.ReadAtCloser, int64, error) {
	c.mu.Lock()
	c.opened = append(c.opened, key)
	c.mu.Unlock()
	return c.ROStore.Open(key)
}

func (c *countingStore) keys(part string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []string
	for _, k := range c.opened {
		if strings.Contains(k, part) {
			result = append(result, k)
		}
	}
	return result
}

type fixture struct {
	fs     afero.Fs
	srcFs  afero.Fs
	src    *store.Memory
	opened *countingStore
	repo   *Repo
}

func newFixture(t *testing.T, cfg Config) *fixture {
	f := &fixture{
		fs:    afero.NewMemMapFs(),
		srcFs: afero.NewMemMapFs(),
		src:   store.NewMemory(),
	}
	f.opened = &countingStore{ROStore: f.src}
	cfg.Root = "/repo"
	cfg.Fs = f.fs
	if cfg.Sources == nil {
		cfg.Sources = map[string]fetch.Source{
			"cat": {Fetcher: fetch.NewStore(f.opened, f.fs, "/repo/tmp", nil)},
		}
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	f.repo = r
	return f
}

func (f *fixture) publish(t *testing.T, files map[string]string, opts publish.Options) *manifest.Manifest {
	require.NoError(t, f.srcFs.RemoveAll("/in"))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(f.srcFs, "/in/"+name, []byte(content), 0644))
	}
	m, err := publish.Bundle(f.srcFs, "/in", f.src, "cat", "stuff", opts)
	require.NoError(t, err)
	return m
}

func (f *fixture) read(t *testing.T, name string) string {
	dir, err := f.repo.BundlePath("cat.stuff")
	require.NoError(t, err)
	b, err := afero.ReadFile(f.fs, filepath.Join(dir, name))
	require.NoError(t, err)
	return string(b)
}

func wait(t *testing.T, tk *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tk.Wait(ctx), "timed out waiting for %s", tk.Title())
}

func succeed(t *testing.T, tk *task.Task, err error) *task.Task {
	require.NoError(t, err)
	wait(t, tk)
	require.True(t, tk.IsFinished(), "%s is %s", tk.Title(), tk.State())
	require.Empty(t, tk.AllErrors())
	return tk
}

func hasInfo(tk *task.Task, text string) bool {
	for _, e := range tk.AllEvents() {
		if e.Kind == task.EventInfo && strings.Contains(e.Message, text) {
			return true
		}
	}
	return false
}

var sample = map[string]string{
	"a.txt":     "hello",
	"b/c.txt":   "world",
	"b/dup.txt": "hello",
}

func TestEnsureVersion(t *testing.T) {
	f := newFixture(t, Config{Formats: []string{fetch.FormatGzip}})
	m := f.publish(t, sample, publish.Options{Formats: []string{fetch.FormatRaw, fetch.FormatGzip}})

	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)

	for name, content := range sample {
		assert.Equal(t, content, f.read(t, name))
	}
	rec, err := f.repo.db.Lookup("cat.stuff")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	cm, err := f.repo.CurrentManifest("cat.stuff")
	require.NoError(t, err)
	assert.True(t, m.Equal(cm))

	// two distinct objects, fetched in the preferred format
	assert.Len(t, f.opened.keys("/objects/"), 2)
	for _, k := range f.opened.keys("/objects/") {
		assert.True(t, strings.HasSuffix(k, ".gz"), k)
	}

	// a second ensure finds the version active
	tk, err = f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)
	assert.True(t, hasInfo(tk, "already active"))
	assert.Len(t, f.opened.keys("/objects/"), 2)
}

func TestEnsureVersionFlavor(t *testing.T) {
	f := newFixture(t, Config{Flavor: "small"})
	f.publish(t, sample, publish.Options{
		Flavors: []string{"small", "large"},
		FlavorOf: func(p string) []string {
			if p == "b/c.txt" {
				return []string{"large"}
			}
			return []string{"small"}
		},
	})
	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)

	assert.Equal(t, "hello", f.read(t, "a.txt"))
	dir, _ := f.repo.BundlePath("cat.stuff")
	ok, _ := afero.Exists(f.fs, filepath.Join(dir, "b/c.txt"))
	assert.False(t, ok)
	assert.Len(t, f.opened.keys("/objects/"), 1)
}

func TestEnsureVersionArchive(t *testing.T) {
	f := newFixture(t, Config{ArchiveThreshold: 2})
	f.publish(t, sample, publish.Options{Archive: true})

	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)

	assert.Len(t, f.opened.keys("/archives/"), 1)
	assert.Empty(t, f.opened.keys("/objects/"))
	assert.Equal(t, "world", f.read(t, "b/c.txt"))
}

func TestEnsureVersionNoArchive(t *testing.T) {
	f := newFixture(t, Config{ArchiveThreshold: 1})
	f.publish(t, sample, publish.Options{})

	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)

	assert.True(t, hasInfo(tk, "no archive"))
	assert.Len(t, f.opened.keys("/objects/"), 2)
	assert.Equal(t, "world", f.read(t, "b/c.txt"))
}

func TestEnsureVersionBadObject(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, sample, publish.Options{})
	sha := util.HashBytes([]byte("world"))
	key := catalog.ObjectKey("cat", sha, fetch.FormatRaw)
	require.NoError(t, f.src.Delete(key))
	require.NoError(t, store.Put(f.src, key, strings.NewReader("not world")))

	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	require.NoError(t, err)
	wait(t, tk)
	assert.True(t, tk.Failed())
	var found bool
	for _, err := range tk.AllErrors() {
		if cerr, ok := err.(*ContentError); ok {
			found = cerr.SHA == sha
		}
	}
	assert.True(t, found, "%v", tk.AllErrors())
	_, err = f.repo.BundlePath("cat.stuff")
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestEnsureVersionNoSource(t *testing.T) {
	f := newFixture(t, Config{})
	tk, err := f.repo.EnsureVersion("other.stuff", 1)
	require.NoError(t, err)
	wait(t, tk)
	assert.True(t, tk.Failed())
	var found bool
	for _, err := range tk.AllErrors() {
		found = found || errors.Is(err, ErrNoSource)
	}
	assert.True(t, found, "%v", tk.AllErrors())

	_, err = f.repo.EnsureVersion("nocatalog", 1)
	assert.ErrorIs(t, err, ErrBadBundleID)
	_, err = f.repo.UpdateCatalog("other")
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestTaskForDescriptorDedup(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, sample, publish.Options{})
	desc := bundleDescriptor(KindManifest, "cat.stuff", 1)

	t1, err := f.repo.TaskForDescriptor(desc, nil)
	require.NoError(t, err)
	t2, err := f.repo.TaskForDescriptor(desc, nil)
	require.NoError(t, err)
	assert.Same(t, t1, t2)

	_, err = f.repo.TaskForDescriptor(task.MustDescriptor("no.such", "x", task.NoVersion), nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	require.NoError(t, f.repo.Submit(t1))
	wait(t, t1)
	assert.Eventually(t, func() bool {
		t3, err := f.repo.TaskForDescriptor(desc, nil)
		return err == nil && t3 != t1
	}, time.Second, 10*time.Millisecond)
}

func TestTaskForDescriptorConcurrent(t *testing.T) {
	f := newFixture(t, Config{})
	desc := bundleDescriptor(KindEnsure, "cat.stuff", 1)

	const n = 32
	var wg sync.WaitGroup
	tasks := make([]*task.Task, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tasks[i], errs[i] = f.repo.TaskForDescriptor(desc, nil)
		}(i)
	}
	close(start)
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, tasks[0], tasks[i])
	}
}

func TestContextLost(t *testing.T) {
	sched := task.NewScheduler(task.Config{})
	defer sched.Close()
	f := newFixture(t, Config{Scheduler: sched})
	tk, err := f.repo.TaskForDescriptor(catalogDescriptor("cat"), nil)
	require.NoError(t, err)
	require.NoError(t, f.repo.Close())

	_, err = f.repo.TaskForDescriptor(catalogDescriptor("cat"), nil)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, sched.Submit(tk))
	wait(t, tk)
	require.Len(t, tk.Errors(), 1)
	assert.ErrorIs(t, tk.Errors()[0], task.ErrContextLost)
}

func TestEnsureDistribution(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, map[string]string{"a.txt": "one"}, publish.Options{Distributions: []string{"master"}})

	tk, err := f.repo.EnsureDistribution("cat.stuff", "master")
	succeed(t, tk, err)
	assert.Equal(t, "one", f.read(t, "a.txt"))
	idx, err := f.repo.Catalog("cat")
	require.NoError(t, err)
	assert.Equal(t, []string{"stuff"}, idx.Bundles())

	tk, err = f.repo.EnsureDistribution("cat.stuff", "nope")
	require.NoError(t, err)
	wait(t, tk)
	assert.True(t, tk.Failed())
}

func TestRefresh(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, Config{Clock: mock, RefreshInterval: time.Minute})
	f.publish(t, map[string]string{"a.txt": "one"}, publish.Options{Distributions: []string{"master"}})
	require.NoError(t, f.repo.Track("cat.stuff", "master"))

	mock.Add(time.Minute)
	assert.Eventually(t, func() bool {
		rec, err := f.repo.db.Lookup("cat.stuff")
		return err == nil && rec.Version == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(f.repo.ActiveTasks()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	f.publish(t, map[string]string{"a.txt": "two"}, publish.Options{Distributions: []string{"master"}})
	tasks, err := f.repo.Refresh()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	wait(t, tasks[0])
	assert.Eventually(t, func() bool {
		rec, err := f.repo.db.Lookup("cat.stuff")
		return err == nil && rec.Version == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "two", f.read(t, "a.txt"))

	require.NoError(t, f.repo.Untrack("cat.stuff"))
	tasks, err = f.repo.Refresh()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestVerify(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, Config{Clock: mock})
	f.publish(t, sample, publish.Options{})

	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)

	tk, err = f.repo.Verify("cat.stuff")
	succeed(t, tk, err)
	st, err := f.repo.Status()
	require.NoError(t, err)
	require.Len(t, st, 1)
	require.NotNil(t, st[0].LastVerify)
	assert.Equal(t, "ok", st[0].LastVerify.Status)

	// damage a bundle file and an object
	dir, _ := f.repo.BundlePath("cat.stuff")
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join(dir, "a.txt"), []byte("jello"), 0644))
	sha := util.HashBytes([]byte("world"))
	name, err := f.repo.objects.Path(sha)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(f.fs, name, []byte("word"), 0644))

	mock.Add(time.Hour)
	tk, err = f.repo.Verify("cat.stuff")
	require.NoError(t, err)
	wait(t, tk)
	assert.True(t, tk.Failed())
	require.Len(t, tk.Errors(), 1)
	verr, ok := tk.Errors()[0].(*VerifyError)
	require.True(t, ok)
	assert.Len(t, verr.Problems, 2)
	assert.False(t, store.Exists(f.repo.objects, sha))

	v, err := f.repo.db.LastVerify("cat.stuff")
	require.NoError(t, err)
	assert.Equal(t, "error", v.Status)
	assert.Contains(t, v.Notes, "a.txt")
	assert.True(t, v.Checked.Equal(mock.Now()))
}

func TestVerifyNotActivated(t *testing.T) {
	f := newFixture(t, Config{})
	tk, err := f.repo.Verify("cat.stuff")
	require.NoError(t, err)
	wait(t, tk)
	require.Len(t, tk.Errors(), 1)
	assert.ErrorIs(t, tk.Errors()[0], ErrNotActivated)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, map[string]string{"a.txt": "one", "keep.txt": "same"}, publish.Options{})
	f.publish(t, map[string]string{"a.txt": "two", "keep.txt": "same"}, publish.Options{})

	tk, err := f.repo.EnsureVersion("cat.stuff", 1)
	succeed(t, tk, err)
	tk, err = f.repo.EnsureVersion("cat.stuff", 2)
	succeed(t, tk, err)
	require.NoError(t, afero.WriteFile(f.fs, "/repo/tmp/leftover", []byte("x"), 0644))

	tk, err = f.repo.Cleanup()
	succeed(t, tk, err)

	ok, _ := afero.DirExists(f.fs, "/repo/bundles/cat.stuff-1")
	assert.False(t, ok)
	ok, _ = afero.DirExists(f.fs, "/repo/bundles/cat.stuff-2")
	assert.True(t, ok)
	assert.False(t, store.Exists(f.repo.objects, util.HashBytes([]byte("one"))))
	assert.True(t, store.Exists(f.repo.objects, util.HashBytes([]byte("two"))))
	assert.True(t, store.Exists(f.repo.objects, util.HashBytes([]byte("same"))))
	ok, _ = afero.Exists(f.fs, "/repo/tmp/leftover")
	assert.False(t, ok)
	assert.Equal(t, "two", f.read(t, "a.txt"))
}

func TestTrackAndStatus(t *testing.T) {
	f := newFixture(t, Config{})
	assert.ErrorIs(t, f.repo.Track("nodot", "master"), ErrBadBundleID)
	require.NoError(t, f.repo.Track("cat.b", "master"))
	require.NoError(t, f.repo.Track("cat.a", "beta"))

	st, err := f.repo.Status()
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.Equal(t, "cat.a", st[0].BundleID)
	assert.Equal(t, "beta", st[0].Label)
	assert.True(t, st[0].Tracked)
	assert.Equal(t, int64(index.NoVersion), st[0].Version)
	assert.Nil(t, st[0].LastVerify)
}

func TestResources(t *testing.T) {
	id, ok := parseBundleResource("bundle:cat.stuff#master")
	assert.True(t, ok)
	assert.Equal(t, "cat.stuff", id)
	assert.Equal(t, "master", label("bundle:cat.stuff#master"))
	_, ok = parseBundleResource("object:cat/abc")
	assert.False(t, ok)

	c, sha, ok := parseObjectResource("object:cat/abc")
	assert.True(t, ok)
	assert.Equal(t, "cat", c)
	assert.Equal(t, "abc", sha)
	_, _, ok = parseObjectResource("object:cat/")
	assert.False(t, ok)
}
