// Package fetch copies catalog source documents and objects into local
// temporary files. A Fetcher knows how to read one kind of resource
// location; a Source ties a Fetcher to the base location of one catalog.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/facebookgo/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Exported errors
var (
	ErrNotFound    = errors.New("fetch: resource not found")
	ErrUnsupported = errors.New("fetch: unsupported resource location")
)

// A Fetcher copies the resource at a location into a new local file and
// returns the file's path. The caller owns the file and should move or
// remove it.
type Fetcher interface {
	Fetch(ctx context.Context, resource *url.URL) (string, error)
}

// StatusError is returned when a remote server answers with something other
// than success.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: received status %d", e.URL, e.Code)
}

// Unwrap lets a 404 match ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == 404 {
		return ErrNotFound
	}
	return nil
}

// Source is where the documents of one catalog are read from.
type Source struct {
	Base    *url.URL // keys are resolved against this
	Fetcher Fetcher
}

// URL returns the location of a source key.
func (s Source) URL(key string) *url.URL {
	if s.Base == nil {
		return &url.URL{Path: key}
	}
	return s.Base.ResolveReference(&url.URL{Path: key})
}

// Fetch copies the document with the given key into a local file.
func (s Source) Fetch(ctx context.Context, key string) (string, error) {
	if s.Fetcher == nil {
		return "", errors.Wrap(ErrUnsupported, key)
	}
	return s.Fetcher.Fetch(ctx, s.URL(key))
}

// local is the part shared by the fetchers: where files are written and
// where counters go.
type local struct {
	fs      afero.Fs
	tempdir string
	stats   stats.Client
}

func newLocal(fs afero.Fs, tempdir string, st stats.Client) local {
	if st == nil {
		st = &stats.HookClient{}
	}
	return local{fs: fs, tempdir: tempdir, stats: st}
}

// save copies r into a new temporary file, checking ctx between chunks.
// The file is removed on any error.
func (l local) save(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := l.fs.MkdirAll(l.tempdir, 0755); err != nil {
		return "", err
	}
	f, err := afero.TempFile(l.fs, l.tempdir, "fetch")
	if err != nil {
		return "", err
	}
	start := time.Now()
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		l.fs.Remove(f.Name())
		l.stats.BumpSum("fetch.errors", 1)
		return "", errors.Wrapf(err, "fetch %s", name)
	}
	l.stats.BumpSum("fetch.bytes", float64(n))
	l.stats.BumpSum("fetch.files", 1)
	log.Printf("fetch %s: %d bytes in %v", name, n, time.Since(start))
	return f.Name(), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
