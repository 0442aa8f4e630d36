package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/facebookgo/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/store"
)

// Store fetches resources out of a store. The path of a resource is taken
// as the key; resources with a scheme other than "store" are rejected.
type Store struct {
	local
	s store.ROStore
}

// NewStore makes a fetcher reading from s and writing temporary files into
// tempdir.
func NewStore(s store.ROStore, fs afero.Fs, tempdir string, st stats.Client) *Store {
	return &Store{local: newLocal(fs, tempdir, st), s: s}
}

// Fetch copies the item named by resource's path into a temporary file.
func (f *Store) Fetch(ctx context.Context, resource *url.URL) (string, error) {
	if resource.Scheme != "" && resource.Scheme != "store" {
		return "", errors.Wrap(ErrUnsupported, resource.String())
	}
	key := strings.TrimPrefix(resource.Path, "/")
	defer f.stats.BumpTime("fetch.store.time").End()
	rac, _, err := f.s.Open(key)
	if err == store.ErrNotExist {
		return "", errors.Wrap(ErrNotFound, key)
	} else if err != nil {
		f.stats.BumpSum("fetch.errors", 1)
		return "", err
	}
	defer rac.Close()
	return f.save(ctx, key, store.NewReader(rac))
}
