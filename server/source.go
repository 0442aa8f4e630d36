package server

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/bcat/blobcache"
	"github.com/ndlib/bcat/catalog"
	"github.com/ndlib/bcat/store"
)

// errNoSource is reported while source use is disabled.
var errNoSource = errors.New("source use is disabled")

// EnableSourceUse lets documents missing from the cache be read from the
// source.
func (s *RESTServer) EnableSourceUse() {
	log.Println("Enabling source use")
	s.useSource.Store(true)
}

// DisableSourceUse restricts the server to the documents in its cache, for
// when the source is down for maintenance.
func (s *RESTServer) DisableSourceUse() {
	log.Println("Disabling source use")
	s.useSource.Store(false)
}

// SetSourceUseHandler handles requests to PUT /admin/use_source/:status
func (s *RESTServer) SetSourceUseHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	status := ps.ByName("status")
	switch status {
	case "on":
		s.EnableSourceUse()
		w.WriteHeader(201)
	case "off":
		s.DisableSourceUse()
		w.WriteHeader(201)
	default:
		w.WriteHeader(400)
		log.Println("PUT /admin/use_source: unknown parameter", status)
	}
}

// GetSourceUseHandler handles requests from GET /admin/use_source
func (s *RESTServer) GetSourceUseHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.useSource.Load() {
		fmt.Fprintf(w, "On")
	} else {
		fmt.Fprintf(w, "Off")
	}
}

// SourceHandler handles GET and HEAD requests to /source/*key. The cache is
// consulted first, and documents read from the source are added to it.
// Catalog indexes are always read from the source while it is in use.
func (s *RESTServer) SourceHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// the star parameter in httprouter returns the leading slash
	key := strings.TrimPrefix(ps.ByName("key"), "/")
	if key == "" {
		w.WriteHeader(404)
		return
	}
	var (
		rac  store.ReadAtCloser
		size int64
		err  error
	)
	if mutable(key) && s.useSource.Load() {
		s.stats.BumpSum("server.source.reload", 1)
		rac, size, err = s.reload(key)
	} else {
		rac, size, err = s.Cache.Get(key)
		if err != nil {
			log.Printf("cache get %s: %s", key, err)
		}
		if rac != nil {
			s.stats.BumpSum("server.cache.hit", 1)
		} else {
			s.stats.BumpSum("server.cache.miss", 1)
			if !s.useSource.Load() {
				w.WriteHeader(503)
				fmt.Fprintln(w, errNoSource)
				log.Printf("GET /source/%s returns 503 - source disabled", key)
				return
			}
			rac, size, err = s.fill(key)
		}
	}
	if err == store.ErrNotExist {
		w.WriteHeader(404)
		fmt.Fprintln(w, err)
		return
	} else if err != nil {
		log.Printf("GET /source/%s: %s", key, err)
		raven.CaptureError(err, map[string]string{"key": key})
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	defer rac.Close()
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Type", contentType(key))
	if r.Method == "HEAD" {
		return
	}
	n, err := io.Copy(w, store.NewReader(rac))
	s.stats.BumpSum("server.bytes", float64(n))
	if err != nil {
		log.Printf("GET /source/%s: %s", key, err)
	}
}

// fill copies key from the source into the cache and then reads it from
// there. Concurrent requests for a key share one copy. A document the
// cache will not take is read from the source directly.
func (s *RESTServer) fill(key string) (store.ReadAtCloser, int64, error) {
	if _, ok := s.Cache.(blobcache.EmptyCache); !ok {
		_, err := s.flights.Do(key, func() (interface{}, error) {
			return nil, s.copyToCache(key)
		})
		if err == store.ErrNotExist {
			return nil, 0, err
		} else if err != nil && err != store.ErrKeyExists {
			log.Printf("cache fill %s: %s", key, err)
		}
		if rac, size, err := s.Cache.Get(key); err == nil && rac != nil {
			return rac, size, nil
		}
	}
	return s.Source.Open(key)
}

// mutable reports whether the document at key may change in place. Only
// catalog indexes do; manifests, objects and archives are written once.
func mutable(key string) bool {
	return key == catalog.IndexKey(path.Dir(key))
}

// reload reads a mutable document from the source, replacing the cached
// copy, which is only served while source use is disabled.
func (s *RESTServer) reload(key string) (store.ReadAtCloser, int64, error) {
	_, err := s.flights.Do(key, func() (interface{}, error) {
		if err := s.Cache.Delete(key); err != nil {
			return nil, err
		}
		return nil, s.copyToCache(key)
	})
	if err != nil && err != store.ErrNotExist {
		log.Printf("cache reload %s: %s", key, err)
	}
	return s.Source.Open(key)
}

func (s *RESTServer) copyToCache(key string) error {
	if s.Cache.Contains(key) {
		return nil
	}
	rac, _, err := s.Source.Open(key)
	if err != nil {
		return err
	}
	defer rac.Close()
	cw, err := s.Cache.Put(key)
	if err != nil {
		return err
	}
	_, err = io.Copy(cw, store.NewReader(rac))
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	return err
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}

// ListHandler handles GET requests to /list/*prefix and returns the keys of
// the source beginning with prefix as a JSON list.
func (s *RESTServer) ListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	prefix := strings.TrimPrefix(ps.ByName("prefix"), "/")
	if !s.useSource.Load() {
		w.WriteHeader(503)
		fmt.Fprintln(w, errNoSource)
		log.Printf("GET /list/%s returns 503 - source disabled", prefix)
		return
	}
	result, err := s.Source.ListPrefix(prefix)
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	if result == nil {
		result = []string{}
	}
	writeJSON(w, 200, result)
}
