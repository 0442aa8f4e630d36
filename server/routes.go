// Package server serves catalog sources over HTTP, so one host can be the
// source for many repos, and reports on and drives a local repo.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	"github.com/golang/groupcache/singleflight"
	"github.com/julienschmidt/httprouter"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/blobcache"
	"github.com/ndlib/bcat/metrics"
	"github.com/ndlib/bcat/repo"
	"github.com/ndlib/bcat/store"
)

// Version is reported by the welcome route. It is set at link time.
var Version = "dev"

// RESTServer holds the configuration for a bcat REST API server.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run or Handler.
type RESTServer struct {
	// Port number to listen on. defaults to 14000
	PortNumber string
	PProfPort  string

	// Source holds the catalog documents served under /source/. Keys are
	// laid out as catalog.IndexKey and friends describe. May be nil.
	Source store.ROStore

	// CacheDir is a directory for the blob cache. If it is empty, or
	// CacheSize is zero, documents are read from Source every time.
	CacheDir  string
	CacheSize int64 // in bytes

	// Cache is used instead of making one from CacheDir if it is set.
	Cache blobcache.Cache

	// Repo is the local repository reported on under /bundle and /task.
	// May be nil.
	Repo *repo.Repo

	// Metrics, if set, is served at /metrics and receives the server's
	// counters.
	Metrics *metrics.Collector

	// Validator checks the X-Api-Key of each request. If this is nil then
	// no authentication is done.
	Validator TokenValidator

	once      sync.Once
	stats     stats.Client
	server    httpdown.Server    // used to close our listening socket
	useSource atomic.Bool        // false serves cached documents only
	flights   singleflight.Group // cache fills, by key
}

// Run sets up the server and then blocks listening for and handling http
// requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting bcat server version %s", Version)
	log.Printf("CacheDir = %s", s.CacheDir)
	log.Printf("CacheSize = %d", s.CacheSize)

	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	handler := s.Handler()

	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: handler,
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and returns once the open connections
// have finished.
func (s *RESTServer) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// Handler returns the routes of the server, setting it up on first use.
func (s *RESTServer) Handler() http.Handler {
	s.once.Do(s.setup)
	return s.addRoutes()
}

func (s *RESTServer) setup() {
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NobodyValidator{}
	}
	s.stats = &stats.HookClient{}
	if s.Metrics != nil {
		s.stats = s.Metrics
	}
	if s.Source == nil {
		s.Source = store.NewMemory()
	}

	if s.Cache == nil {
		if s.CacheDir == "" || s.CacheSize == 0 {
			log.Println("Not using blob cache")
			s.Cache = blobcache.EmptyCache{}
		} else {
			path := filepath.Join(s.CacheDir, "blobcache")
			fs := afero.NewOsFs()
			fs.MkdirAll(path, 0755)
			c := blobcache.NewLRU(store.NewFileSystem(fs, path), s.CacheSize)
			go c.Scan()
			s.Cache = c
		}
	}
	if lru, ok := s.Cache.(*blobcache.LRU); ok && s.Metrics != nil {
		s.Metrics.GaugeFunc("server.cache.bytes", "bytes held in the blob cache", func() float64 {
			return float64(lru.Size())
		})
	}
	s.EnableSourceUse()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		// catalog documents
		{"GET", "/source/*key", RoleRead, s.SourceHandler},
		{"HEAD", "/source/*key", RoleRead, s.SourceHandler},
		{"GET", "/list/*prefix", RoleRead, s.ListHandler},

		// the local repo
		{"GET", "/bundle", RoleRead, s.BundleListHandler},
		{"GET", "/bundle/:id", RoleRead, s.BundleHandler},
		{"POST", "/bundle/:id/ensure", RoleWrite, s.EnsureHandler},
		{"POST", "/bundle/:id/verify", RoleWrite, s.VerifyHandler},
		{"PUT", "/bundle/:id/track/:label", RoleWrite, s.TrackHandler},
		{"DELETE", "/bundle/:id/track", RoleWrite, s.UntrackHandler},
		{"GET", "/task", RoleRead, s.TaskListHandler},
		{"POST", "/admin/cleanup", RoleAdmin, s.CleanupHandler},

		// /admin/use_source (enable, disable, get status)
		{"GET", "/admin/use_source", RoleUnknown, s.GetSourceUseHandler},
		{"PUT", "/admin/use_source/:status", RoleAdmin, s.SetSourceUseHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/metrics", RoleUnknown, s.MetricsHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// General route handlers and convenience functions

// WelcomeHandler identifies the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "bcat (%s)\n", Version)
}

// MetricsHandler serves the prometheus metrics, if there are any.
func (s *RESTServer) MetricsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Metrics == nil {
		NotImplementedHandler(w, r, ps)
		return
	}
	s.Metrics.Handler().ServeHTTP(w, r)
}

// NotImplementedHandler will return a 501 not implemented error.
func NotImplementedHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.WriteHeader(http.StatusNotImplemented)
	fmt.Fprintf(w, "Not Implemented\n")
}

func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(val) // ignore any error
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenValid(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}

		// is role valid?
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		// replace any previous username
		var found bool
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				found = true
			}
		}
		if !found {
			ps = append(ps, httprouter.Param{Key: "username", Value: user})
		}
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
