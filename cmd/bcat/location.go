package main

import (
	"log"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/store"
	"github.com/ndlib/bcat/util"
)

// splitBucketPrefix will take a path and separate the bucket name from a prefix, if any.
// It will also append "addition" to the prefix, and make sure the prefix returned is
// either empty or ends with a slash "/".
//
// examples:
//
//	"" -> ("", "")
//	"bucket" -> ("bucket", "")
//	"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(location string, addition string) (bucket, prefix string) {
	if location == "" {
		return
	}
	location = strings.TrimPrefix(location, "/")
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if addition != "" {
		prefix = path.Join(prefix, addition)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

// parselocation will create an appropriate store based on "location".
// If location is empty, a memory store is returned.
// It understands the special scheme "s3:". Anything without a scheme, or
// with "file:", is a directory tree on fs.
func parselocation(fs afero.Fs, location string, addition string) (store.Store, error) {
	if location == "" {
		return store.NewMemory(), nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "", "file":
		p := u.Path
		if p == "" {
			// "file:rel/path" has an opaque part and no path
			p = u.Opaque
		}
		p = filepath.Join(p, addition)
		if err := fs.MkdirAll(p, 0755); err != nil {
			return nil, err
		}
		return store.NewTree(fs, p), nil
	case "s3":
		conf := &aws.Config{}
		if u.Host != "" {
			conf.Endpoint = aws.String(u.Host)
			conf.Region = aws.String("us-east-1")
			// disable SSL for local development
			if strings.Contains(u.Host, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		bucket, prefix := splitBucketPrefix(u.Path, addition)
		if bucket == "" {
			return nil, errors.Errorf("location %s: no bucket name", location)
		}
		return store.NewS3(bucket, prefix, session.New(conf)), nil
	}
	log.Println("Problem parsing location", location)
	return nil, errors.Errorf("location %s: unknown scheme %s", location, u.Scheme)
}

// sourceOptions are the fetch settings shared by every catalog source.
type sourceOptions struct {
	Fs        afero.Fs // local filesystem of the repo
	TempDir   string
	Token     string
	RateLimit float64 // bytes per second, zero is unlimited
	Stats     stats.Client
}

// parsesource makes the catalog source for a location. http and https
// locations are read through the catalog server's /source/ route; anything
// else is a store read directly.
func parsesource(location string, opts sourceOptions) (fetch.Source, error) {
	u, err := url.Parse(location)
	if err != nil {
		return fetch.Source{}, err
	}
	switch u.Scheme {
	case "http", "https":
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		var rate *util.RateCounter
		if opts.RateLimit > 0 {
			rate = util.NewRateCounter(opts.RateLimit, clock.New())
		}
		return fetch.Source{
			Base: u,
			Fetcher: fetch.NewHTTP(opts.Fs, opts.TempDir, fetch.HTTPConfig{
				RateLimit: rate,
				Token:     opts.Token,
				Stats:     opts.Stats,
			}),
		}, nil
	}
	s, err := parselocation(afero.NewOsFs(), location, "")
	if err != nil {
		return fetch.Source{}, err
	}
	return fetch.Source{Fetcher: fetch.NewStore(s, opts.Fs, opts.TempDir, opts.Stats)}, nil
}
