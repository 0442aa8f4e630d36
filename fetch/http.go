package fetch

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/util"
)

// HTTP fetches http and https resources.
type HTTP struct {
	local
	client *http.Client
	rate   *util.RateCounter
	token  string
}

// HTTPConfig holds the optional settings of an HTTP fetcher.
type HTTPConfig struct {
	Client    *http.Client      // default has a timeout and the certifi roots
	RateLimit *util.RateCounter // optional download rate limit, shared by all requests
	Token     string            // sent as X-Api-Key when not empty
	Stats     stats.Client
}

// NewHTTP makes an HTTP fetcher writing temporary files into tempdir.
func NewHTTP(fs afero.Fs, tempdir string, cfg HTTPConfig) *HTTP {
	client := cfg.Client
	if client == nil {
		client = defaultClient()
	}
	return &HTTP{
		local:  newLocal(fs, tempdir, cfg.Stats),
		client: client,
		rate:   cfg.RateLimit,
		token:  cfg.Token,
	}
}

// defaultClient trusts the certifi root bundle so it does not depend on the
// certificates of the host. The timeout is arbitrary and is there so a
// server which never closes the connection does not hang a task forever.
func defaultClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	pool, err := gocertifi.CACerts()
	if err != nil {
		log.Println("fetch: loading certifi roots:", err)
	} else {
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Minute}
}

// Fetch downloads resource into a temporary file.
func (h *HTTP) Fetch(ctx context.Context, resource *url.URL) (string, error) {
	if resource.Scheme != "http" && resource.Scheme != "https" {
		return "", errors.Wrap(ErrUnsupported, resource.String())
	}
	req, err := http.NewRequestWithContext(ctx, "GET", resource.String(), nil)
	if err != nil {
		return "", err
	}
	if h.token != "" {
		req.Header.Set("X-Api-Key", h.token)
	}
	defer h.stats.BumpTime("fetch.http.time").End()
	resp, err := h.client.Do(req)
	if err != nil {
		h.stats.BumpSum("fetch.errors", 1)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		h.stats.BumpSum("fetch.errors", 1)
		return "", &StatusError{URL: resource.String(), Code: resp.StatusCode}
	}
	return h.save(ctx, resource.String(), h.rate.Wrap(resp.Body))
}
