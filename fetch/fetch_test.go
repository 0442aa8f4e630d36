package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ndlib/bcat/store"
)

func readFile(t *testing.T, fs afero.Fs, name string) string {
	b, err := afero.ReadFile(fs, name)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestHTTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(401)
			return
		}
		if r.URL.Path != "/c/index.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id": "c"}`))
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	base, _ := url.Parse(ts.URL + "/")
	src := Source{Base: base, Fetcher: NewHTTP(fs, "/tmp", HTTPConfig{Client: ts.Client(), Token: "secret"})}

	name, err := src.Fetch(context.Background(), "c/index.json")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, name); got != `{"id": "c"}` {
		t.Errorf("Received %s, expected the index", got)
	}

	_, err = src.Fetch(context.Background(), "c/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != 404 {
		t.Errorf("Received %v, expected a 404 StatusError", err)
	}

	src.Fetcher = NewHTTP(fs, "/tmp", HTTPConfig{Client: ts.Client()})
	_, err = src.Fetch(context.Background(), "c/index.json")
	if errors.Is(err, ErrNotFound) || !errors.As(err, &serr) || serr.Code != 401 {
		t.Errorf("Received %v, expected a 401 StatusError", err)
	}

	// only the index was saved
	files, _ := afero.ReadDir(fs, "/tmp")
	if len(files) != 1 {
		t.Errorf("Received %d temporary files, expected 1", len(files))
	}
}

func TestHTTPRejectsOtherSchemes(t *testing.T) {
	h := NewHTTP(afero.NewMemMapFs(), "/tmp", HTTPConfig{})
	_, err := h.Fetch(context.Background(), &url.URL{Scheme: "ftp", Host: "example.com", Path: "/x"})
	if errors.Cause(err) != ErrUnsupported {
		t.Errorf("Received %v, expected %v", err, ErrUnsupported)
	}
}

func TestStore(t *testing.T) {
	mem := store.NewMemory()
	store.Put(mem, "c/objects/abc.raw", strings.NewReader("hello"))

	fs := afero.NewMemMapFs()
	src := Source{Fetcher: NewStore(mem, fs, "/tmp", nil)}
	name, err := src.Fetch(context.Background(), "c/objects/abc.raw")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, name); got != "hello" {
		t.Errorf("Received %s, expected hello", got)
	}

	_, err = src.Fetch(context.Background(), "c/objects/nothere.raw")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Fetch(ctx, "c/objects/abc.raw")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Received %v, expected %v", err, context.Canceled)
	}
	files, _ := afero.ReadDir(fs, "/tmp")
	if len(files) != 1 {
		t.Errorf("Received %d temporary files, expected 1", len(files))
	}
}

func TestSourceURL(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/catalogs/")
	var table = []struct {
		base *url.URL
		key  string
		want string
	}{
		{base, "c/index.json", "https://cdn.example.com/catalogs/c/index.json"},
		{nil, "c/index.json", "c/index.json"},
	}
	for _, tab := range table {
		got := Source{Base: tab.base}.URL(tab.key).String()
		if got != tab.want {
			t.Errorf("Received %s, expected %s", got, tab.want)
		}
	}
	_, err := Source{}.Fetch(context.Background(), "x")
	if errors.Cause(err) != ErrUnsupported {
		t.Errorf("Received %v, expected %v", err, ErrUnsupported)
	}
}

func TestDecode(t *testing.T) {
	content := bytes.Repeat([]byte("some content to compress "), 100)
	for _, format := range []string{FormatRaw, FormatGzip, FormatZappy, "png"} {
		var encoded, decoded bytes.Buffer
		if err := Encode(format, bytes.NewReader(content), &encoded); err != nil {
			t.Fatalf("%s: %s", format, err)
		}
		if Encoded(format) && encoded.Len() >= len(content) {
			t.Errorf("%s: encoded %d bytes, expected fewer than %d", format, encoded.Len(), len(content))
		}
		if err := Decode(format, &encoded, &decoded); err != nil {
			t.Fatalf("%s: %s", format, err)
		}
		if !bytes.Equal(decoded.Bytes(), content) {
			t.Errorf("%s: round trip changed the content", format)
		}
	}
	if err := Decode(FormatGzip, strings.NewReader("not gzip"), &bytes.Buffer{}); err == nil {
		t.Errorf("Expected an error decoding bad gzip")
	}
}
