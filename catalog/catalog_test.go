package catalog

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

const sampleIndex = `{
  "id": "com.example.assets",
  "format": 1,
  "bundles": {
    "icons": {"versions": [3, 1, 2], "distributions": {"master": 3, "beta": 2}},
    "sounds": {"versions": [7]}
  }
}`

func TestParse(t *testing.T) {
	x, err := Parse([]byte(sampleIndex))
	if err != nil {
		t.Fatal(err)
	}
	if x.ID != "com.example.assets" {
		t.Errorf("Received %s, expected com.example.assets", x.ID)
	}
	if names := x.Bundles(); !reflect.DeepEqual(names, []string{"icons", "sounds"}) {
		t.Errorf("Received %v, expected [icons sounds]", names)
	}
	if v := x.Versions("icons"); !reflect.DeepEqual(v, []int64{1, 2, 3}) {
		t.Errorf("Received %v, expected [1 2 3]", v)
	}
	if v, err := x.Distribution("icons", "beta"); err != nil || v != 2 {
		t.Errorf("Received %d, %v, expected 2", v, err)
	}
	if _, err := x.Distribution("sounds", "master"); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
	if labels := x.Distributions("icons"); !reflect.DeepEqual(labels, []string{"beta", "master"}) {
		t.Errorf("Received %v, expected [beta master]", labels)
	}
	if v, err := x.Latest("sounds"); err != nil || v != 7 {
		t.Errorf("Received %d, %v, expected 7", v, err)
	}
	if _, err := x.Latest("missing"); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
}

func TestParseErrors(t *testing.T) {
	var table = []string{
		`not json`,
		`{"bundles": {}}`,
		`{"id": "c", "format": 2}`,
		`{"id": "c", "bundles": {"a": 5}}`,
		`{"id": "c", "bundles": {"a": {"versions": ["x"]}}}`,
		`{"id": "c", "bundles": {"a": {"versions": [-1]}}}`,
		`{"id": "c", "bundles": {"a": {"versions": [1], "distributions": {"master": 2}}}}`,
	}
	for _, doc := range table {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected an error", doc)
		}
	}
	_, err := Parse([]byte(`{"id": "c", "format": 2}`))
	if errors.Cause(err) != ErrFormat {
		t.Errorf("Received %v, expected %v", err, ErrFormat)
	}
}

func TestEmptyIndex(t *testing.T) {
	x, err := Parse([]byte(`{"id": "c"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Bundles()) != 0 {
		t.Errorf("Received %v, expected no bundles", x.Bundles())
	}
}

func TestAddVersion(t *testing.T) {
	x := New("c")
	for _, v := range []int64{5, 1, 3, 3, 9} {
		if err := x.AddVersion("b", v); err != nil {
			t.Fatal(err)
		}
	}
	if v := x.Versions("b"); !reflect.DeepEqual(v, []int64{1, 3, 5, 9}) {
		t.Errorf("Received %v, expected [1 3 5 9]", v)
	}
	if !x.HasVersion("b", 5) || x.HasVersion("b", 4) || x.HasVersion("z", 1) {
		t.Errorf("HasVersion gave the wrong answer")
	}
	if err := x.SetDistribution("b", "master", 4); errors.Cause(err) != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
}

func TestRoundTrip(t *testing.T) {
	x, err := Parse([]byte(sampleIndex))
	if err != nil {
		t.Fatal(err)
	}
	b, err := x.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	y, err := Parse(b)
	if err != nil {
		t.Fatalf("%s: %s", b, err)
	}
	if !reflect.DeepEqual(x, y) {
		t.Errorf("Received %s, expected %s", y, x)
	}
}

func TestLayout(t *testing.T) {
	var table = []struct {
		got, want string
	}{
		{IndexKey("c"), "c/index.json"},
		{ManifestKey("c", "icons", 3), "c/manifests/icons-3.json"},
		{ObjectKey("c", "abc", "gz"), "c/objects/abc.gz"},
		{ArchiveKey("c", "my-icons", 12), "c/archives/my-icons-12.zip"},
	}
	for _, tab := range table {
		if tab.got != tab.want {
			t.Errorf("Received %s, expected %s", tab.got, tab.want)
		}
	}

	name, v, ok := ParseVersioned("my-icons-12.zip", "zip")
	if !ok || name != "my-icons" || v != 12 {
		t.Errorf("Received %s %d %v, expected my-icons 12 true", name, v, ok)
	}
	if _, _, ok := ParseVersioned("icons.zip", "zip"); ok {
		t.Errorf("icons.zip parsed")
	}
	sha, format, ok := ParseObjectName("abc.webp")
	if !ok || sha != "abc" || format != "webp" {
		t.Errorf("Received %s %s %v, expected abc webp true", sha, format, ok)
	}
	if _, _, ok := ParseObjectName("abc"); ok {
		t.Errorf("abc parsed")
	}
}
