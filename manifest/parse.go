package manifest

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// A ParseError is returned when a manifest document is malformed or
// describes an invalid manifest. No Manifest is returned alongside it.
type ParseError struct {
	Path  string // source file, if known
	Line  int    // line in the source document, if known
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("manifest")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// ManifestWithPath reads and parses the manifest stored at path on fs.
// Errors reading the file are returned as is, errors in its contents are
// a *ParseError.
func ManifestWithPath(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if perr, ok := err.(*ParseError); ok {
		perr.Path = path
	}
	return m, err
}

// Read parses a manifest document from r.
func Read(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a manifest document. The document may be either JSON or
// YAML. Keys of the files and formats sections keep their declaration
// order.
//
// A document looks like
//
//	{"bundleName": "sounds",
//	 "catalogID": "com.example",
//	 "version": 5,
//	 "flavors": ["small", "large"],
//	 "files": {
//	   "a.png": {"sha": "...", "formats": {"png": 100, "webp": 40}, "flavors": ["large"]}
//	 }}
func Parse(data []byte) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(unescapeSlashes(data), &doc); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ParseError{Msg: "empty document"}
	}
	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: root.Line, Msg: "document is not a mapping"}
	}

	var (
		bundleName string
		catalogID  string
		version    int64
		flavors    []string
		files      []File
		seen       = make(map[string]bool)
		err        error
	)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], resolve(root.Content[i+1])
		if seen[key.Value] {
			return nil, &ParseError{Line: key.Line, Field: key.Value, Msg: "duplicate key"}
		}
		seen[key.Value] = true
		switch key.Value {
		case "bundleName":
			bundleName, err = scalarString(key.Value, value)
		case "catalogID":
			catalogID, err = scalarString(key.Value, value)
		case "version":
			version, err = scalarInt(key.Value, value)
		case "flavors":
			flavors, err = stringList(key.Value, value)
		case "files":
			files, err = fileList(value)
		}
		if err != nil {
			return nil, err
		}
	}
	for _, field := range []string{"bundleName", "catalogID", "version", "files"} {
		if !seen[field] {
			return nil, &ParseError{Field: field, Msg: "missing"}
		}
	}
	return New(bundleName, catalogID, version, flavors, files)
}

func fileList(n *yaml.Node) ([]File, error) {
	if n.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: n.Line, Field: "files", Msg: "not a mapping"}
	}
	var result []File
	seen := make(map[string]bool)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], resolve(n.Content[i+1])
		if seen[key.Value] {
			return nil, &ParseError{Line: key.Line, Field: "files", Msg: fmt.Sprintf("duplicate path %q", key.Value)}
		}
		seen[key.Value] = true
		f, err := fileEntry(key.Value, value)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, nil
}

func fileEntry(path string, n *yaml.Node) (File, error) {
	f := File{Path: path}
	if n.Kind != yaml.MappingNode {
		return f, &ParseError{Line: n.Line, Field: "files", Msg: path + ": not a mapping"}
	}
	var err error
	seen := make(map[string]bool)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], resolve(n.Content[i+1])
		field := path + "." + key.Value
		if seen[key.Value] {
			return f, &ParseError{Line: key.Line, Field: field, Msg: "duplicate key"}
		}
		seen[key.Value] = true
		switch key.Value {
		case "sha":
			f.SHA, err = scalarString(field, value)
		case "flavors":
			f.Flavors, err = stringList(field, value)
		case "formats":
			f.Formats, err = formatList(field, value)
		}
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

// unescapeSlashes rewrites the JSON escape \/, which YAML does not know,
// inside the double quoted strings of a JSON document. Other documents are
// returned unchanged.
func unescapeSlashes(data []byte) []byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(data, []byte(`\/`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	quoted := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case !quoted:
			quoted = c == '"'
		case c == '"':
			quoted = false
		case c == '\\' && i+1 < len(data):
			i++
			if data[i] != '/' {
				out = append(out, c)
			}
			c = data[i]
		}
		out = append(out, c)
	}
	return out
}

func formatList(field string, n *yaml.Node) ([]Format, error) {
	if n.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: n.Line, Field: field, Msg: "not a mapping"}
	}
	var result []Format
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], resolve(n.Content[i+1])
		size, err := scalarInt(field+"."+key.Value, value)
		if err != nil {
			return nil, err
		}
		result = append(result, Format{Name: key.Value, Size: size})
	}
	return result, nil
}

func stringList(field string, n *yaml.Node) ([]string, error) {
	if n.ShortTag() == "!!null" {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, &ParseError{Line: n.Line, Field: field, Msg: "not a list"}
	}
	var result []string
	for _, item := range n.Content {
		s, err := scalarString(field, resolve(item))
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

func scalarString(field string, n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() == "!!null" {
		return "", &ParseError{Line: n.Line, Field: field, Msg: "expected a string"}
	}
	return n.Value, nil
}

func scalarInt(field string, n *yaml.Node) (int64, error) {
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!int" {
		return 0, &ParseError{Line: n.Line, Field: field, Msg: fmt.Sprintf("malformed integer %q", n.Value)}
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil || v < 0 {
		return 0, &ParseError{Line: n.Line, Field: field, Msg: fmt.Sprintf("malformed integer %q", n.Value)}
	}
	return v, nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}
