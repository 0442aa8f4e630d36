package manifest

import (
	"bytes"
	"encoding/json"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MarshalJSON writes the manifest as a JSON document. Files and formats
// are written in declaration order, so Parse of the result gives back an
// Equal manifest.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`{"bundleName":`)
	writeString(&b, m.bundleName)
	b.WriteString(`,"catalogID":`)
	writeString(&b, m.catalogID)
	b.WriteString(`,"version":`)
	b.WriteString(strconv.FormatInt(m.version, 10))
	b.WriteString(`,"flavors":`)
	writeList(&b, m.flavors)
	b.WriteString(`,"files":{`)
	for i, p := range m.paths {
		e := m.files[p]
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(&b, p)
		b.WriteString(`:{"sha":`)
		writeString(&b, e.sha)
		b.WriteString(`,"formats":{`)
		for j, f := range e.formats {
			if j > 0 {
				b.WriteByte(',')
			}
			writeString(&b, f.Name)
			b.WriteByte(':')
			b.WriteString(strconv.FormatInt(f.Size, 10))
		}
		b.WriteString(`},"flavors":`)
		writeList(&b, e.flavors)
		b.WriteByte('}')
	}
	b.WriteString("}}")
	return b.Bytes(), nil
}

func writeString(b *bytes.Buffer, s string) {
	// marshaling a string cannot fail
	v, _ := json.Marshal(s)
	b.Write(v)
}

func writeList(b *bytes.Buffer, list []string) {
	b.WriteByte('[')
	for i, s := range list {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, s)
	}
	b.WriteByte(']')
}

// MarshalYAML returns the manifest as a yaml node tree, keeping the
// declaration order of files and formats.
func (m *Manifest) MarshalYAML() (interface{}, error) {
	files := mapping(0)
	for _, p := range m.paths {
		e := m.files[p]
		formats := mapping(yaml.FlowStyle)
		for _, f := range e.formats {
			formats.Content = append(formats.Content, str(f.Name), integer(f.Size))
		}
		entry := mapping(0)
		entry.Content = append(entry.Content,
			str("sha"), str(e.sha),
			str("formats"), formats,
			str("flavors"), list(e.flavors),
		)
		files.Content = append(files.Content, str(p), entry)
	}
	root := mapping(0)
	root.Content = append(root.Content,
		str("bundleName"), str(m.bundleName),
		str("catalogID"), str(m.catalogID),
		str("version"), integer(m.version),
		str("flavors"), list(m.flavors),
		str("files"), files,
	)
	return root, nil
}

func mapping(style yaml.Style) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Style: style}
}

func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func integer(v int64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(v, 10)}
}

func list(items []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: yaml.FlowStyle}
	for _, s := range items {
		n.Content = append(n.Content, str(s))
	}
	return n
}
