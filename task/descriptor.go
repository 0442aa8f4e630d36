package task

import (
	"errors"
	"fmt"
	"net/url"
)

// NoVersion is the Version of a Descriptor which does not name one.
const NoVersion int64 = -1

// A Descriptor identifies a unit of work. Two descriptors with equal
// fields describe the same work, so a Descriptor may be used as a map key
// to find a task already doing it.
type Descriptor struct {
	Kind     string // e.g. "manifest.fetch"
	Resource string // locator of the thing the work concerns
	Version  int64  // NoVersion if not applicable
}

var (
	ErrInvalidDescriptor = errors.New("task: invalid descriptor")
)

// NewDescriptor returns a Descriptor after checking that kind and resource
// are present, resource is a valid URI reference, and version is either
// NoVersion or not negative.
func NewDescriptor(kind, resource string, version int64) (Descriptor, error) {
	d := Descriptor{Kind: kind, Resource: resource, Version: version}
	if kind == "" || resource == "" || version < NoVersion {
		return Descriptor{}, ErrInvalidDescriptor
	}
	if _, err := url.Parse(resource); err != nil {
		return Descriptor{}, ErrInvalidDescriptor
	}
	return d, nil
}

// MustDescriptor is like NewDescriptor but panics on invalid input. It is
// meant for descriptors built from constants.
func MustDescriptor(kind, resource string, version int64) Descriptor {
	d, err := NewDescriptor(kind, resource, version)
	if err != nil {
		panic(fmt.Sprintf("task: bad descriptor %s %s %d", kind, resource, version))
	}
	return d
}

// IsZero is true for the descriptor of a plain operation.
func (d Descriptor) IsZero() bool {
	return d == Descriptor{}
}

// URL parses the resource. Resources are checked when a Descriptor is made
// with NewDescriptor, so the error only happens for literal Descriptors.
func (d Descriptor) URL() (*url.URL, error) {
	return url.Parse(d.Resource)
}

func (d Descriptor) String() string {
	if d.Version == NoVersion {
		return d.Kind + " " + d.Resource
	}
	return fmt.Sprintf("%s %s@%d", d.Kind, d.Resource, d.Version)
}
