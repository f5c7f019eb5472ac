package vfs

import (
	"net/url"
	"strings"
)

// Pathname is a parsed file URI following the grammar of spec §6: scheme
// "file", an optional (ignored) authority, and a path normalized to a
// leading slash. Opaque query parameters select the VFS and per-file
// parameters such as block size.
type Pathname struct {
	Path  string
	Query url.Values
	Anon  bool // true if the input had no path component at all
}

// ParsePathname parses a "file:" URI, or a bare path, into a Pathname.
// An empty input parses to an anonymous Pathname with Anon set, per
// Open's "generate a unique anonymous name" rule (spec §4.A).
func ParsePathname(uri string) (Pathname, error) {
	if uri == "" {
		return Pathname{Anon: true, Query: url.Values{}}, nil
	}

	if !strings.HasPrefix(uri, "file:") {
		return Pathname{Path: normalize(uri), Query: url.Values{}}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Pathname{}, err
	}

	p := u.Opaque
	if p == "" {
		p = u.Path
	}
	return Pathname{Path: normalize(p), Query: u.Query()}, nil
}

// String renders the pathname back to its normalized path form;
// FullPathname returns its input unchanged after this normalization
// (spec §6).
func (p Pathname) String() string {
	return p.Path
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
