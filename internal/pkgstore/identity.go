// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"path"
	"regexp"
	"strings"
)

// Identity is a canonical string uniquely naming a resolved package, e.g.
// "registry.npmjs.org/lodash/4.17.21" or "github.com/owner/repo@deadbeef".
// It is the sole key for store entries and in-flight coalescing.
type Identity string

var unsafePathChar = regexp.MustCompile(`[^A-Za-z0-9._/-]`)

// ToPath derives the on-disk relative path for an Identity. The mapping is
// pure and stable: two equal identities always produce the same path, and
// the result never escapes the store root via ".." segments.
func (id Identity) ToPath() string {
	cleaned := unsafePathChar.ReplaceAllString(string(id), "_")
	segments := strings.Split(cleaned, "/")
	for i, seg := range segments {
		switch seg {
		case "", ".", "..":
			segments[i] = "_"
		}
	}
	return path.Join(segments...)
}

func (id Identity) String() string { return string(id) }
