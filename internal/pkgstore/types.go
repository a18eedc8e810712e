// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"encoding/json"
	"os"
)

// WantedDependency is a caller's declared dependency: an optional preferred
// alias and an opaque reference (a version range, a git URL, a local path,
// or a tarball URL). Immutable once constructed.
type WantedDependency struct {
	Alias string
	Pref  string
}

// ResolutionType tags the variant held by a Resolution.
type ResolutionType string

const (
	ResolutionTarball   ResolutionType = "tarball"
	ResolutionGit       ResolutionType = "git"
	ResolutionDirectory ResolutionType = "directory"
)

// Resolution describes where to obtain a package's bytes from. Built-in
// variants are Tarball, Git, and Directory; any other Type is dispatched to
// a fetcher registered for it, with Extra carrying the type-specific fields.
type Resolution struct {
	Type ResolutionType

	// Tarball fields.
	URL       string
	Integrity string // optional SRI digest
	Registry  string

	// Git fields.
	Repo   string
	Commit string

	// Directory fields.
	Path string

	// Extra carries fields for extension resolution types not known to the
	// core (Type is then anything other than the three built-ins above).
	Extra json.RawMessage
}

// PackageManifest is the parsed package.json of a resolved package. It is
// immutable once read.
type PackageManifest struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Scripts map[string]string `json:"scripts,omitempty"`
}

// StoreEntry records what the Store Index knows about a package that has
// been staged into the store. The entry's integrity record lives alongside
// the unpacked content itself, at <RelPath>/integrity.json (spec.md §6), not
// in the index.
type StoreEntry struct {
	// RelPath is the identity-to-path-derived directory relative to the
	// store root.
	RelPath string
	// PkgName is the name under node_modules/ that the package was
	// unpacked into, and the target of the RelPath/package symlink.
	PkgName string
}

// readManifestFile reads and parses the package.json at path.
func readManifestFile(path string) (*PackageManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &MissingManifestError{Path: path}
	}
	var m PackageManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &MissingManifestError{Path: path}
	}
	return &m, nil
}
