// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// writeIntegrityFile durably writes the on-disk integrity.json for a store
// entry (spec.md §6): a bare JSON string for a fast-mode SRI digest, or a
// `{<relpath>: {...}}` object for a strict-mode per-file index. Written with
// no indentation, UTF-8, via a temp-file-then-rename so a reader never
// observes a partial write.
func writeIntegrityFile(path string, integrity Integrity) error {
	var v any = integrity.SRI
	if integrity.Strict() {
		v = integrity.PerFile
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling integrity.json")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "writing integrity.json")
	}
	return os.Rename(tmp, path)
}

// readIntegrityFile loads a previously-written integrity.json, distinguishing
// the fast-mode string form from the strict-mode per-file object form by
// their first non-whitespace byte.
func readIntegrityFile(path string) (Integrity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Integrity{}, err
	}
	trimmed := b
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var idx FileIntegrityIndex
		if err := json.Unmarshal(b, &idx); err != nil {
			return Integrity{}, errors.Wrap(err, "parsing integrity.json")
		}
		return Integrity{PerFile: idx}, nil
	}
	var sri string
	if err := json.Unmarshal(b, &sri); err != nil {
		return Integrity{}, errors.Wrap(err, "parsing integrity.json")
	}
	return Integrity{SRI: sri}, nil
}
