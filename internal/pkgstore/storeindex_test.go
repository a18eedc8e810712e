// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"path/filepath"
	"testing"
)

func TestStoreIndexOpenMissingStartsEmpty(t *testing.T) {
	idx, err := OpenStoreIndex(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("OpenStoreIndex failed: %v", err)
	}
	if idx.Has("anything") {
		t.Error("expected an empty index")
	}
}

func TestStoreIndexRecordGetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	idx, err := OpenStoreIndex(path)
	if err != nil {
		t.Fatalf("OpenStoreIndex failed: %v", err)
	}
	entry := StoreEntry{RelPath: "lodash/4.17.21", PkgName: "lodash"}
	if err := idx.Record("registry.npmjs.org/lodash/4.17.21", entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	reopened, err := OpenStoreIndex(path)
	if err != nil {
		t.Fatalf("reopening index: %v", err)
	}
	got, ok := reopened.Get("registry.npmjs.org/lodash/4.17.21")
	if !ok {
		t.Fatal("expected entry to survive reopen")
	}
	if got != entry {
		t.Errorf("got %+v, want %+v", got, entry)
	}
}

func TestStoreIndexForgetRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	idx, err := OpenStoreIndex(path)
	if err != nil {
		t.Fatalf("OpenStoreIndex failed: %v", err)
	}
	id := Identity("a@1.0.0")
	if err := idx.Record(id, StoreEntry{RelPath: "a/1.0.0"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := idx.Forget(id); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if idx.Has(id) {
		t.Error("expected entry to be forgotten")
	}

	reopened, err := OpenStoreIndex(path)
	if err != nil {
		t.Fatalf("reopening index: %v", err)
	}
	if reopened.Has(id) {
		t.Error("expected forgotten entry to stay gone across reopen")
	}
}
