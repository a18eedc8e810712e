// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gitx

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	gitmemory "github.com/go-git/go-git/v5/storage/memory"
)

func TestCopyStorerCopiesObjectsRefsAndConfig(t *testing.T) {
	src := gitmemory.NewStorage()
	blob := &plumbing.MemoryObject{}
	blob.SetType(plumbing.BlobObject)
	blob.Write([]byte("hello"))
	if _, err := src.SetEncodedObject(blob); err != nil {
		t.Fatalf("seeding src object: %v", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), blob.Hash())
	if err := src.SetReference(ref); err != nil {
		t.Fatalf("seeding src reference: %v", err)
	}

	dst := gitmemory.NewStorage()
	if err := CopyStorer(dst, src); err != nil {
		t.Fatalf("CopyStorer failed: %v", err)
	}

	got, err := dst.EncodedObject(plumbing.BlobObject, blob.Hash())
	if err != nil {
		t.Fatalf("expected copied object in dst: %v", err)
	}
	if got.Hash() != blob.Hash() {
		t.Errorf("copied object hash = %v, want %v", got.Hash(), blob.Hash())
	}
	gotRef, err := dst.Reference(plumbing.NewBranchReferenceName("main"))
	if err != nil {
		t.Fatalf("expected copied reference in dst: %v", err)
	}
	if gotRef.Hash() != blob.Hash() {
		t.Errorf("copied reference hash = %v, want %v", gotRef.Hash(), blob.Hash())
	}
}
