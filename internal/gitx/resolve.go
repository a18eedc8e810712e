// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gitx

import (
	"context"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"
)

// ResolveRef performs a remote ls-remote-style lookup, returning the commit
// hash that ref (a branch, tag, or "" for HEAD) points to on repoURL. It
// does not clone any objects.
func ResolveRef(ctx context.Context, repoURL, ref string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{Name: "origin", URLs: []string{repoURL}})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "listing refs for %s", repoURL)
	}
	var want plumbing.ReferenceName
	switch {
	case ref == "":
		want = plumbing.HEAD
	default:
		want = plumbing.NewBranchReferenceName(ref)
	}
	for _, r := range refs {
		if r.Name() == want {
			if r.Type() == plumbing.SymbolicReference {
				continue
			}
			return r.Hash().String(), nil
		}
	}
	// Fall back to tag refs and exact hash-like refs.
	tagName := plumbing.NewTagReferenceName(ref)
	for _, r := range refs {
		switch r.Name() {
		case tagName:
			return r.Hash().String(), nil
		case plumbing.ReferenceName(ref):
			return r.Hash().String(), nil
		}
	}
	if ref == "" {
		for _, r := range refs {
			if r.Name() == plumbing.HEAD && r.Type() == plumbing.SymbolicReference {
				target := r.Target()
				for _, r2 := range refs {
					if r2.Name() == target {
						return r2.Hash().String(), nil
					}
				}
			}
		}
	}
	return "", errors.Errorf("no ref %q found on %s", ref, repoURL)
}
