// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gitx

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
	"github.com/pkg/errors"
)

// CopyStorer copies all git data from src to dst: objects, references,
// config, and shallow commits. Slow for large repos; callers only ever use
// it against small in-memory storers they manage themselves (a native-clone
// staging copy, or forking a cached clone for a concurrent caller).
func CopyStorer(dst, src storage.Storer) error {
	iter, err := src.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return errors.Wrap(err, "iterating objects")
	}
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		_, err := dst.SetEncodedObject(obj)
		return err
	})
	iter.Close()
	if err != nil {
		return errors.Wrap(err, "copying objects")
	}
	refs, err := src.IterReferences()
	if err != nil {
		return errors.Wrap(err, "iterating references")
	}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		return dst.SetReference(ref)
	})
	refs.Close()
	if err != nil {
		return errors.Wrap(err, "copying references")
	}
	cfg, err := src.Config()
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	if err := dst.SetConfig(cfg); err != nil {
		return errors.Wrap(err, "writing config")
	}
	if shallow, err := src.Shallow(); err == nil && len(shallow) > 0 {
		if err := dst.SetShallow(shallow); err != nil {
			return errors.Wrap(err, "writing shallow commits")
		}
	}
	return nil
}
