// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha512"
	"encoding/base64"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const defaultIntegrityAlgo = crypto.SHA512

// legacyIntegrityAlgo is computed alongside defaultIntegrityAlgo by
// hashFileMulti (and so for every file BuildFileIntegrityIndex hashes; the
// index recorded while unpacking a tarball carries no Legacy digest) so the
// index stays legible to npm-cache readers that still expect a
// sha1 "shasum" rather than the modern sha512 "integrity" field.
const legacyIntegrityAlgo = crypto.SHA1

// FileDigest is one entry of a strict-mode per-file integrity index.
type FileDigest struct {
	Integrity string
	Legacy    string // sha1 shasum-compatible digest, same content
	Mode      fs.FileMode
	Size      int64
}

// FileIntegrityIndex is the strict-mode `{<relpath>: {integrity, mode,
// size}}` structure recorded in integrity.json.
type FileIntegrityIndex map[string]FileDigest

// Integrity is either a single package-wide SRI digest (fast mode) or a
// per-file index (strict mode); at most one is populated, and neither is
// when no digest is known (git and directory fetches).
type Integrity struct {
	SRI     string
	PerFile FileIntegrityIndex
}

// Strict reports whether this Integrity carries a per-file index.
func (i Integrity) Strict() bool { return i.PerFile != nil }

// FileIndex is what a Fetcher returns: the set of unpacked file headers and
// a Future that settles once the Integrity has been computed.
type FileIndex struct {
	Headers           []string
	IntegrityPromise  *Future[Integrity]
}

// EncodeSRI formats a digest as a subresource-integrity string, e.g.
// "sha512-<base64>".
func EncodeSRI(algo crypto.Hash, sum []byte) string {
	name := strings.ToLower(strings.ReplaceAll(algo.String(), "-", ""))
	return name + "-" + base64.StdEncoding.EncodeToString(sum)
}

// DecodeSRI splits an SRI string into its algorithm name and raw digest.
func DecodeSRI(sri string) (algoName string, sum []byte, err error) {
	parts := strings.SplitN(sri, "-", 2)
	if len(parts) != 2 {
		return "", nil, errors.Errorf("malformed integrity string: %q", sri)
	}
	sum, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, errors.Wrapf(err, "decoding integrity %q", sri)
	}
	return parts[0], sum, nil
}

// integrityChecker is an io.Writer used to tee a download body into a
// running digest, verified against an expected SRI string once the stream
// closes.
type integrityChecker struct {
	h        hash.Hash
	expected []byte
}

func newIntegrityChecker(expectedSRI string) (*integrityChecker, error) {
	_, sum, err := DecodeSRI(expectedSRI)
	if err != nil {
		return nil, err
	}
	return &integrityChecker{h: defaultIntegrityAlgo.New(), expected: sum}, nil
}

func (c *integrityChecker) Write(p []byte) (int, error) { return c.h.Write(p) }

func (c *integrityChecker) Verified() bool {
	sum := c.h.Sum(nil)
	if len(sum) != len(c.expected) {
		return false
	}
	for i := range sum {
		if sum[i] != c.expected[i] {
			return false
		}
	}
	return true
}

// sriWriter accumulates a running digest for a single file being written
// during tarball extraction, so strict-mode per-file integrity can be
// computed inline without a second read pass.
type sriWriter struct{ h hash.Hash }

func newSRIWriter() *sriWriter { return &sriWriter{h: defaultIntegrityAlgo.New()} }

func (w *sriWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

func (w *sriWriter) sri() string { return EncodeSRI(defaultIntegrityAlgo, w.h.Sum(nil)) }

// HashFile computes the SRI digest of a single on-disk file.
func HashFile(path string) (string, error) {
	sri, _, err := hashFileMulti(path)
	return sri, err
}

// dualDigest tees a single read pass into both the primary (SRI) and legacy
// (shasum-compatible) hash algorithms, so a file's two digests never cost a
// second pass over its bytes.
type dualDigest struct {
	primary hash.Hash
	legacy  hash.Hash
}

func newDualDigest() *dualDigest {
	return &dualDigest{primary: defaultIntegrityAlgo.New(), legacy: legacyIntegrityAlgo.New()}
}

func (d *dualDigest) Write(p []byte) (int, error) {
	d.primary.Write(p)
	return d.legacy.Write(p)
}

func (d *dualDigest) sums() (sri string, legacy string) {
	return EncodeSRI(defaultIntegrityAlgo, d.primary.Sum(nil)), EncodeSRI(legacyIntegrityAlgo, d.legacy.Sum(nil))
}

// hashFileMulti reads path once through a dualDigest so the primary SRI
// digest and the legacy sha1 shasum are both available without a second
// pass over the file.
func hashFileMulti(path string) (sri string, legacy string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	d := newDualDigest()
	if _, err := io.Copy(d, f); err != nil {
		return "", "", err
	}
	sri, legacy = d.sums()
	return sri, legacy, nil
}

// BuildFileIntegrityIndex walks root and computes a per-file digest for
// every regular file, used by strict-mode integrity recording.
func BuildFileIntegrityIndex(root string) (FileIntegrityIndex, error) {
	idx := make(FileIntegrityIndex)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sri, legacy, err := hashFileMulti(path)
		if err != nil {
			return err
		}
		idx[rel] = FileDigest{Integrity: sri, Legacy: legacy, Mode: info.Mode(), Size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// IntegrityVerifier implements C6: deciding, given an unpacked directory
// and the recorded integrity, whether an entry is still trustworthy.
type IntegrityVerifier struct {
	// Strict selects recomputation of per-file digests (verifyStoreIntegrity).
	// When false, the persisted integrity.json is accepted as-is.
	Strict bool
}

// Verify returns the trusted Integrity, or ok=false if the entry should be
// treated as untrusted (triggering a refetch).
func (v IntegrityVerifier) Verify(unpackedDir string, recorded Integrity) (trusted Integrity, ok bool, err error) {
	if !v.Strict {
		return recorded, true, nil
	}
	if !recorded.Strict() {
		// Fast-mode record can't be strictly re-verified file-by-file:
		// the sole recorded hash is the SRI of the original tarball, not
		// of the unpacked tree, so a fast-mode entry is treated as
		// untrusted.
		return Integrity{}, false, nil
	}
	fresh, err := BuildFileIntegrityIndex(unpackedDir)
	if err != nil {
		return Integrity{}, false, err
	}
	if len(fresh) != len(recorded.PerFile) {
		return Integrity{}, false, nil
	}
	keys := make([]string, 0, len(fresh))
	for k := range fresh {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		want, ok := recorded.PerFile[k]
		if !ok || want.Integrity != fresh[k].Integrity {
			return Integrity{}, false, nil
		}
	}
	return recorded, true, nil
}
