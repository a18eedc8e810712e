// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
	gitmemory "github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"

	"github.com/oss-pkgstore/pkgstore/internal/billyx"
	"github.com/oss-pkgstore/pkgstore/internal/gitx"
)

// FetchOpts configures a single Fetcher.Fetch call.
type FetchOpts struct {
	Ignore                   func(string) bool
	GeneratePackageIntegrity bool
	Registry                 *url.URL
	AlwaysAuth               bool
	Retry                    RetryPolicy
	// CachedTarballPath, when set, asks a tarball-backed Fetcher to also
	// save the raw downloaded bytes at this path (spec.md §6's packed.tgz),
	// in addition to unpacking them.
	CachedTarballPath string
	OnStart           func(size *int64, attempt int)
	OnProgress        func(downloaded int64)
}

// Fetcher implements C4: materializing a Resolution's content into
// targetDir and reporting the resulting FileIndex.
type Fetcher interface {
	// Supports reports whether this Fetcher handles the given resolution
	// type, used for registry dispatch (first match wins).
	Supports(ResolutionType) bool
	Fetch(ctx context.Context, r Resolution, targetDir string, opts FetchOpts) (FileIndex, error)
}

// FetcherRegistry dispatches a Resolution to the first registered Fetcher
// that supports its Type. An unmatched type yields UnsupportedResolutionError.
type FetcherRegistry struct {
	fetchers []Fetcher
}

// NewFetcherRegistry builds a registry in priority order; earlier entries
// are tried first.
func NewFetcherRegistry(fetchers ...Fetcher) *FetcherRegistry {
	return &FetcherRegistry{fetchers: fetchers}
}

func (r *FetcherRegistry) Fetch(ctx context.Context, res Resolution, targetDir string, opts FetchOpts) (FileIndex, error) {
	for _, f := range r.fetchers {
		if f.Supports(res.Type) {
			return f.Fetch(ctx, res, targetDir, opts)
		}
	}
	return FileIndex{}, &UnsupportedResolutionError{Type: res.Type}
}

// TarballFetcher streams a URL through NetClient and unpacks the gzip+tar
// body onto an os-backed billy.Filesystem rooted at targetDir.
type TarballFetcher struct {
	Client *NetClient
}

func (f *TarballFetcher) Supports(t ResolutionType) bool { return t == ResolutionTarball || t == "" }

func (f *TarballFetcher) Fetch(ctx context.Context, res Resolution, targetDir string, opts FetchOpts) (FileIndex, error) {
	if res.URL == "" {
		return FileIndex{}, &BadPrefError{Pref: res.URL}
	}
	fs := osfs.New(targetDir)
	unpack := func(r io.Reader, ignore func(string) bool, generateIntegrity bool) (FileIndex, error) {
		return unpackTarballInto(fs, r, ignore, generateIntegrity)
	}
	dlOpts := DownloadOpts{
		Integrity:                res.Integrity,
		Registry:                 opts.Registry,
		AlwaysAuth:               opts.AlwaysAuth,
		Retry:                    opts.Retry,
		Ignore:                   opts.Ignore,
		GeneratePackageIntegrity: opts.GeneratePackageIntegrity,
		Unpack:                   unpack,
		OnStart:                  opts.OnStart,
		OnProgress:               opts.OnProgress,
	}
	out, err := f.Client.Download(ctx, res.URL, opts.CachedTarballPath, dlOpts)
	if err != nil {
		return FileIndex{}, err
	}
	return out.Index, nil
}

// unpackTarballInto extracts a gzip+tar stream onto fs, stripping the
// leading package-root path component the way npm tarballs are packed
// ("package/index.js" -> "index.js"), skipping entries ignore rejects, and
// optionally building a strict per-file integrity index as it writes.
func unpackTarballInto(fs billy.Filesystem, r io.Reader, ignore func(string) bool, generateIntegrity bool) (FileIndex, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return FileIndex{}, errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var headers []string
	var perFile FileIntegrityIndex
	if generateIntegrity {
		perFile = make(FileIntegrityIndex)
	}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return FileIndex{}, errors.Wrap(err, "reading tar entry")
		}
		rel := stripPackageRoot(h.Name)
		if rel == "" || (ignore != nil && ignore(rel)) {
			continue
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(rel, h.FileInfo().Mode()); err != nil {
				return FileIndex{}, err
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(path.Dir(rel), 0o755); err != nil {
				return FileIndex{}, err
			}
			out, err := fs.Create(rel)
			if err != nil {
				return FileIndex{}, err
			}
			var n int64
			if perFile != nil {
				th := newSRIWriter()
				n, err = io.Copy(io.MultiWriter(out, th), tr)
				if err == nil {
					perFile[rel] = FileDigest{Integrity: th.sri(), Mode: h.FileInfo().Mode(), Size: n}
				}
			} else {
				n, err = io.Copy(out, tr)
			}
			closeErr := out.Close()
			if err != nil {
				return FileIndex{}, err
			}
			if closeErr != nil {
				return FileIndex{}, closeErr
			}
			headers = append(headers, rel)
		default:
			// Symlinks and other special entries are skipped; the store
			// only needs to reproduce the package's regular file content.
			continue
		}
	}
	integrity := Integrity{}
	if perFile != nil {
		integrity.PerFile = perFile
	}
	return FileIndex{Headers: headers, IntegrityPromise: NewSettledFuture(integrity)}, nil
}

func stripPackageRoot(name string) string {
	name = strings.TrimPrefix(name, "./")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

// GitFetcher clones a repository at a specific commit into targetDir,
// reusing an in-memory storer per clone (no on-disk git history is kept in
// the store, matching directory-resolution semantics: only the worktree
// content is materialized).
//
// Repeated fetches of the same repository (typically several versions of
// one package resolved within a single run) skip the network clone after
// the first: the object/ref data from the first clone is kept in repoCache
// and forked into a fresh in-memory storer via gitx.CopyStorer for every
// subsequent commit checkout.
type GitFetcher struct {
	cacheMu   sync.Mutex
	repoCache map[string]storage.Storer
}

func (f *GitFetcher) Supports(t ResolutionType) bool { return t == ResolutionGit }

func (f *GitFetcher) Fetch(ctx context.Context, res Resolution, targetDir string, opts FetchOpts) (FileIndex, error) {
	if res.Repo == "" || res.Commit == "" {
		return FileIndex{}, &BadPrefError{Pref: res.Repo}
	}
	target := osfs.New(targetDir)

	base, err := f.baseStorer(ctx, res.Repo)
	if err != nil {
		return FileIndex{}, err
	}
	// Fork the cached object/ref data into a fresh storer per fetch: two
	// versions of the same package checked out concurrently must not share
	// a HEAD/index, only the (read-only, from here on) object database.
	fork := gitmemory.NewStorage()
	if err := gitx.CopyStorer(fork, base); err != nil {
		return FileIndex{}, errors.Wrapf(err, "forking cached clone of %s", res.Repo)
	}
	cloneFS := memfs.New()
	repo, err := git.Open(fork, cloneFS)
	if err != nil {
		return FileIndex{}, errors.Wrapf(err, "opening worktree for %s", res.Repo)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return FileIndex{}, err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(res.Commit)}); err != nil {
		return FileIndex{}, errors.Wrapf(err, "checking out %s", res.Commit)
	}
	headers, err := billyx.CopyFS(target, wt.Filesystem, func(p string) bool {
		if strings.HasPrefix(p, ".git/") {
			return true
		}
		return opts.Ignore != nil && opts.Ignore(p)
	})
	if err != nil {
		return FileIndex{}, err
	}
	return FileIndex{Headers: headers, IntegrityPromise: NewSettledFuture(Integrity{})}, nil
}

// baseStorer returns the cached clone of repoURL, cloning it (natively if
// available, falling back to go-git's pure-Go transport) on first use. The
// returned Storer is shared read-only template data; callers must fork it
// via gitx.CopyStorer before checking out into it.
func (f *GitFetcher) baseStorer(ctx context.Context, repoURL string) (storage.Storer, error) {
	f.cacheMu.Lock()
	if s, ok := f.repoCache[repoURL]; ok {
		f.cacheMu.Unlock()
		return s, nil
	}
	f.cacheMu.Unlock()

	cached := gitmemory.NewStorage()
	cloneOpt := &git.CloneOptions{URL: repoURL}
	var repo *git.Repository
	var err error
	if gitx.NativeGitAvailable() {
		repo, err = gitx.NativeClone(ctx, cached, memfs.New(), cloneOpt)
	}
	if repo == nil {
		repo, err = gitx.Clone(ctx, cached, memfs.New(), cloneOpt)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cloning %s", repoURL)
	}

	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	if actual, ok := f.repoCache[repoURL]; ok {
		// Another concurrent fetch of the same repo won the race; its
		// cache entry is just as valid, use it instead.
		return actual, nil
	}
	if f.repoCache == nil {
		f.repoCache = make(map[string]storage.Storer)
	}
	f.repoCache[repoURL] = cached
	return cached, nil
}

// DirectoryFetcher is a passthrough: the content already lives on disk at
// res.Path, so no staging copy or network access is needed. The Fetch
// Coordinator special-cases ResolutionDirectory upstream of FetcherRegistry
// (spec.md §4.7's directory-resolution shortcut); this Fetcher exists so
// the registry remains a total function over ResolutionType.
type DirectoryFetcher struct{}

func (f *DirectoryFetcher) Supports(t ResolutionType) bool { return t == ResolutionDirectory }

func (f *DirectoryFetcher) Fetch(ctx context.Context, res Resolution, targetDir string, opts FetchOpts) (FileIndex, error) {
	return FileIndex{Headers: nil, IntegrityPromise: NewSettledFuture(Integrity{})}, nil
}
