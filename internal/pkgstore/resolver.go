// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/oss-pkgstore/pkgstore/internal/gitx"
)

// ResolveResult is what a Resolver produces: enough information for the
// Fetch Coordinator to compute an Identity and, for registry-backed
// resolutions, the resolved Resolution describing where to get the bytes.
type ResolveResult struct {
	Identity       Identity
	Resolution     Resolution
	Manifest       *PackageManifest
	NormalizedPref string
}

// Resolver implements (a slice of) C3: turning an opaque WantedDependency
// into a ResolveResult. Resolvers are tried in registration order; the
// first one whose Handles returns true owns the dependency.
type Resolver interface {
	Handles(WantedDependency) bool
	Resolve(ctx context.Context, dep WantedDependency, opts ResolveOpts) (ResolveResult, error)
}

// ResolveOpts configures a single Resolve call.
type ResolveOpts struct {
	Offline  bool
	Registry string // registry base URL, npm resolver only
}

// ResolverRegistry dispatches a WantedDependency to the first matching
// Resolver.
type ResolverRegistry struct {
	resolvers []Resolver
}

func NewResolverRegistry(resolvers ...Resolver) *ResolverRegistry {
	return &ResolverRegistry{resolvers: resolvers}
}

func (r *ResolverRegistry) Resolve(ctx context.Context, dep WantedDependency, opts ResolveOpts) (ResolveResult, error) {
	for _, res := range r.resolvers {
		if res.Handles(dep) {
			return res.Resolve(ctx, dep, opts)
		}
	}
	return ResolveResult{}, &BadPrefError{Pref: dep.Pref}
}

// DirectoryResolver handles "file:" and bare filesystem-path prefs: the
// identity is the canonical absolute path, and the manifest is read
// straight off disk (spec.md §4.3's directory-resolution shortcut).
type DirectoryResolver struct{}

func (DirectoryResolver) Handles(dep WantedDependency) bool {
	return strings.HasPrefix(dep.Pref, "file:") || strings.HasPrefix(dep.Pref, "/") || strings.HasPrefix(dep.Pref, "./") || strings.HasPrefix(dep.Pref, "../")
}

func (DirectoryResolver) Resolve(ctx context.Context, dep WantedDependency, opts ResolveOpts) (ResolveResult, error) {
	p := strings.TrimPrefix(dep.Pref, "file:")
	abs, err := filepath.Abs(p)
	if err != nil {
		return ResolveResult{}, &BadPrefError{Pref: dep.Pref}
	}
	manifest, err := readManifestFile(filepath.Join(abs, "package.json"))
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{
		Identity:       Identity(abs),
		Resolution:     Resolution{Type: ResolutionDirectory, Path: abs},
		Manifest:       manifest,
		NormalizedPref: "file:" + abs,
	}, nil
}

// TarballURLResolver handles direct "http(s)://.../*.tgz" prefs: no
// registry lookup is needed, the URL itself is the resolution.
type TarballURLResolver struct{}

func (TarballURLResolver) Handles(dep WantedDependency) bool {
	return strings.HasPrefix(dep.Pref, "http://") || strings.HasPrefix(dep.Pref, "https://")
}

func (TarballURLResolver) Resolve(ctx context.Context, dep WantedDependency, opts ResolveOpts) (ResolveResult, error) {
	return ResolveResult{
		Identity:       Identity(dep.Pref),
		Resolution:     Resolution{Type: ResolutionTarball, URL: dep.Pref},
		NormalizedPref: dep.Pref,
	}, nil
}

// GitResolver handles "git+<url>", "git://", and bare "<host>/<owner>/<repo>"
// prefs, canonicalizing the repository URI to a lower-cased HTTPS form so
// equivalent references produce the same Identity.
type GitResolver struct {
	// ResolveRef looks up the commit for a ref (branch/tag/empty=default)
	// against a remote; overridable for tests. A nil ResolveRef is
	// rejected at Resolve time since no transport is wired by default.
	ResolveRef func(ctx context.Context, repoURL, ref string) (commit string, err error)
}

func (GitResolver) Handles(dep WantedDependency) bool {
	return strings.HasPrefix(dep.Pref, "git+") || strings.HasPrefix(dep.Pref, "git://") || gitx.SmellsLikeARepo(dep.Pref)
}

func (g GitResolver) Resolve(ctx context.Context, dep WantedDependency, opts ResolveOpts) (ResolveResult, error) {
	raw := strings.TrimPrefix(dep.Pref, "git+")
	repoURL, ref, _ := strings.Cut(raw, "#")
	canon, err := gitx.CanonicalizeRepoURI(repoURL)
	if err != nil {
		return ResolveResult{}, &BadPrefError{Pref: dep.Pref}
	}
	if opts.Offline {
		return ResolveResult{}, &OfflineMissError{Pref: dep.Pref}
	}
	if g.ResolveRef == nil {
		return ResolveResult{}, &ResolverFailureError{Pref: dep.Pref, Err: errors.New("no git transport configured")}
	}
	commit, err := g.ResolveRef(ctx, canon, ref)
	if err != nil {
		return ResolveResult{}, &ResolverFailureError{Pref: dep.Pref, Err: err}
	}
	return ResolveResult{
		Identity:       Identity(canon + "@" + commit),
		Resolution:     Resolution{Type: ResolutionGit, Repo: canon, Commit: commit},
		NormalizedPref: canon + "#" + commit,
	}, nil
}

// NPMResolver handles bare package prefs against an npm-style registry:
// exact versions, the "latest" dist-tag (no other dist-tag is recognized),
// and a small range grammar (versionSatisfies), matching spec.md §4.3's "resolve against a
// Resolver Registry" step for the default registry case. Registration of
// this resolver is deliberately last: it claims anything no other resolver
// recognized.
type NPMResolver struct {
	Registry PackageRegistry
}

func (NPMResolver) Handles(dep WantedDependency) bool { return true } // last resort

func (r NPMResolver) Resolve(ctx context.Context, dep WantedDependency, opts ResolveOpts) (ResolveResult, error) {
	if opts.Offline {
		return ResolveResult{}, &OfflineMissError{Pref: dep.Pref}
	}
	name := dep.Alias
	if i := strings.LastIndexByte(dep.Pref, '@'); i > 0 && !strings.Contains(dep.Pref[i:], "/") {
		name = dep.Pref[:i]
	} else if name == "" {
		name = dep.Pref
	}
	pkg, err := r.Registry.Package(ctx, name)
	if err != nil {
		return ResolveResult{}, &ResolverFailureError{Pref: dep.Pref, Err: err}
	}
	wantRange := dep.Pref
	if i := strings.LastIndexByte(dep.Pref, '@'); i > 0 {
		wantRange = dep.Pref[i+1:]
	} else {
		wantRange = "*"
	}
	version, ok := resolveNPMVersion(pkg, wantRange)
	if !ok {
		return ResolveResult{}, &NotFoundError{Pref: dep.Pref}
	}
	release := pkg.Versions[version]
	return ResolveResult{
		Identity: Identity(name + "@" + version),
		Resolution: Resolution{
			Type:      ResolutionTarball,
			URL:       release.Dist.URL,
			Integrity: integrityFromDist(release.Dist),
			Registry:  opts.Registry,
		},
		Manifest: &PackageManifest{
			Name:    name,
			Version: version,
			Scripts: release.Scripts,
		},
		NormalizedPref: name + "@" + version,
	}, nil
}

func resolveNPMVersion(pkg *registryPackage, wantRange string) (string, bool) {
	if wantRange == pkg.DistTags.Latest {
		wantRange = "*"
	}
	if v, ok := resolveDistTag(pkg, wantRange); ok {
		return v, true
	}
	versions := make([]string, 0, len(pkg.Versions))
	for v := range pkg.Versions {
		versions = append(versions, v)
	}
	return maxSatisfyingVersion(versions, wantRange)
}

func resolveDistTag(pkg *registryPackage, tag string) (string, bool) {
	if tag == "latest" && pkg.DistTags.Latest != "" {
		return pkg.DistTags.Latest, true
	}
	if _, ok := pkg.Versions[tag]; ok {
		return tag, true
	}
	return "", false
}

func integrityFromDist(d registryDist) string {
	if d.SHA512 != "" {
		return d.SHA512
	}
	if d.SHA1 != "" {
		return "sha1-" + d.SHA1
	}
	return ""
}
