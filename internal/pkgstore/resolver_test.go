// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeNPMRegistry struct {
	pkg *registryPackage
}

func (f fakeNPMRegistry) Package(ctx context.Context, name string) (*registryPackage, error) {
	return f.pkg, nil
}

func testPackage() *registryPackage {
	p := &registryPackage{
		Name: "leftpad",
		Versions: map[string]registryRelease{
			"1.0.0": {Version: "1.0.0", Dist: registryDist{URL: "https://registry.test/leftpad-1.0.0.tgz", SHA512: "sha512-aaa"}},
			"1.2.0": {Version: "1.2.0", Dist: registryDist{URL: "https://registry.test/leftpad-1.2.0.tgz", SHA512: "sha512-bbb"}},
			"2.0.0": {Version: "2.0.0", Dist: registryDist{URL: "https://registry.test/leftpad-2.0.0.tgz", SHA512: "sha512-ccc"}},
		},
	}
	p.DistTags.Latest = "2.0.0"
	return p
}

func TestNPMResolverLatestTag(t *testing.T) {
	r := NPMResolver{Registry: fakeNPMRegistry{pkg: testPackage()}}
	res, err := r.Resolve(context.Background(), WantedDependency{Pref: "leftpad@latest"}, ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.NormalizedPref != "leftpad@2.0.0" {
		t.Errorf("NormalizedPref = %q, want leftpad@2.0.0", res.NormalizedPref)
	}
	if res.Resolution.URL != "https://registry.test/leftpad-2.0.0.tgz" {
		t.Errorf("URL = %q", res.Resolution.URL)
	}
}

func TestNPMResolverRange(t *testing.T) {
	r := NPMResolver{Registry: fakeNPMRegistry{pkg: testPackage()}}
	res, err := r.Resolve(context.Background(), WantedDependency{Pref: "leftpad@^1.0.0"}, ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.NormalizedPref != "leftpad@1.2.0" {
		t.Errorf("NormalizedPref = %q, want leftpad@1.2.0 (highest 1.x)", res.NormalizedPref)
	}
}

func TestNPMResolverOffline(t *testing.T) {
	r := NPMResolver{Registry: fakeNPMRegistry{pkg: testPackage()}}
	_, err := r.Resolve(context.Background(), WantedDependency{Pref: "leftpad@latest"}, ResolveOpts{Offline: true})
	if _, ok := err.(*OfflineMissError); !ok {
		t.Fatalf("got %v (%T), want *OfflineMissError", err, err)
	}
}

func TestDirectoryResolverMissingManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := DirectoryResolver{}.Resolve(context.Background(), WantedDependency{Pref: dir}, ResolveOpts{})
	if _, ok := err.(*MissingManifestError); !ok {
		t.Fatalf("got %v (%T), want *MissingManifestError", err, err)
	}
}

func TestDirectoryResolverReadsManifest(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"foo"}`), 0o644)
	res, err := DirectoryResolver{}.Resolve(context.Background(), WantedDependency{Pref: dir}, ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Resolution.Type != ResolutionDirectory {
		t.Errorf("Type = %v, want ResolutionDirectory", res.Resolution.Type)
	}
}

func TestTarballURLResolver(t *testing.T) {
	res, err := TarballURLResolver{}.Resolve(context.Background(), WantedDependency{Pref: "https://example.test/a.tgz"}, ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Resolution.URL != "https://example.test/a.tgz" {
		t.Errorf("URL = %q", res.Resolution.URL)
	}
}

func TestGitResolverUsesResolveRef(t *testing.T) {
	gr := GitResolver{ResolveRef: func(ctx context.Context, repoURL, ref string) (string, error) {
		return "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", nil
	}}
	res, err := gr.Resolve(context.Background(), WantedDependency{Pref: "git+https://github.com/owner/repo#main"}, ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Resolution.Commit != "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef" {
		t.Errorf("Commit = %q", res.Resolution.Commit)
	}
}

func TestRegistryDispatchOrder(t *testing.T) {
	reg := NewResolverRegistry(
		DirectoryResolver{},
		TarballURLResolver{},
		GitResolver{},
		NPMResolver{Registry: fakeNPMRegistry{pkg: testPackage()}},
	)
	res, err := reg.Resolve(context.Background(), WantedDependency{Pref: "https://example.test/a.tgz"}, ResolveOpts{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Resolution.Type != ResolutionTarball {
		t.Errorf("Type = %v, want ResolutionTarball", res.Resolution.Type)
	}
}
