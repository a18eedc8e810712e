// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/pkg/errors"
)

// registryDist is the "dist" object of an npm registry release: where the
// tarball lives and its published digests.
type registryDist struct {
	URL    string `json:"tarball"`
	SHA1   string `json:"shasum"`
	SHA512 string `json:"integrity"`
}

// registryRelease is one entry of a package's "versions" map.
type registryRelease struct {
	Version string            `json:"version"`
	Dist    registryDist      `json:"dist"`
	Scripts map[string]string `json:"scripts"`
}

// registryPackage is the document returned by GET /<pkg> against an
// npm-compatible registry.
type registryPackage struct {
	Name     string `json:"name"`
	DistTags struct {
		Latest string `json:"latest"`
	} `json:"dist-tags"`
	Versions map[string]registryRelease `json:"versions"`
}

// PackageRegistry is the subset of an npm-compatible registry's HTTP API
// NPMResolver needs: package metadata lookup. Artifact bytes are fetched
// separately, through NetClient, once a Resolution names a tarball URL.
type PackageRegistry interface {
	Package(ctx context.Context, name string) (*registryPackage, error)
}

// httpPackageRegistry is a PackageRegistry backed by an npm-compatible HTTP
// registry (defaults to registry.npmjs.org). Concurrent lookups of the same
// package name are coalesced and, once successful, memoized for the life of
// the registry: package metadata is immutable enough in practice that a
// process rarely needs to see it twice.
type httpPackageRegistry struct {
	client  httpDoer
	baseURL string
	cache   *packageCache
}

func newHTTPPackageRegistry(client httpDoer, baseURL string) *httpPackageRegistry {
	if baseURL == "" {
		baseURL = "https://registry.npmjs.org"
	}
	return &httpPackageRegistry{client: client, baseURL: baseURL, cache: newPackageCache()}
}

func (r *httpPackageRegistry) Package(ctx context.Context, name string) (*registryPackage, error) {
	return r.cache.getOrFetch(name, func() (*registryPackage, error) {
		return r.fetchPackage(ctx, name)
	})
}

func (r *httpPackageRegistry) fetchPackage(ctx context.Context, name string) (*registryPackage, error) {
	base, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing registry base %q", r.baseURL)
	}
	rel, err := url.Parse(path.Join("/", name))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(rel).String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("npm registry error fetching %q: %v", name, resp.Status)
	}
	var p registryPackage
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, errors.Wrapf(err, "decoding registry response for %q", name)
	}
	return &p, nil
}

var _ PackageRegistry = (*httpPackageRegistry)(nil)

// packageCache coalesces concurrent Package lookups for the same name into
// a single fetch and memoizes successful results; a failed fetch is not
// memoized so the next caller gets a fresh attempt.
type packageCache struct {
	mu    sync.Mutex
	calls map[string]*packageCall
}

type packageCall struct {
	done chan struct{}
	pkg  *registryPackage
	err  error
}

func newPackageCache() *packageCache {
	return &packageCache{calls: make(map[string]*packageCall)}
}

func (c *packageCache) getOrFetch(name string, fetch func() (*registryPackage, error)) (*registryPackage, error) {
	c.mu.Lock()
	if call, ok := c.calls[name]; ok {
		c.mu.Unlock()
		<-call.done
		return call.pkg, call.err
	}
	call := &packageCall{done: make(chan struct{})}
	c.calls[name] = call
	c.mu.Unlock()

	call.pkg, call.err = fetch()
	close(call.done)

	if call.err != nil {
		c.mu.Lock()
		delete(c.calls, name)
		c.mu.Unlock()
	}
	return call.pkg, call.err
}
