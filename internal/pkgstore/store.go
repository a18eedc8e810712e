// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package pkgstore implements a content-addressed package store: a single
// entry point that resolves a dependency reference against a registry (or
// git remote, or local directory), fetches its content at most once per
// identity even under concurrent callers, and materializes it atomically
// into an on-disk store indexed by that identity.
package pkgstore

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oss-pkgstore/pkgstore/internal/gitx"
)

// Store is the package store's public entry point (spec.md §4 "Store
// factory"): construct once per process with NewStore, then call
// ResolveAndFetch per dependency.
type Store struct {
	coordinator *Coordinator
	scheduler   *Scheduler
	bus         *Bus
}

// NewStore wires the default collaborators (npm + git + directory + tarball
// resolvers/fetchers, an on-disk StoreIndex, a zap-backed event Bus) from
// cfg, matching the teacher's single-constructor, no-DI-framework style.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.StorePath == "" {
		return nil, errors.New("pkgstore: StorePath is required")
	}

	baseClient := http.DefaultClient
	netClient := NewNetClient(baseClient, cfg.UserAgent)
	netClient.AuthToken = cfg.AuthToken

	// Package-metadata GETs are coalesced and memoized process-wide inside
	// httpPackageRegistry: repeated resolution of the same package name
	// (e.g. a shared transitive dependency) hits the registry at most once
	// per process, not once per requester.
	npmRegistry := newHTTPPackageRegistry(baseClient, cfg.Registry)

	resolvers := NewResolverRegistry(
		DirectoryResolver{},
		TarballURLResolver{},
		GitResolver{ResolveRef: gitx.ResolveRef},
		NPMResolver{Registry: npmRegistry},
	)
	fetchers := NewFetcherRegistry(
		&DirectoryFetcher{},
		&GitFetcher{},
		&TarballFetcher{Client: netClient},
	)
	scheduler := NewScheduler(cfg.NetworkConcurrency)

	indexPath := filepath.Join(cfg.StorePath, ".pkgstore-index.json")
	index, err := OpenStoreIndex(indexPath)
	if err != nil {
		return nil, err
	}

	var bus *Bus
	if logger != nil {
		bus = NewBus(NewZapObserver(logger))
	} else {
		bus = NewBus()
	}

	coordinator := NewCoordinator(cfg, resolvers, fetchers, scheduler, index, bus)
	return &Store{coordinator: coordinator, scheduler: scheduler, bus: bus}, nil
}

// ResolveAndFetch resolves dep and materializes its content into the store,
// returning a FetchHandle whose futures settle independently as each phase
// of spec.md §4.7 completes.
func (s *Store) ResolveAndFetch(ctx context.Context, dep WantedDependency, opts Options) *FetchHandle {
	return s.coordinator.ResolveAndFetch(ctx, dep, opts)
}

// Stat returns the StoreEntry recorded for id without triggering any
// resolution or fetch (the supplemented read-only inspection API).
func (s *Store) Stat(id Identity) (StoreEntry, bool) {
	return s.coordinator.index.Get(id)
}

// Close stops the scheduler from admitting new work. It does not cancel
// work already admitted.
func (s *Store) Close() {
	s.scheduler.Close()
}

// RegisterObserver adds o to the store's event bus.
func (s *Store) RegisterObserver(o Observer) {
	s.bus.Register(o)
}
