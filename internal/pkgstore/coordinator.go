// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// tarballPriority is the fixed, always-favored admission priority given to
// content-fetch tasks (spec.md §4.7): tarball/git/directory materialization
// wins over metadata lookups whenever both are queued.
const tarballPriority = 10000

// FetchHandle is the coordinator's per-request return value: three
// independently-settling futures matching spec.md §4.7's phases. A caller
// that only needs the manifest can await FetchingPkg without blocking on
// the (often much slower) file materialization.
type FetchHandle struct {
	FetchingPkg          *Future[ResolveResult]
	FetchingFiles        *Future[StoreEntry]
	CalculatingIntegrity *Future[Integrity]
}

func newFetchHandle() (*FetchHandle, *Completable[ResolveResult], *Completable[StoreEntry], *Completable[Integrity]) {
	pkg := NewCompletable[ResolveResult]()
	files := NewCompletable[StoreEntry]()
	integrity := NewCompletable[Integrity]()
	return &FetchHandle{
		FetchingPkg:          pkg.Future(),
		FetchingFiles:        files.Future(),
		CalculatingIntegrity: integrity.Future(),
	}, pkg, files, integrity
}

// Coordinator implements C7: the single entry point tying the Resolver
// Registry, Fetcher Registry, Store Index, Integrity Verifier, and
// Scheduler together into the coalescing, staged-materialization pipeline.
type Coordinator struct {
	cfg       Config
	resolvers *ResolverRegistry
	fetchers  *FetcherRegistry
	scheduler *Scheduler
	index     *StoreIndex
	bus       *Bus
	verifier  IntegrityVerifier

	// locker coalesces concurrent materialization of the same Identity:
	// only the first caller actually fetches, everyone else rides its
	// result.
	locker *materializeGate
}

// NewCoordinator wires the given collaborators into a Coordinator. cfg is
// normalized via withDefaults.
func NewCoordinator(cfg Config, resolvers *ResolverRegistry, fetchers *FetcherRegistry, scheduler *Scheduler, index *StoreIndex, bus *Bus) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		resolvers: resolvers,
		fetchers:  fetchers,
		scheduler: scheduler,
		index:     index,
		bus:       bus,
		verifier:  IntegrityVerifier{Strict: cfg.VerifyStoreIntegrity},
		locker:    newMaterializeGate(),
	}
}

// ResolveAndFetch begins resolving and materializing dep, returning
// immediately with a FetchHandle whose futures settle as each phase
// completes.
func (c *Coordinator) ResolveAndFetch(ctx context.Context, dep WantedDependency, opts Options) *FetchHandle {
	handle, pkgC, filesC, integrityC := newFetchHandle()
	go c.run(ctx, dep, opts, pkgC, filesC, integrityC)
	return handle
}

func (c *Coordinator) run(ctx context.Context, dep WantedDependency, opts Options, pkgC *Completable[ResolveResult], filesC *Completable[StoreEntry], integrityC *Completable[Integrity]) {
	rr, err := c.resolve(ctx, dep, opts)
	if err != nil {
		pkgC.Reject(err)
		filesC.Reject(err)
		integrityC.Reject(err)
		c.bus.Emit(Event{Status: StatusError, Identity: Identity(dep.Pref), Err: err})
		return
	}

	// npm- and directory-resolved dependencies already carry a Manifest
	// straight out of Resolve (spec.md §4.3's fast path); git and tarball-URL
	// sources don't know the package name until their content is unpacked,
	// so FetchingPkg for those settles only once materialize has filled it
	// in below.
	fastManifest := rr.Manifest != nil
	if fastManifest {
		pkgC.Resolve(rr)
		c.bus.Emit(Event{Status: StatusResolved, Identity: rr.Identity})
	}

	if rr.Resolution.Type == ResolutionDirectory {
		// spec.md §4.3/§4.7: directory dependencies are never staged into
		// the store; the caller reads the source tree directly.
		filesC.Resolve(StoreEntry{RelPath: rr.Resolution.Path, PkgName: pkgName(rr)})
		integrityC.Resolve(Integrity{})
		return
	}

	c.bus.Emit(Event{Status: StatusResolvingContent, Identity: rr.Identity})
	m, err := c.locker.do(rr.Identity, func() (materializeResult, error) {
		return c.materialize(ctx, &rr, opts)
	})
	if err != nil {
		if !fastManifest {
			pkgC.Reject(err)
		}
		filesC.Reject(err)
		integrityC.Reject(err)
		c.bus.Emit(Event{Status: StatusError, Identity: rr.Identity, Err: err})
		return
	}
	if !fastManifest {
		pkgC.Resolve(rr)
		c.bus.Emit(Event{Status: StatusResolved, Identity: rr.Identity})
	}
	filesC.Resolve(m.entry)
	integrityC.Resolve(m.integrity)
}

func pkgName(rr ResolveResult) string {
	if rr.Manifest != nil {
		return rr.Manifest.Name
	}
	return ""
}

// resolve dispatches dep through the ResolverRegistry, or directly returns
// opts.ShrinkwrapResolution's pinned resolution when present (the
// shrinkwrap-reuse shortcut: a lockfile entry already names the exact
// resolution, so the registries never need to be consulted again).
func (c *Coordinator) resolve(ctx context.Context, dep WantedDependency, opts Options) (ResolveResult, error) {
	if opts.ShrinkwrapResolution != nil {
		res := *opts.ShrinkwrapResolution
		return ResolveResult{Identity: shrinkwrapIdentity(dep, res), Resolution: res, NormalizedPref: dep.Pref}, nil
	}
	priority := c.metadataPriority()
	fut := Submit(c.scheduler, ctx, priority, func(ctx context.Context) (ResolveResult, error) {
		return c.resolvers.Resolve(ctx, dep, ResolveOpts{Offline: opts.Offline || c.cfg.Offline, Registry: c.cfg.Registry})
	})
	return fut.Await(ctx)
}

func shrinkwrapIdentity(dep WantedDependency, res Resolution) Identity {
	switch res.Type {
	case ResolutionGit:
		return Identity(res.Repo + "@" + res.Commit)
	case ResolutionDirectory:
		return Identity(res.Path)
	default:
		return Identity(res.URL)
	}
}

// metadataPriority implements spec.md §4.7's rotation policy: metadata
// (resolve) tasks normally run at a priority below tarball fetches, and
// are additionally deprioritized on every Nth submission (N = configured
// network concurrency) to keep a burst of resolves from starving fetches
// that are already in flight.
func (c *Coordinator) metadataPriority() int {
	n := c.scheduler.Next()
	if int(n)%c.cfg.NetworkConcurrency == 0 {
		return -1000
	}
	return 1000
}

type materializeResult struct {
	entry     StoreEntry
	integrity Integrity
}

// materialize implements the hit-probe / stage / fetch / verify / publish
// pipeline for a single resolved Identity, producing spec.md §6's on-disk
// layout:
//
//	<finalDir>/packed.tgz                         (tarball sources only)
//	<finalDir>/integrity.json                     (no indentation)
//	<finalDir>/node_modules/<pkgName>/...          (unpacked content)
//	<finalDir>/package -> node_modules/<pkgName>   (symlink)
//
// It runs behind c.locker, so at most one goroutine per Identity executes
// this at a time process-wide. rr is a pointer so a deferred Manifest (git
// and tarball-URL sources) can be filled in here and observed by the caller.
func (c *Coordinator) materialize(ctx context.Context, rr *ResolveResult, opts Options) (materializeResult, error) {
	rel := rr.Identity.ToPath()
	finalDir := filepath.Join(c.cfg.StorePath, rel)
	pkgLink := filepath.Join(finalDir, "package")

	if !opts.Update {
		if entry, ok := c.index.Get(rr.Identity); ok {
			if hit, trusted, err := c.tryHit(finalDir, pkgLink, entry, rr); err != nil {
				return materializeResult{}, err
			} else if hit {
				c.bus.Emit(Event{Status: StatusFoundInStore, Identity: rr.Identity})
				return materializeResult{entry: entry, integrity: trusted}, nil
			}
		}
	}

	staging := finalDir + ".staging-" + uuid.NewString()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return materializeResult{}, errors.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	var tarballStaging string
	if rr.Resolution.Type == ResolutionTarball {
		tarballStaging = staging + ".tgz"
		defer os.Remove(tarballStaging)
	}

	fetchOpts := FetchOpts{
		Ignore:                   opts.Ignore,
		GeneratePackageIntegrity: c.cfg.VerifyStoreIntegrity,
		Registry:                 c.cfg.registryURL(),
		AlwaysAuth:               c.cfg.AlwaysAuth,
		Retry:                    c.cfg.Retry,
		CachedTarballPath:        tarballStaging,
		OnStart: func(s *int64, a int) {
			c.bus.Emit(Event{Status: StatusFetchingStarted, Identity: rr.Identity, Size: s, Attempt: a})
		},
		OnProgress: func(n int64) {
			c.bus.Emit(Event{Status: StatusFetchingProgress, Identity: rr.Identity, Downloaded: n})
		},
	}

	// Parallel pre-work (spec.md §4.7): the network fetch into staging runs
	// concurrently with clearing out a stale node_modules entry left behind
	// by whatever this Identity previously held, so a refetch's publish
	// step lands on a clean target without first waiting on the download.
	var fileIdx FileIndex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fut := Submit(c.scheduler, gctx, tarballPriority, func(ctx context.Context) (FileIndex, error) {
			return c.fetchers.Fetch(ctx, rr.Resolution, staging, fetchOpts)
		})
		idx, err := fut.Await(gctx)
		if err != nil {
			return err
		}
		fileIdx = idx
		return nil
	})
	g.Go(func() error {
		if !opts.Update {
			return nil
		}
		return os.RemoveAll(filepath.Join(finalDir, "node_modules"))
	})
	if err := g.Wait(); err != nil {
		return materializeResult{}, err
	}

	integrity, err := fileIdx.IntegrityPromise.Await(ctx)
	if err != nil {
		return materializeResult{}, err
	}
	if !integrity.Strict() && rr.Resolution.Integrity != "" {
		integrity.SRI = rr.Resolution.Integrity
	}

	if rr.Manifest == nil {
		m, err := readManifestFile(filepath.Join(staging, "package.json"))
		if err != nil {
			return materializeResult{}, err
		}
		rr.Manifest = m
	}
	pkgN := rr.Manifest.Name
	if pkgN == "" {
		return materializeResult{}, &MissingManifestError{Path: filepath.Join(staging, "package.json")}
	}

	entry, err := c.publish(finalDir, pkgLink, pkgN, staging, tarballStaging, rel)
	if err != nil {
		return materializeResult{}, err
	}
	if err := writeIntegrityFile(filepath.Join(finalDir, "integrity.json"), integrity); err != nil {
		return materializeResult{}, err
	}
	if err := c.index.Record(rr.Identity, entry); err != nil {
		return materializeResult{}, err
	}
	c.bus.Emit(Event{Status: StatusFetched, Identity: rr.Identity})
	return materializeResult{entry: entry, integrity: integrity}, nil
}

// tryHit checks whether a previously recorded entry is still present and
// trustworthy: spec.md §6's hit-probe is "does <finalDir>/package/package.json
// exist", not merely "does <finalDir> exist", since a partially-cleaned or
// mid-refetch entry can leave the directory behind without usable content.
func (c *Coordinator) tryHit(finalDir, pkgLink string, entry StoreEntry, rr *ResolveResult) (hit bool, trusted Integrity, err error) {
	manifest, err := readManifestFile(filepath.Join(pkgLink, "package.json"))
	if err != nil {
		return false, Integrity{}, nil
	}
	if rr.Manifest == nil {
		rr.Manifest = manifest
	}
	recorded, err := readIntegrityFile(filepath.Join(finalDir, "integrity.json"))
	if err != nil {
		return false, Integrity{}, nil
	}
	pkgDir := filepath.Join(finalDir, "node_modules", entry.PkgName)
	trusted, ok, err := c.verifier.Verify(pkgDir, recorded)
	if err != nil {
		return false, Integrity{}, err
	}
	return ok, trusted, nil
}

// publish atomically moves staging's unpacked content into
// node_modules/<pkgName> and (re)creates the package symlink, returning the
// StoreEntry to record in the index.
func (c *Coordinator) publish(finalDir, pkgLink, pkgN, staging, tarballStaging, rel string) (StoreEntry, error) {
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return StoreEntry{}, errors.Wrap(err, "creating store directory")
	}
	nodeModules := filepath.Join(finalDir, "node_modules")
	if err := os.MkdirAll(nodeModules, 0o755); err != nil {
		return StoreEntry{}, errors.Wrap(err, "creating node_modules directory")
	}
	pkgDir := filepath.Join(nodeModules, pkgN)
	if err := os.MkdirAll(filepath.Dir(pkgDir), 0o755); err != nil {
		return StoreEntry{}, errors.Wrap(err, "creating node_modules scope directory")
	}
	os.RemoveAll(pkgDir)
	if err := os.Rename(staging, pkgDir); err != nil {
		return StoreEntry{}, errors.Wrap(err, "publishing unpacked package")
	}

	os.Remove(pkgLink)
	linkTarget := filepath.Join("node_modules", pkgN)
	if err := os.Symlink(linkTarget, pkgLink); err != nil {
		return StoreEntry{}, errors.Wrap(err, "linking package symlink")
	}

	if tarballStaging != "" {
		if _, err := os.Stat(tarballStaging); err == nil {
			if err := os.Rename(tarballStaging, filepath.Join(finalDir, "packed.tgz")); err != nil {
				return StoreEntry{}, errors.Wrap(err, "publishing packed tarball")
			}
		}
	}
	return StoreEntry{RelPath: rel, PkgName: pkgN}, nil
}

// materializeGate coalesces concurrent materialize calls for the same
// Identity: only the first caller runs fn, and every other caller waits on
// its result instead of fetching the same content twice. A failed call is
// not memoized, so the next request for that Identity gets a fresh attempt.
type materializeGate struct {
	mu       sync.Mutex
	inFlight map[Identity]*materializeCall
}

type materializeCall struct {
	done   chan struct{}
	result materializeResult
	err    error
}

func newMaterializeGate() *materializeGate {
	return &materializeGate{inFlight: make(map[Identity]*materializeCall)}
}

func (g *materializeGate) do(id Identity, fn func() (materializeResult, error)) (materializeResult, error) {
	g.mu.Lock()
	if call, ok := g.inFlight[id]; ok {
		g.mu.Unlock()
		<-call.done
		return call.result, call.err
	}
	call := &materializeCall{done: make(chan struct{})}
	g.inFlight[id] = call
	g.mu.Unlock()

	call.result, call.err = fn()
	close(call.done)

	g.mu.Lock()
	delete(g.inFlight, id)
	g.mu.Unlock()

	return call.result, call.err
}
