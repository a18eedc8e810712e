// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// defaultHostBackoff is the minimum per-host request spacing NetClient
// starts at; a host's hostBackoff widens it by a third on each 429/503 seen
// from that host, mirroring per-ecosystem rate limiters the teacher uses for
// registry traffic.
const defaultHostBackoff = 50 * time.Millisecond

// RetryPolicy configures the Download retry loop (spec.md §4.2).
type RetryPolicy struct {
	Count      int           `mapstructure:"count"`
	Factor     float64       `mapstructure:"factor"`
	MinTimeout time.Duration `mapstructure:"min_timeout"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	Randomize  bool          `mapstructure:"randomize"`
}

// DefaultRetryPolicy matches common npm-client defaults.
var DefaultRetryPolicy = RetryPolicy{
	Count:      2,
	Factor:     10,
	MinTimeout: time.Second,
	MaxTimeout: 60 * time.Second,
	Randomize:  true,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.MinTimeout) * math.Pow(p.Factor, float64(attempt))
	if max := float64(p.MaxTimeout); d > max {
		d = max
	}
	if p.Randomize {
		d = d * (1 + rand.Float64())
	}
	return time.Duration(d)
}

// AuthForHost implements the HTTP Client's auth-scoping policy (spec.md
// §4.2): credentials are sent if alwaysAuth is set, no registry is
// configured, or the target host equals the registry host.
func AuthForHost(alwaysAuth bool, registryHost, targetHost string) bool {
	if alwaysAuth {
		return true
	}
	if registryHost == "" {
		return true
	}
	return registryHost == targetHost
}

// hostBackoff is a per-host exponential backoff spacer: a single event is
// released every currentPeriod, and Backoff widens that period by a third
// whenever the host signals it is being hit too fast.
type hostBackoff struct {
	mu            sync.Mutex
	currentPeriod time.Duration
	minimum       time.Duration
	ch            chan struct{}
}

func newHostBackoff(minimum time.Duration) *hostBackoff {
	l := &hostBackoff{currentPeriod: minimum, minimum: minimum, ch: make(chan struct{})}
	go l.run()
	return l
}

func (l *hostBackoff) run() {
	for {
		l.mu.Lock()
		d := l.currentPeriod
		l.mu.Unlock()
		time.Sleep(d)
		l.ch <- struct{}{}
	}
}

// wait blocks until the limiter permits another request to host.
func (l *hostBackoff) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ch:
		return nil
	}
}

func (l *hostBackoff) widen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentPeriod = l.currentPeriod * 4 / 3
}

// httpDoer is the minimal HTTP surface NetClient and the npm registry need.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// userAgentClient decorates an httpDoer with a fixed User-Agent header.
type userAgentClient struct {
	httpDoer
	userAgent string
}

func (c *userAgentClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	return c.httpDoer.Do(req)
}

// NetClient implements C2: retryable JSON GET and streaming tarball
// download with auth scoping and size verification.
type NetClient struct {
	Client    httpDoer
	AuthToken string

	// limiters holds one hostBackoff per target host, created lazily: a
	// 429/503 from a host widens only that host's spacing, leaving requests
	// to every other host unaffected.
	limitersMu sync.Mutex
	limiters   map[string]*hostBackoff
}

// NewNetClient builds a NetClient from the given base client, decorating it
// with a User-Agent header when one is given.
func NewNetClient(client httpDoer, userAgent string) *NetClient {
	if userAgent != "" {
		client = &userAgentClient{httpDoer: client, userAgent: userAgent}
	}
	return &NetClient{Client: client, limiters: make(map[string]*hostBackoff)}
}

// limiterFor returns the hostBackoff for host, creating one at
// defaultHostBackoff on first use.
func (c *NetClient) limiterFor(host string) *hostBackoff {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	l := newHostBackoff(defaultHostBackoff)
	c.limiters[host] = l
	return l
}

// throttledDo waits for host's limiter before issuing req, then widens that
// host's spacing whenever the response signals we're going too fast.
func (c *NetClient) throttledDo(ctx context.Context, req *http.Request) (*http.Response, error) {
	limiter := c.limiterFor(req.URL.Host)
	if err := limiter.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err == nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		limiter.widen()
	}
	return resp, err
}

func (c *NetClient) authorize(req *http.Request, registry, target *url.URL, alwaysAuth bool) {
	var registryHost string
	if registry != nil {
		registryHost = registry.Host
	}
	if c.AuthToken != "" && AuthForHost(alwaysAuth, registryHost, target.Host) {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
}

// GetJSON fires a GET, decoding a JSON body into v. Failure surfaces as a
// typed error; there is no retry at this layer.
func (c *NetClient) GetJSON(ctx context.Context, rawURL string, registry *url.URL, alwaysAuth bool, v any) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "parsing URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	c.authorize(req, registry, target, alwaysAuth)
	resp, err := c.throttledDo(ctx, req)
	if err != nil {
		return errors.Wrap(err, "performing request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("registry error: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

// UnpackFunc streams a tarball body into a destination, honoring ignore,
// and returns the resulting FileIndex. It is supplied by the Fetcher
// Registry's tarball fetcher so that NetClient stays agnostic of archive
// formats.
type UnpackFunc func(r io.Reader, ignore func(string) bool, generatePackageIntegrity bool) (FileIndex, error)

// DownloadOpts configures a single Download call.
type DownloadOpts struct {
	Integrity                string // optional expected SRI digest
	Registry                 *url.URL
	AlwaysAuth               bool
	Retry                    RetryPolicy
	Ignore                   func(string) bool
	GeneratePackageIntegrity bool
	Unpack                   UnpackFunc
	OnStart                  func(size *int64, attempt int)
	OnProgress               func(downloaded int64)
}

// UnpackResult is what a successful Download yields: the unpacked file
// index. Inline integrity verification only decides success or failure; no
// digest is returned.
type UnpackResult struct {
	Index FileIndex
}

// Download performs a retrying GET of rawURL, teeing the body into an
// (optional) integrity check, the caller-supplied unpacker, and an atomic
// file writer at savePath, while verifying the final byte count against
// Content-Length.
func (c *NetClient) Download(ctx context.Context, rawURL, savePath string, opts DownloadOpts) (UnpackResult, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return UnpackResult{}, errors.Wrap(err, "parsing URL")
	}
	policy := opts.Retry
	if policy.Count == 0 && policy.MinTimeout == 0 {
		policy = DefaultRetryPolicy
	}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= policy.Count; attempt++ {
		attempts++
		result, err := c.downloadOnce(ctx, rawURL, target, savePath, opts, attempt)
		if err == nil {
			return result, nil
		}
		// Every failure downloadOnce returns (non-2xx, connection drop,
		// size mismatch, integrity mismatch) is retryable per spec.md §4.2.
		lastErr = err
		if attempt == policy.Count {
			break
		}
		select {
		case <-ctx.Done():
			return UnpackResult{}, ctx.Err()
		case <-time.After(policy.delay(attempt)):
		}
	}
	return UnpackResult{}, &RetryExhaustedError{Attempts: attempts, Resource: rawURL, Err: lastErr}
}

func (c *NetClient) downloadOnce(ctx context.Context, rawURL string, target *url.URL, savePath string, opts DownloadOpts, attempt int) (UnpackResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return UnpackResult{}, errors.Wrap(err, "building request")
	}
	c.authorize(req, opts.Registry, target, opts.AlwaysAuth)
	resp, err := c.throttledDo(ctx, req)
	if err != nil {
		return UnpackResult{}, errors.Wrap(err, "performing request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UnpackResult{}, errors.Errorf("download error: %s", resp.Status)
	}
	var size *int64
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = &n
		}
	}
	if opts.OnStart != nil {
		opts.OnStart(size, attempt)
	}

	var checker *integrityChecker
	if opts.Integrity != "" {
		checker, err = newIntegrityChecker(opts.Integrity)
		if err != nil {
			return UnpackResult{}, err
		}
	}
	var savedFile *os.File
	partPath := savePath + ".part"
	if savePath != "" {
		savedFile, err = os.Create(partPath)
		if err != nil {
			return UnpackResult{}, errors.Wrap(err, "creating cached tarball")
		}
		defer os.Remove(partPath)
		defer savedFile.Close()
	}
	counter := &countingReader{r: resp.Body}
	var writers []io.Writer
	if checker != nil {
		writers = append(writers, checker)
	}
	if savedFile != nil {
		writers = append(writers, savedFile)
	}
	progress := &progressWriter{onProgress: opts.OnProgress}
	writers = append(writers, progress)
	teed := io.TeeReader(counter, io.MultiWriter(writers...))

	var index FileIndex
	if opts.Unpack != nil {
		index, err = opts.Unpack(teed, opts.Ignore, opts.GeneratePackageIntegrity)
		if err != nil {
			return UnpackResult{}, errors.Wrap(err, "unpacking")
		}
	} else {
		if _, err := io.Copy(io.Discard, teed); err != nil {
			return UnpackResult{}, errors.Wrap(err, "reading body")
		}
	}
	if checker != nil && !checker.Verified() {
		return UnpackResult{}, &IntegrityMismatchError{Expected: opts.Integrity, URL: rawURL}
	}
	if size != nil && counter.n != *size {
		return UnpackResult{}, &BadTarballError{Expected: *size, Received: counter.n, URL: rawURL}
	}
	if savedFile != nil {
		if err := savedFile.Close(); err != nil {
			return UnpackResult{}, errors.Wrap(err, "closing cached tarball")
		}
		if err := os.Rename(partPath, savePath); err != nil {
			return UnpackResult{}, errors.Wrap(err, "saving cached tarball")
		}
	}
	return UnpackResult{Index: index}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type progressWriter struct {
	onProgress func(int64)
	n          int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.n += int64(len(b))
	if p.onProgress != nil {
		p.onProgress(p.n)
	}
	return len(b), nil
}
