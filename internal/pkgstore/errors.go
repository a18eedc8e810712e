// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import "fmt"

// UnsupportedResolutionError is returned when no fetcher is registered for
// a Resolution's type.
type UnsupportedResolutionError struct {
	Type ResolutionType
}

func (e *UnsupportedResolutionError) Error() string {
	return fmt.Sprintf("unsupported resolution type: %s", e.Type)
}

// BadTarballError is returned when the bytes received for a tarball
// download do not match the advertised or verified size.
type BadTarballError struct {
	Expected int64
	Received int64
	URL      string
}

func (e *BadTarballError) Error() string {
	return fmt.Sprintf("bad tarball from %s: expected %d bytes, received %d", e.URL, e.Expected, e.Received)
}

// RetryExhaustedError decorates the final error from a retry loop with the
// number of attempts made.
type RetryExhaustedError struct {
	Attempts int
	Resource string
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up on %s after %d attempts: %v", e.Resource, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IntegrityMismatchError is returned when a subresource-integrity check
// fails against the bytes actually received.
type IntegrityMismatchError struct {
	Expected string
	URL      string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s", e.URL, e.Expected)
}

// OfflineMissError is returned by a resolver when opts.Offline is set and no
// cached metadata is sufficient to resolve the dependency.
type OfflineMissError struct {
	Pref string
}

func (e *OfflineMissError) Error() string {
	return fmt.Sprintf("offline and no cached resolution for %q", e.Pref)
}

// MissingManifestError is returned when a local/directory dependency has no
// readable package.json.
type MissingManifestError struct {
	Path string
}

func (e *MissingManifestError) Error() string {
	return fmt.Sprintf("no package.json found at %s", e.Path)
}

// ResolverFailureError wraps an error surfaced by a specific resolver.
type ResolverFailureError struct {
	Pref string
	Err  error
}

func (e *ResolverFailureError) Error() string {
	return fmt.Sprintf("resolving %q: %v", e.Pref, e.Err)
}

func (e *ResolverFailureError) Unwrap() error { return e.Err }

// NotFoundError indicates a resolver recognized the pref's form but could
// not find a matching package/version.
type NotFoundError struct {
	Pref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %q", e.Pref)
}

// BadPrefError indicates a resolver could not parse the pref at all.
type BadPrefError struct {
	Pref string
}

func (e *BadPrefError) Error() string {
	return fmt.Sprintf("unparsable dependency reference: %q", e.Pref)
}
