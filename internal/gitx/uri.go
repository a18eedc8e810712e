// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package gitx

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Non-exhaustive recognition of the common git forges: enough to tell a
// repository reference apart from a bare npm package pref and to normalize
// shorthand (github.com/owner/repo, git@github.com:owner/repo) into a
// canonical HTTPS URI.
var (
	githubRE     = regexp.MustCompile(`(?i)\bgithub(\.com)?[:/]([\w-]+/[\w-.]+)`)
	gitlabRE     = regexp.MustCompile(`(?i)\bgitlab(\.com)?[:/]([\w-]+/[\w-.]+)`)
	bitbucketRE  = regexp.MustCompile(`(?i)\bbitbucket(\.org)?[:/]([\w-]+/[\w-.]+)`)
	commonForges = []*regexp.Regexp{githubRE, gitlabRE, bitbucketRE}
)

// ErrUnsupportedRepo is returned by CanonicalizeRepoURI when raw cannot be
// parsed into a usable repo URI.
var ErrUnsupportedRepo = errors.New("unsupported repo type")

// SmellsLikeARepo reports whether pref matches a well-known git forge URI
// pattern.
func SmellsLikeARepo(pref string) bool {
	for _, forge := range commonForges {
		if forge.MatchString(pref) {
			return true
		}
	}
	return false
}

// CanonicalizeRepoURI parses a repo reference (shorthand, scp-like, or a
// full URL) into a canonical HTTPS URI, so two different spellings of the
// same remote compare equal.
func CanonicalizeRepoURI(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty repo URL")
	}
	var repo string
	switch {
	case githubRE.FindString(raw) != "":
		repo = "//github.com/" + canonicalForgePath(githubRE.FindString(raw))
	case gitlabRE.FindString(raw) != "":
		repo = "//gitlab.com/" + canonicalForgePath(gitlabRE.FindString(raw))
	case bitbucketRE.FindString(raw) != "":
		repo = "//bitbucket.org/" + canonicalForgePath(bitbucketRE.FindString(raw))
	default:
		repo = raw
	}
	u, err := url.Parse(repo)
	if err != nil || u.Host == "" || u.User.String() != "" {
		return "", errors.Wrapf(ErrUnsupportedRepo, "%q", raw)
	}
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	if strings.HasSuffix(u.Path, "/.") || strings.HasSuffix(u.Path, "/..") {
		return "", errors.Wrapf(ErrUnsupportedRepo, "%q", raw)
	}
	u.RawQuery = ""
	return u.String(), nil
}

func canonicalForgePath(match string) string {
	path := match[strings.IndexAny(match, ":/")+1:]
	return strings.TrimSuffix(strings.ToLower(path), ".git")
}
