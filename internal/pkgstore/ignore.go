// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"errors"
	"path"
	"strings"
)

// BuildIgnore compiles a set of glob patterns (supporting "**" for zero or
// more directory levels) into an Options.Ignore predicate: a relative path
// is ignored if it matches any pattern. A malformed pattern is treated as
// never-matching rather than failing the whole set, since patterns
// typically come from user-editable config.
func BuildIgnore(patterns []string) func(string) bool {
	if len(patterns) == 0 {
		return nil
	}
	pats := append([]string(nil), patterns...)
	return func(rel string) bool {
		for _, p := range pats {
			if ok, err := matchGlobstar(p, rel); err == nil && ok {
				return true
			}
		}
		return false
	}
}

// matchGlobstar extends path.Match with a "**" wildcard that matches zero
// or more path components. "**" may appear at most once in pattern, and
// must be preceded/succeeded by '/' or by the start/end of the pattern.
func matchGlobstar(pattern, name string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return path.Match(pattern, name)
	}
	if err := validateGlobstarPattern(pattern); err != nil {
		return false, err
	}
	prefixPattern, suffixPattern, _ := strings.Cut(pattern, "**")
	if prefixPattern != "" {
		end := prefixEnd(name, strings.Count(prefixPattern, "/"))
		if end == -1 || len(name) < end {
			return false, nil
		}
		if ok, err := path.Match(prefixPattern, name[:end]); err != nil || !ok {
			return false, err
		}
	}
	if suffixPattern != "" {
		subject := name
		if prefixPattern == "" {
			// A leading "**" may match zero components.
			subject = "/" + name
		}
		start := suffixStart(subject, strings.Count(suffixPattern, "/"))
		if start == -1 || start > len(subject) {
			return false, nil
		}
		if ok, err := path.Match(suffixPattern, subject[start:]); err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func validateGlobstarPattern(pattern string) error {
	if strings.Count(pattern, "**") > 1 {
		return errors.New("ignore pattern: only one '**' is permitted")
	}
	idx := strings.Index(pattern, "**")
	if idx == -1 {
		return nil
	}
	if idx > 0 && pattern[idx-1] != '/' {
		return errors.New("ignore pattern: '**' must be surrounded by slashes or be at start/end of pattern")
	}
	if idx+2 < len(pattern) && pattern[idx+2] != '/' {
		return errors.New("ignore pattern: '**' must be surrounded by slashes or be at start/end of pattern")
	}
	return nil
}

// prefixEnd returns the index in name just past the nth '/', or -1 if name
// has fewer than n path separators.
func prefixEnd(name string, n int) int {
	if n == 0 {
		return 0
	}
	seen := 0
	for i, c := range name {
		if c == '/' {
			seen++
			if seen == n {
				return i + 1
			}
		}
	}
	return -1
}

// suffixStart returns the index in name of the '/' that begins the last n
// path components, or -1 if name has fewer than n path separators.
func suffixStart(name string, n int) int {
	if n == 0 {
		return len(name)
	}
	seen := 0
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			seen++
			if seen == n {
				return i
			}
		}
	}
	return -1
}
