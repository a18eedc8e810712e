// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"strings"
	"testing"
)

func TestIdentityToPath(t *testing.T) {
	cases := []struct {
		id   Identity
		want string
	}{
		{"registry.npmjs.org/lodash/4.17.21", "registry.npmjs.org/lodash/4.17.21"},
		{"github.com/owner/repo@deadbeef", "github.com/owner/repo_deadbeef"},
		{"../../etc/passwd", "_/_/etc/passwd"},
		{"a//b", "a/_/b"},
		{"weird chars!?.tgz", "weird_chars__.tgz"},
	}
	for _, c := range cases {
		if got := c.id.ToPath(); got != c.want {
			t.Errorf("Identity(%q).ToPath() = %q, want %q", c.id, got, c.want)
		}
	}
}

func TestIdentityToPathNeverEscapes(t *testing.T) {
	ids := []Identity{"..", "../x", "a/../../b"}
	for _, id := range ids {
		p := id.ToPath()
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				t.Errorf("Identity(%q).ToPath() = %q contains a \"..\" segment", id, p)
			}
		}
	}
}
