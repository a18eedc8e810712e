// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"cmp"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// packageVersion is a parsed Semantic Versioning 2.0.0 string, used by
// NPMResolver to pick a version out of a registry's version list.
type packageVersion struct {
	Major, Minor, Patch int
	Prerelease, Build    string
}

// Adapted from: https://semver.org/spec/v2.0.0#is-there-a-suggested-regular-expression-regex-to-check-a-semver-string
var semverRE = regexp.MustCompile(`^v?(?P<Major>0|[1-9]\d*)\.(?P<Minor>0|[1-9]\d*)\.(?P<Patch>0|[1-9]\d*)(?:-(?P<Prerelease>(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+(?P<Build>[0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

func parseVersion(s string) (packageVersion, error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		return packageVersion{}, errors.Errorf("invalid semver: %q", s)
	}
	major, _ := strconv.Atoi(m[semverRE.SubexpIndex("Major")])
	minor, _ := strconv.Atoi(m[semverRE.SubexpIndex("Minor")])
	patch, _ := strconv.Atoi(m[semverRE.SubexpIndex("Patch")])
	return packageVersion{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: m[semverRE.SubexpIndex("Prerelease")],
		Build:      m[semverRE.SubexpIndex("Build")],
	}, nil
}

var numericRE = regexp.MustCompile(`\d+`)

func prereleaseKey(p string) (alpha string, numeric int) {
	alpha = p
	if match := numericRE.FindAllStringIndex(p, -1); match != nil {
		last := match[len(match)-1]
		numeric, _ = strconv.Atoi(p[last[0]:last[1]])
		alpha = p[:last[0]]
	}
	return
}

func prereleaseCmp(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	aparts, bparts := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < min(len(aparts), len(bparts)); i++ {
		aa, an := prereleaseKey(aparts[i])
		ba, bn := prereleaseKey(bparts[i])
		if aa != ba {
			return strings.Compare(aa, ba)
		}
		if an != bn {
			return cmp.Compare(an, bn)
		}
	}
	return cmp.Compare(len(aparts), len(bparts))
}

// compareVersions returns -1, 0, or 1 as a compares less than, equal to, or
// greater than b. An unparsable version always compares as less than a
// parsable one.
func compareVersions(a, b string) int {
	av, aerr := parseVersion(a)
	bv, berr := parseVersion(b)
	switch {
	case aerr != nil && berr != nil:
		return 0
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	}
	switch {
	case av.Major != bv.Major:
		return cmp.Compare(av.Major, bv.Major)
	case av.Minor != bv.Minor:
		return cmp.Compare(av.Minor, bv.Minor)
	case av.Patch != bv.Patch:
		return cmp.Compare(av.Patch, bv.Patch)
	case av.Prerelease != bv.Prerelease:
		return prereleaseCmp(av.Prerelease, bv.Prerelease)
	default:
		return 0
	}
}

// versionSatisfies reports whether version matches a deliberately small
// subset of npm's range grammar: exact versions, "^"/"~" prefixes,
// comparator operators, and "*"/""/"latest" for any version. It is not a
// full node-semver reimplementation, only what resolving a dependency range
// against a registry's version list needs.
func versionSatisfies(version, rangeExpr string) bool {
	rangeExpr = strings.TrimSpace(rangeExpr)
	if rangeExpr == "" || rangeExpr == "*" || rangeExpr == "latest" {
		return true
	}
	v, err := parseVersion(version)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(rangeExpr, "^"):
		base, err := parseVersion(rangeExpr[1:])
		if err != nil {
			return false
		}
		return satisfiesCaret(v, base)
	case strings.HasPrefix(rangeExpr, "~"):
		base, err := parseVersion(rangeExpr[1:])
		if err != nil {
			return false
		}
		return v.Major == base.Major && v.Minor == base.Minor && v.Patch >= base.Patch
	case strings.HasPrefix(rangeExpr, ">="):
		return compareVersions(version, strings.TrimSpace(rangeExpr[2:])) >= 0
	case strings.HasPrefix(rangeExpr, "<="):
		return compareVersions(version, strings.TrimSpace(rangeExpr[2:])) <= 0
	case strings.HasPrefix(rangeExpr, ">"):
		return compareVersions(version, strings.TrimSpace(rangeExpr[1:])) > 0
	case strings.HasPrefix(rangeExpr, "<"):
		return compareVersions(version, strings.TrimSpace(rangeExpr[1:])) < 0
	case strings.HasPrefix(rangeExpr, "="):
		return compareVersions(version, strings.TrimSpace(rangeExpr[1:])) == 0
	default:
		return compareVersions(version, rangeExpr) == 0
	}
}

func satisfiesCaret(v, base packageVersion) bool {
	if compareVersions(fmtVersion(v), fmtVersion(base)) < 0 {
		return false
	}
	switch {
	case base.Major > 0:
		return v.Major == base.Major
	case base.Minor > 0:
		return v.Major == 0 && v.Minor == base.Minor
	default:
		return v.Major == 0 && v.Minor == 0 && v.Patch == base.Patch
	}
}

func fmtVersion(v packageVersion) string {
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// maxSatisfyingVersion returns the highest version in versions that
// satisfies rangeExpr, and false if none do.
func maxSatisfyingVersion(versions []string, rangeExpr string) (string, bool) {
	var candidates []string
	for _, v := range versions {
		if versionSatisfies(v, rangeExpr) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return compareVersions(candidates[i], candidates[j]) > 0 })
	return candidates[0], true
}
