package types

import (
	"strconv"
	"strings"
)

// ParseVersion parses a dotted numeric version ("1", "1.0", "2.3.1") into
// its integer components. It reports false for anything else.
func ParseVersion(s string) ([]int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	nums := make([]int, len(parts))
	for i, part := range parts {
		if part == "" {
			return nil, false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, false
			}
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		nums[i] = n
	}
	return nums, true
}

// CompareVersions compares two parsed versions as integer tuples. When all
// shared components are equal the shorter version sorts first, so "1.0"
// precedes "1.0.1".
func CompareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// versionOps lists requirement operators, two-character operators first so
// ">=" is matched before ">".
var versionOps = []string{">=", "<=", "==", ">", "<"}

// VersionSatisfies reports whether version meets the requirement. A
// requirement is an optional comparison operator followed by a dotted
// numeric version; a missing operator means exact match. Requirements or
// versions that do not parse are treated as compatible so that unknown
// version schemes never block routing.
func VersionSatisfies(version, requirement string) bool {
	req := strings.TrimSpace(requirement)
	if req == "" {
		return true
	}
	op := "=="
	for _, candidate := range versionOps {
		if strings.HasPrefix(req, candidate) {
			op = candidate
			req = strings.TrimSpace(req[len(candidate):])
			break
		}
	}
	want, ok := ParseVersion(req)
	if !ok {
		return true
	}
	have, ok := ParseVersion(version)
	if !ok {
		return true
	}
	cmp := CompareVersions(have, want)
	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	default:
		return cmp == 0
	}
}
