package types

import "testing"

func TestVersionSatisfies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		version     string
		requirement string
		want        bool
	}{
		{"1.0", ">=1.0", true},
		{"2.3", ">=1.0", true},
		{"0.9", ">=1.0", false},
		{"2.0", ">=2.0", true},
		{"1.0", ">=2.0", false},
		{"1.0", "1.0", true},
		{"1.0", "==1.0", true},
		{"1.1", "==1.0", false},
		{"1.0", "<=1.0", true},
		{"1.1", "<=1.0", false},
		{"2.0", ">1.9", true},
		{"1.9", ">1.9", false},
		{"0.5", "<1.0", true},
		{"1.0", "<1.0", false},
		{"1.0", ">= 1.0", true},
		{"1.0", "", true},
		// Unparsable requirements and versions fail open.
		{"1.0", "latest", true},
		{"beta", ">=1.0", true},
		{"1.0", "~=1.0", true},
	}
	for _, tc := range cases {
		if got := VersionSatisfies(tc.version, tc.requirement); got != tc.want {
			t.Errorf("VersionSatisfies(%q, %q) = %v, want %v", tc.version, tc.requirement, got, tc.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	if _, ok := ParseVersion("1.2.3"); !ok {
		t.Fatalf("expected 1.2.3 to parse")
	}
	for _, bad := range []string{"", "a.b", "1..2", "1.-2", "1.2-rc1", "v1.0"} {
		if _, ok := ParseVersion(bad); ok {
			t.Errorf("expected %q not to parse", bad)
		}
	}
}

func TestCompareVersions_TupleOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"2.0", "1.9", 1},
		{"1.0", "1.0.1", -1},
		{"1.10", "1.9", 1},
	}
	for _, tc := range cases {
		a, ok := ParseVersion(tc.a)
		if !ok {
			t.Fatalf("parse %q", tc.a)
		}
		b, ok := ParseVersion(tc.b)
		if !ok {
			t.Fatalf("parse %q", tc.b)
		}
		if got := CompareVersions(a, b); got != tc.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
