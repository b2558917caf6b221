package runtime

import (
	"testing"
)

func TestSubstituteResolvesTokens(t *testing.T) {
	vars := map[string]any{
		"siteId": "nsf",
		"page":   float64(2),
		"debug":  true,
	}
	got, missing := Substitute("https://example.org/${siteId}?page=${page}&debug=${debug}", vars)
	want := "https://example.org/nsf?page=2&debug=true"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if len(missing) != 0 {
		t.Errorf("unexpected unresolved: %v", missing)
	}
}

// TestSubstituteLeavesUnresolvedLiteral checks that unknown variables
// stay as literal tokens and are reported.
func TestSubstituteLeavesUnresolvedLiteral(t *testing.T) {
	got, missing := Substitute("prefix-${known}-${unknown}", map[string]any{"known": "k"})
	if got != "prefix-k-${unknown}" {
		t.Errorf("got %q", got)
	}
	if len(missing) != 1 || missing[0] != "unknown" {
		t.Errorf("missing = %v, want [unknown]", missing)
	}
}

func TestSubstituteIgnoresMalformedTokens(t *testing.T) {
	vars := map[string]any{"a": "x"}
	cases := []string{"$a", "${}", "${1bad}", "${a", "plain"}
	for _, in := range cases {
		got, missing := Substitute(in, vars)
		if got != in {
			t.Errorf("Substitute(%q) = %q, want unchanged", in, got)
		}
		if len(missing) != 0 {
			t.Errorf("Substitute(%q) reported unresolved %v", in, missing)
		}
	}
}

func TestToStringRendering(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{float64(42), "42"},
		{1.5, "1.5"},
		{false, "false"},
	}
	for _, tc := range cases {
		if got := toString(tc.in); got != tc.want {
			t.Errorf("toString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
