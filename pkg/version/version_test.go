package version

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompare_Ordering(t *testing.T) {
	ordered := []string{
		"0.4",
		"0.4.1.rc",
		"0.4.1",
		"0.5a1",
		"0.5b3",
		"0.5",
		"0.9.6",
		"0.960923",
		"1.0",
		"1.1dev1",
		"1.1a1",
		"1.1.0rc1",
		"1.1.0",
		"1.1.0post1",
		"1.1post1",
		"1996.07.12",
		"1!0.4.1",
	}

	for i := 0; i < len(ordered)-1; i++ {
		a, b := ordered[i], ordered[i+1]
		if c := Compare(a, b); c >= 0 {
			t.Errorf("Expected %s < %s, got compare=%d", a, b, c)
		}
		if c := Compare(b, a); c <= 0 {
			t.Errorf("Expected %s > %s, got compare=%d", b, a, c)
		}
	}

	shuffled := []string{"1.24", "1.9", "1.21.6", "1.100", "1.21"}
	sort.Slice(shuffled, func(i, j int) bool { return Compare(shuffled[i], shuffled[j]) < 0 })
	want := []string{"1.9", "1.21", "1.21.6", "1.24", "1.100"}
	if diff := cmp.Diff(want, shuffled); diff != "" {
		t.Errorf("sort mismatch (-want +got):\n%s", diff)
	}
}

func TestCompare_Equal(t *testing.T) {
	tests := []struct{ a, b string }{
		{"1.0", "1.0.0"},
		{"1.2_3", "1.2.3"},
		{"3.10.*", "3.10"},
		{"1.0RC1", "1.0rc1"},
	}
	for _, tt := range tests {
		if c := Compare(tt.a, tt.b); c != 0 {
			t.Errorf("Expected %s == %s, got %d", tt.a, tt.b, c)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "1..2", "a!1.0", "1.0+a+b", "1.0 2"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

func TestCompare_Unparseable(t *testing.T) {
	if Compare("", "1.0") >= 0 {
		t.Error("Expected unparseable version to sort first")
	}
	if Compare("1.0", "") <= 0 {
		t.Error("Expected parseable version to sort last")
	}
}

func TestCandidate(t *testing.T) {
	tests := map[string]string{
		"3.10.* *_cpython": "3.10",
		"1.24":             "1.24",
		" 2.0.* ":          "2.0",
		"vs2019":           "vs2019",
	}
	for in, want := range tests {
		if got := Candidate(in); got != want {
			t.Errorf("Candidate(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSpec_Match(t *testing.T) {
	tests := []struct {
		spec    string
		matches []string
		rejects []string
	}{
		{">=1.22", []string{"1.22", "1.24", "2.0"}, []string{"1.21", "1.21.6"}},
		{">=1.22,<2", []string{"1.22", "1.26.4"}, []string{"2.0", "1.9"}},
		{"1.2.*", []string{"1.2", "1.2.0", "1.2.9"}, []string{"1.20", "1.3"}},
		{"=1.2", []string{"1.2", "1.2.5"}, []string{"1.20"}},
		{"1.2", []string{"1.2", "1.2.0"}, []string{"1.2.1"}},
		{"==1.2", []string{"1.2"}, []string{"1.2.1"}},
		{"!=1.2.*", []string{"1.3", "1.20"}, []string{"1.2.4"}},
		{"~=1.4.2", []string{"1.4.2", "1.4.9"}, []string{"1.5.0", "1.4.1"}},
		{"3.9|>=3.11", []string{"3.9", "3.12"}, []string{"3.10"}},
		{"<3.12,>=3.10|2.7", []string{"2.7", "3.10", "3.11"}, []string{"3.12", "3.9"}},
		{"*", []string{"1.0", "anything"}, nil},
		{"", []string{"1.0"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSpec(tt.spec)
			if err != nil {
				t.Fatalf("ParseSpec failed: %v", err)
			}
			for _, v := range tt.matches {
				if !s.Match(v) {
					t.Errorf("Expected %q to match %q", tt.spec, v)
				}
			}
			for _, v := range tt.rejects {
				if s.Match(v) {
					t.Errorf("Expected %q not to match %q", tt.spec, v)
				}
			}
		})
	}
}

func TestSpec_MatchCandidate(t *testing.T) {
	s := MustParseSpec(">=3.10")
	if !s.MatchCandidate("3.10.* *_cpython") {
		t.Error("Expected candidate with build string to match")
	}
	if s.MatchCandidate("3.9.* *_cpython") {
		t.Error("Expected 3.9 candidate to be rejected")
	}
}

func TestParseSpec_Invalid(t *testing.T) {
	for _, s := range []string{">=", ">=1.0,", "~=1", ">1.*"} {
		if _, err := ParseSpec(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

func TestSpec_IsAny(t *testing.T) {
	if !MustParseSpec("*").IsAny() {
		t.Error("Expected * to be unbounded")
	}
	if MustParseSpec(">=1").IsAny() {
		t.Error("Expected >=1 to be bounded")
	}
}
