package similarity

import (
	"testing"
)

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"john", "jon", 1},
		{"same", "same", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"", "", 0},
		{"flaw", "lawn", 2},
		{"østergade", "ostergade", 1},
	}
	for _, c := range cases {
		if got := Levenshtein(c.a, c.b); got != c.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestLevenshteinSymmetry(t *testing.T) {
	pairs := [][2]string{{"kitten", "sitting"}, {"abc", "xyz"}, {"", "hello"}}
	for _, p := range pairs {
		if Levenshtein(p[0], p[1]) != Levenshtein(p[1], p[0]) {
			t.Errorf("distance not symmetric for %q / %q", p[0], p[1])
		}
	}
}

func TestLevenshteinBounded(t *testing.T) {
	pairs := [][2]string{{"kitten", "sitting"}, {"a", "zzzzzz"}, {"abcdef", ""}}
	for _, p := range pairs {
		d := Levenshtein(p[0], p[1])
		bound := max(len(p[0]), len(p[1]))
		if d < 0 || d > bound {
			t.Errorf("distance %d for %q / %q outside [0,%d]", d, p[0], p[1], bound)
		}
	}
}

func TestRatio(t *testing.T) {
	if got := Ratio("same", "same"); got != 1.0 {
		t.Errorf("Ratio(identical) = %v, want 1.0", got)
	}
	if got := Ratio("", ""); got != 1.0 {
		t.Errorf("Ratio(empty, empty) = %v, want 1.0", got)
	}
	got := Ratio("john", "jon")
	want := 1 - 1.0/4.0
	if got != want {
		t.Errorf("Ratio(john, jon) = %v, want %v", got, want)
	}
	if got := Ratio("abc", "xyz"); got != 0 {
		t.Errorf("Ratio(disjoint same length) = %v, want 0", got)
	}
	for _, p := range [][2]string{{"kitten", "sitting"}, {"", "x"}, {"aa", "aaaa"}} {
		r := Ratio(p[0], p[1])
		if r < 0 || r > 1 {
			t.Errorf("Ratio(%q, %q) = %v outside [0,1]", p[0], p[1], r)
		}
	}
}
