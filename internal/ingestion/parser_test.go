package ingestion

import "testing"

func TestMatchesGlobs(t *testing.T) {
	cases := []struct {
		path     string
		includes []string
		excludes []string
		want     bool
	}{
		{"main.go", []string{"*.go"}, nil, true},
		{"main.txt", []string{"*.go"}, nil, false},
		{"pkg/foo.go", []string{"*.go"}, nil, true},
		{"vendor/foo.go", nil, []string{"vendor/*"}, false},
		{"src/foo.go", nil, nil, true},
	}
	for _, c := range cases {
		got := MatchesGlobs(c.path, c.includes, c.excludes)
		if got != c.want {
			t.Errorf("MatchesGlobs(%q, %v, %v) = %v, want %v", c.path, c.includes, c.excludes, got, c.want)
		}
	}
}
