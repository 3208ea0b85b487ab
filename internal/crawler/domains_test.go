package crawler

import "testing"

func TestDomainMatcher(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		m := NewDomainMatcher([]string{"boards.greenhouse.io"})
		if m == nil {
			t.Fatalf("expected matcher to be created")
		}
		if !m.Matches("boards.greenhouse.io") {
			t.Fatalf("expected boards.greenhouse.io to match")
		}
		if m.Matches("eu.boards.greenhouse.io") {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		m := NewDomainMatcher([]string{"*.lever.co", ".myworkdayjobs.com"})
		if m == nil {
			t.Fatalf("expected matcher to be created")
		}
		cases := []struct {
			host  string
			match bool
		}{
			{"jobs.lever.co", true},
			{"LEVER.CO", true},
			{"acme.wd5.myworkdayjobs.com", true},
			{"example.com", false},
			{"notlever.co", false},
		}
		for _, tc := range cases {
			if got := m.Matches(tc.host); got != tc.match {
				t.Fatalf("host %q match=%v, want %v", tc.host, got, tc.match)
			}
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		if m := NewDomainMatcher([]string{" ", ""}); m != nil {
			t.Fatalf("expected nil matcher for blank patterns")
		}
	})

	t.Run("nil matcher", func(t *testing.T) {
		var m *DomainMatcher
		if m.Matches("anything") {
			t.Fatalf("nil matcher should never match")
		}
	})
}
