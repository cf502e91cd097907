package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	a := NewID("doc")
	b := NewID("doc")
	if a == b {
		t.Fatalf("expected distinct ids")
	}
	if !strings.HasPrefix(a, "doc_") || len(a) != len("doc_")+16 {
		t.Fatalf("unexpected id %q", a)
	}
	if len(NewID("")) != 16 {
		t.Fatalf("expected bare id of length 16")
	}
}

func TestNormalizeCitations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"BoldMarker", "Acme **[[e:ent_1]]** builds anvils.", "Acme [[e:ent_1]] builds anvils."},
		{"SingleBracket", "Acme builds anvils [c:doc-0].", "Acme builds anvils [[c:doc-0]]."},
		{"AdjacentDuplicates", "Fact [[c:doc-0]] [[c:doc-0]] [[c:doc-1]]", "Fact [[c:doc-0]] [[c:doc-1]]"},
		{"KeepsLinks", "see [docs](http://x)", "see [docs](http://x)"},
		{"TabSeparated", "[[c:a]]\t[[c:b]]", "[[c:a]] [[c:b]]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeCitations(tt.in); got != tt.want {
				t.Fatalf("NormalizeCitations(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractCitations(t *testing.T) {
	got := ExtractCitations("A [[c:doc-0]] B [[e:ent_1]] C [[c:doc-0]] D [[m:com_1]]")
	want := []Citation{{"c", "doc-0"}, {"e", "ent_1"}, {"m", "com_1"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestStripCitations(t *testing.T) {
	got := StripCitations("A [[c:doc-0]] B [[c:made-up]]", func(c Citation) bool {
		return c.ID == "doc-0"
	})
	if got != "A [[c:doc-0]] B " {
		t.Fatalf("got %q", got)
	}
}
