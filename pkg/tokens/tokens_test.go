package tokens

import (
	"strings"
	"testing"
)

func TestWhitespaceTokenizerRoundTrip(t *testing.T) {
	tok := NewWhitespaceTokenizer()
	tests := []string{
		"",
		"hello",
		"hello world",
		"  leading and trailing  ",
		"line one\nline two\n\n",
		"Ünïcödé wörds ✓ here",
	}
	for _, text := range tests {
		ids := tok.Encode(text)
		var b strings.Builder
		for _, id := range ids {
			b.WriteString(tok.Decode([]int{id}))
		}
		if b.String() != text {
			t.Errorf("round trip of %q gave %q", text, b.String())
		}
	}
}

func TestWhitespaceTokenizerCounts(t *testing.T) {
	tok := NewWhitespaceTokenizer()
	if got := Count(tok, "one two three"); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
	if got := Count(tok, "one two three "); got != 4 {
		t.Fatalf("Count with trailing space = %d, want 4", got)
	}
	if got := Truncate(tok, "one two three", 2); got != "one two" {
		t.Fatalf("Truncate = %q", got)
	}
}

func TestGetCachesWhitespace(t *testing.T) {
	a, err := Get(Whitespace)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Get(Whitespace)
	if a != b {
		t.Fatalf("expected shared tokenizer instance")
	}
}

func TestTiktokenRoundTrip(t *testing.T) {
	tok, err := Get("o200k_base")
	if err != nil {
		t.Skipf("o200k_base not available: %v", err)
	}
	text := "Acme Corp builds anvils in Zürich. 🚀 Ready."
	var b strings.Builder
	for _, id := range tok.Encode(text) {
		b.WriteString(tok.Decode([]int{id}))
	}
	if b.String() != text {
		t.Fatalf("byte-level round trip failed: %q", b.String())
	}
}
