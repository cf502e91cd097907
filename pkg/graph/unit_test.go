package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"

	"pgregory.net/rapid"
)

func newTestChunker(t testing.TB, maxTokens, overlap, maxChunks int) *Chunker {
	t.Helper()
	c, err := NewChunker(NewChunkerParams{
		Tokenizer: tokens.NewWhitespaceTokenizer(),
		MaxTokens: maxTokens,
		Overlap:   overlap,
		MaxChunks: maxChunks,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewChunkerValidation(t *testing.T) {
	tok := tokens.NewWhitespaceTokenizer()
	tests := []struct {
		name   string
		params NewChunkerParams
	}{
		{"no tokenizer", NewChunkerParams{MaxTokens: 10}},
		{"zero max", NewChunkerParams{Tokenizer: tok}},
		{"overlap equals max", NewChunkerParams{Tokenizer: tok, MaxTokens: 5, Overlap: 5}},
		{"negative overlap", NewChunkerParams{Tokenizer: tok, MaxTokens: 5, Overlap: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewChunker(tt.params); !errors.Is(err, common.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		max, over  int
		wantChunks int
	}{
		{"empty", "", 5, 1, 0},
		{"blank", " \n\t ", 5, 1, 0},
		{"single chunk", "one two three", 5, 1, 1},
		{"exact fit", "a b c d e", 5, 0, 1},
		{"two windows without overlap", "a b c d e f g h i j", 5, 0, 2},
		{"overlapping windows", "a b c d e f g h i j", 5, 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChunker(t, tt.max, tt.over, 0)
			chunks, truncated := c.Split("doc", tt.text)
			if truncated {
				t.Fatalf("unexpected truncation")
			}
			if len(chunks) != tt.wantChunks {
				t.Fatalf("got %d chunks, want %d: %+v", len(chunks), tt.wantChunks, chunks)
			}
			if tt.wantChunks > 0 && Reconstruct(chunks) != tt.text {
				t.Fatalf("reconstruction mismatch: %q", Reconstruct(chunks))
			}
		})
	}
}

func TestSplitOverlapIsShared(t *testing.T) {
	c := newTestChunker(t, 5, 2, 0)
	chunks, _ := c.Split("doc", "a b c d e f g h i j")
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.Overlap == 0 {
			t.Fatalf("chunk %d has no overlap", i)
		}
		if !strings.HasSuffix(prev.Text, cur.Text[:cur.Overlap]) {
			t.Fatalf("chunk %d overlap %q is not the tail of %q", i, cur.Text[:cur.Overlap], prev.Text)
		}
	}
}

func TestSplitIDsAndSequence(t *testing.T) {
	c := newTestChunker(t, 3, 1, 0)
	chunks, _ := c.Split("doc", "one two three four five six seven")
	for i, ch := range chunks {
		if ch.Seq != i || ch.ID != common.ChunkID("doc", i) || ch.DocumentID != "doc" {
			t.Fatalf("chunk %d has wrong identity: %+v", i, ch)
		}
		if ch.Status != common.ChunkPending {
			t.Fatalf("chunk %d should start pending", i)
		}
	}
}

func TestSplitPrefersParagraphBreak(t *testing.T) {
	c := newTestChunker(t, 8, 0, 0)
	text := "w1 w2 w3 w4 w5 w6 w7.\n\nw8 w9 w10 w11"
	chunks, _ := c.Split("doc", text)
	if len(chunks) < 2 {
		t.Fatalf("expected two chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0].Text, "\n\n") {
		t.Fatalf("first chunk should end at the paragraph break: %q", chunks[0].Text)
	}
	if Reconstruct(chunks) != text {
		t.Fatalf("reconstruction mismatch")
	}
}

func TestSplitMaxChunks(t *testing.T) {
	c := newTestChunker(t, 2, 0, 2)
	chunks, truncated := c.Split("doc", "a b c d e f g")
	if !truncated || len(chunks) != 2 {
		t.Fatalf("expected truncation to 2 chunks, got %d truncated=%v", len(chunks), truncated)
	}
}

func TestSplitLongWordIsCut(t *testing.T) {
	c := newTestChunker(t, 1, 0, 0)
	text := "ab"
	chunks, _ := c.Split("doc", text)
	if Reconstruct(chunks) != text {
		t.Fatalf("reconstruction mismatch: %q", Reconstruct(chunks))
	}
}

func TestSplitProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOf(rapid.SampledFrom([]string{
			"alpha", "beta", "Grüße", "日本", "🚀", ".", "\n", "\n\n", " ", "x", "end.",
		})).Draw(t, "words")
		var b strings.Builder
		for _, w := range words {
			b.WriteString(w)
			if rapid.Bool().Draw(t, "space") {
				b.WriteString(" ")
			}
		}
		text := b.String()
		maxTokens := rapid.IntRange(1, 12).Draw(t, "max")
		overlap := rapid.IntRange(0, maxTokens-1).Draw(t, "overlap")

		c, err := NewChunker(NewChunkerParams{
			Tokenizer: tokens.NewWhitespaceTokenizer(),
			MaxTokens: maxTokens,
			Overlap:   overlap,
		})
		if err != nil {
			t.Fatal(err)
		}
		chunks, _ := c.Split("doc", text)

		if strings.TrimSpace(text) == "" {
			if len(chunks) != 0 {
				t.Fatalf("blank text produced %d chunks", len(chunks))
			}
			return
		}
		if got := Reconstruct(chunks); got != text {
			t.Fatalf("reconstruction mismatch:\n got %q\nwant %q", got, text)
		}
		for i, ch := range chunks {
			if ch.Tokens > maxTokens && len([]rune(ch.Text)) > 1 {
				t.Fatalf("chunk %d has %d tokens, max %d", i, ch.Tokens, maxTokens)
			}
			if ch.Seq != i {
				t.Fatalf("sequence gap at %d", i)
			}
			if i > 0 && ch.Overlap > len(ch.Text) {
				t.Fatalf("chunk %d overlap %d exceeds length %d", i, ch.Overlap, len(ch.Text))
			}
		}
	})
}
