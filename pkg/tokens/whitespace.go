package tokens

import (
	"strings"
	"sync"
	"unicode"
)

// WhitespaceTokenizer treats every word together with its leading
// whitespace as one token. It needs no vocabulary files, so it works offline
// and keeps tests hermetic. Ids are assigned on first sight and are only
// meaningful within one tokenizer instance.
type WhitespaceTokenizer struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
}

func NewWhitespaceTokenizer() *WhitespaceTokenizer {
	return &WhitespaceTokenizer{ids: map[string]int{}}
}

func (w *WhitespaceTokenizer) Encode(text string) []int {
	pieces := splitWords(text)

	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]int, len(pieces))
	for i, p := range pieces {
		id, ok := w.ids[p]
		if !ok {
			id = len(w.words)
			w.ids[p] = id
			w.words = append(w.words, p)
		}
		out[i] = id
	}
	return out
}

func (w *WhitespaceTokenizer) Decode(tokens []int) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	for _, id := range tokens {
		if id >= 0 && id < len(w.words) {
			b.WriteString(w.words[id])
		}
	}
	return b.String()
}

// splitWords cuts text into pieces of leading whitespace plus a word. Trailing
// whitespace forms its own piece.
func splitWords(text string) []string {
	var out []string
	start := 0
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inWord && space {
			out = append(out, text[start:i])
			start = i
			inWord = false
		} else if !space {
			inWord = true
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
