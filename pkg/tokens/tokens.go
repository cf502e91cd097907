package tokens

import (
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/catalyst/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer maps text to token ids and back. Decoding the tokens of a text
// one by one and concatenating the results must reproduce the text.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Whitespace is the encoding name of the offline tokenizer.
const Whitespace = "whitespace"

var (
	cacheMu sync.Mutex
	cache   = map[string]Tokenizer{}
)

// Get returns a shared tokenizer for the encoding name, for example
// "o200k_base" or "whitespace".
func Get(encoding string) (Tokenizer, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if t, ok := cache[encoding]; ok {
		return t, nil
	}

	var t Tokenizer
	if encoding == Whitespace {
		t = NewWhitespaceTokenizer()
	} else {
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return nil, fmt.Errorf("%w: load token encoding %q: %w", common.ErrConfiguration, encoding, err)
		}
		t = &tiktokenTokenizer{enc: enc}
	}
	cache[encoding] = t
	return t, nil
}

// Count returns the number of tokens in text.
func Count(t Tokenizer, text string) int {
	if text == "" {
		return 0
	}
	return len(t.Encode(text))
}

// Truncate cuts text to at most max tokens.
func Truncate(t Tokenizer, text string, max int) string {
	if max <= 0 {
		return ""
	}
	ids := t.Encode(text)
	if len(ids) <= max {
		return text
	}
	return t.Decode(ids[:max])
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
