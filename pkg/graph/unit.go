package graph

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

// Chunker cuts document text into overlapping token windows. Chunk
// boundaries are byte offsets into the original text, so dropping each
// chunk's leading overlap and concatenating the rest yields the text again.
type Chunker struct {
	tok       tokens.Tokenizer
	maxTokens int
	overlap   int
	maxChunks int
}

type NewChunkerParams struct {
	Tokenizer tokens.Tokenizer
	MaxTokens int
	// Overlap is the number of tokens a chunk repeats from its predecessor.
	Overlap int
	// MaxChunks caps the chunks per document, 0 means unlimited.
	MaxChunks int
}

func NewChunker(params NewChunkerParams) (*Chunker, error) {
	if params.Tokenizer == nil {
		return nil, fmt.Errorf("%w: chunker needs a tokenizer", common.ErrConfiguration)
	}
	if params.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: chunk max tokens must be positive, got %d", common.ErrConfiguration, params.MaxTokens)
	}
	if params.Overlap < 0 || params.Overlap >= params.MaxTokens {
		return nil, fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", common.ErrConfiguration, params.Overlap, params.MaxTokens)
	}
	return &Chunker{
		tok:       params.Tokenizer,
		maxTokens: params.MaxTokens,
		overlap:   params.Overlap,
		maxChunks: max(0, params.MaxChunks),
	}, nil
}

// Split returns the ordered chunks of text. Blank text yields no chunks.
// truncated reports that the chunk cap cut the document short.
func (c *Chunker) Split(documentID, text string) (chunks []common.Chunk, truncated bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	offsets := c.tokenOffsets(text)

	pos, prevEnd := 0, 0
	for pos < len(text) {
		if c.maxChunks > 0 && len(chunks) == c.maxChunks {
			return chunks, true
		}

		end, ok := c.fit(text, offsets, pos, max(pos, prevEnd))
		if !ok {
			// The overlap leaves no room to advance; restart without it.
			pos = prevEnd
			continue
		}

		chunk := text[pos:end]
		chunks = append(chunks, common.Chunk{
			ID:         common.ChunkID(documentID, len(chunks)),
			DocumentID: documentID,
			Seq:        len(chunks),
			Text:       chunk,
			Tokens:     tokens.Count(c.tok, chunk),
			Start:      pos,
			End:        end,
			Overlap:    max(0, prevEnd-pos),
			Status:     common.ChunkPending,
		})
		if end >= len(text) {
			break
		}

		next := end
		if c.overlap > 0 {
			next = snapBack(text, offsets[max(tokenAt(offsets, end)-c.overlap, 0)])
		}
		if next <= pos {
			_, size := utf8.DecodeRuneInString(text[pos:])
			next = pos + size
		}
		prevEnd, pos = end, min(next, end)
	}
	return chunks, false
}

// fit picks the end of a chunk starting at byte pos. The end lies beyond lo,
// lands on a rune boundary, prefers a paragraph, line or sentence break near
// the end of the window, and shrinks until the chunk re-encodes to no more
// than maxTokens. ok is false when no such end exists while pos < lo. A single
// character that alone exceeds the budget becomes its own chunk.
func (c *Chunker) fit(text string, offsets []int, pos, lo int) (end int, ok bool) {
	n := len(offsets) - 1
	first := tokenAt(offsets, pos)
	for last := min(first+c.maxTokens, n); last > first; last-- {
		end = len(text)
		if last < n {
			end = preferBreak(text, pos, lo, snapBack(text, offsets[last]))
		}
		if end <= lo {
			break
		}
		if tokens.Count(c.tok, text[pos:end]) <= c.maxTokens {
			return end, true
		}
	}
	if pos < lo {
		return 0, false
	}
	_, size := utf8.DecodeRuneInString(text[pos:])
	return pos + size, true
}

// tokenOffsets returns the byte offset at which every token starts, plus a
// final entry for the end of the text.
func (c *Chunker) tokenOffsets(text string) []int {
	ids := c.tok.Encode(text)
	offsets := make([]int, 0, len(ids)+1)
	at := 0
	for _, id := range ids {
		offsets = append(offsets, min(at, len(text)))
		at += len(c.tok.Decode([]int{id}))
	}
	offsets = append(offsets, len(text))
	return offsets
}

// tokenAt returns the index of the token that covers byte pos.
func tokenAt(offsets []int, pos int) int {
	i := sort.SearchInts(offsets, pos)
	if i < len(offsets) && offsets[i] == pos {
		return i
	}
	return max(i-1, 0)
}

func snapBack(text string, i int) int {
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

var breaks = []string{"\n\n", "\n", ". ", "! ", "? "}

// preferBreak moves end back to the last natural break within the final
// quarter of the window [pos, end), never to or before lo.
func preferBreak(text string, pos, lo, end int) int {
	floor := max(pos+(end-pos)*3/4, lo)
	if floor >= end {
		return end
	}
	window := text[floor:end]
	for _, b := range breaks {
		if i := strings.LastIndex(window, b); i >= 0 {
			return floor + i + len(b)
		}
	}
	return end
}

// Reconstruct joins chunk texts without their overlap regions.
func Reconstruct(chunks []common.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text[min(c.Overlap, len(c.Text)):])
	}
	return b.String()
}
