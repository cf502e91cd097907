package query

import (
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

// ItemKind is the kind of record an Item carries into the answer context.
type ItemKind string

const (
	ItemChunk        ItemKind = "chunk"
	ItemEntity       ItemKind = "entity"
	ItemRelationship ItemKind = "relationship"
	ItemCommunity    ItemKind = "community"
)

// Citation marker letters.
const (
	markerChunk     = "c"
	markerEntity    = "e"
	markerCommunity = "m"
)

// Citation points at a record used to answer a query.
type Citation struct {
	Kind ItemKind `json:"kind"`
	ID   string   `json:"id"`
}

func (c Citation) marker() string {
	switch c.Kind {
	case ItemChunk:
		return "[[" + markerChunk + ":" + c.ID + "]]"
	case ItemEntity:
		return "[[" + markerEntity + ":" + c.ID + "]]"
	case ItemCommunity:
		return "[[" + markerCommunity + ":" + c.ID + "]]"
	}
	return ""
}

func citationFromMarker(c util.Citation) (Citation, bool) {
	switch c.Kind {
	case markerChunk:
		return Citation{Kind: ItemChunk, ID: c.ID}, true
	case markerEntity:
		return Citation{Kind: ItemEntity, ID: c.ID}, true
	case markerCommunity:
		return Citation{Kind: ItemCommunity, ID: c.ID}, true
	}
	return Citation{}, false
}

// Item is one piece of retrieved context. Refs are the citations a model
// may use for it; a relationship is cited through its two endpoints.
type Item struct {
	Kind  ItemKind
	ID    string
	Text  string
	Score float64
	Refs  []Citation
}

func (it Item) render() string {
	var b strings.Builder
	for i, ref := range it.Refs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(ref.marker())
	}
	b.WriteByte(' ')
	b.WriteString(it.Text)
	return b.String()
}

func chunkItem(c common.Chunk, score float64) Item {
	return Item{
		Kind:  ItemChunk,
		ID:    c.ID,
		Text:  strings.TrimSpace(c.Text),
		Score: score,
		Refs:  []Citation{{Kind: ItemChunk, ID: c.ID}},
	}
}

func entityItem(e common.Entity, score float64) Item {
	text := fmt.Sprintf("%s (%s)", e.Name, e.Type)
	if len(e.Aliases) > 0 {
		text += " also known as " + strings.Join(e.Aliases, ", ")
	}
	if desc := strings.ReplaceAll(e.Description, "\n", "; "); desc != "" {
		text += ": " + desc
	}
	return Item{
		Kind:  ItemEntity,
		ID:    e.ID,
		Text:  text,
		Score: score,
		Refs:  []Citation{{Kind: ItemEntity, ID: e.ID}},
	}
}

func relationshipItem(r common.Relationship, names map[string]string, score float64) Item {
	text := fmt.Sprintf("%s -[%s]-> %s", nameOr(names, r.SourceID), r.Type, nameOr(names, r.TargetID))
	if desc := strings.ReplaceAll(r.Description, "\n", "; "); desc != "" {
		text += ": " + desc
	}
	return Item{
		Kind:  ItemRelationship,
		ID:    r.ID,
		Text:  text,
		Score: score,
		Refs:  []Citation{{Kind: ItemEntity, ID: r.SourceID}, {Kind: ItemEntity, ID: r.TargetID}},
	}
}

func communityItem(c common.Community, score float64) Item {
	return Item{
		Kind:  ItemCommunity,
		ID:    c.ID,
		Text:  "## " + c.Title + "\n" + strings.TrimSpace(c.Summary),
		Score: score,
		Refs:  []Citation{{Kind: ItemCommunity, ID: c.ID}},
	}
}

func nameOr(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

// dedupeItems drops repeated (kind, id) pairs, keeping the first.
func dedupeItems(items []Item) []Item {
	type key struct {
		kind ItemKind
		id   string
	}
	seen := make(map[key]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		k := key{it.Kind, it.ID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// fitBudget keeps items in order while their rendered text fits into budget
// tokens. An item that does not fit is skipped so a smaller, less relevant
// one can still use the remaining room. A budget of zero or less keeps all.
func fitBudget(tok tokens.Tokenizer, items []Item, budget int) ([]Item, []string) {
	var (
		kept []Item
		text []string
		used int
	)
	for _, it := range items {
		line := it.render()
		n := tokens.Count(tok, line) + 1
		if budget > 0 && used+n > budget {
			continue
		}
		used += n
		kept = append(kept, it)
		text = append(text, line)
	}
	return kept, text
}
