package community

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

type report struct {
	Title   string `json:"title" jsonschema_description:"Short title naming the main subject of the community"`
	Summary string `json:"summary" jsonschema_description:"Summary of the entities, key facts and relationships of the community"`
}

func (r report) text() string {
	return "## " + r.Title + "\n" + r.Summary
}

func entityLine(e common.Entity) string {
	line := fmt.Sprintf("- %s (%s)", e.Name, e.Type)
	if desc := strings.ReplaceAll(e.Description, "\n", "; "); desc != "" {
		line += ": " + desc
	}
	return line
}

func relationshipLine(r common.Relationship, byID map[string]common.Entity) string {
	line := fmt.Sprintf("- %s -[%s]-> %s", byID[r.SourceID].Name, r.Type, byID[r.TargetID].Name)
	if desc := strings.ReplaceAll(r.Description, "\n", "; "); desc != "" {
		line += ": " + desc
	}
	return line
}

// summarizeEntities reports on a level-0 community. A lone entity without
// relationships is described by its own record instead of a model call.
func (d *Detector) summarizeEntities(
	ctx context.Context,
	members []common.Entity,
	rels []common.Relationship,
	byID map[string]common.Entity,
) (report, error) {
	sort.SliceStable(members, func(i, j int) bool {
		if len(members[i].ChunkIDs) != len(members[j].ChunkIDs) {
			return len(members[i].ChunkIDs) > len(members[j].ChunkIDs)
		}
		return members[i].ID < members[j].ID
	})
	rels = append([]common.Relationship(nil), rels...)
	sort.SliceStable(rels, func(i, j int) bool {
		if rels[i].Weight() != rels[j].Weight() {
			return rels[i].Weight() > rels[j].Weight()
		}
		return rels[i].ID < rels[j].ID
	})

	if len(members) == 1 && len(rels) == 0 {
		return extractive(members), nil
	}

	entLines := make([]string, len(members))
	for i, e := range members {
		entLines[i] = d.clip(entityLine(e))
	}
	relLines := make([]string, len(rels))
	for i, r := range rels {
		relLines[i] = d.clip(relationshipLine(r, byID))
	}

	lines := append(entLines, relLines...)
	var parts []report
	for _, span := range d.pack(lines) {
		var ents, links []string
		for i := span[0]; i < span[1]; i++ {
			if i < len(entLines) {
				ents = append(ents, lines[i])
			} else {
				links = append(links, lines[i])
			}
		}
		prompt := fmt.Sprintf(ai.CommunityPrompt, strings.Join(ents, "\n"), strings.Join(links, "\n"))
		rep, err := d.generate(ctx, prompt)
		if err != nil {
			if isFatal(ctx, err) {
				return report{}, err
			}
			logger.Warn("[Community] Summary failed, using extractive report", "entities", len(members), "err", err)
			return extractive(members), nil
		}
		parts = append(parts, rep)
	}
	return d.merge(ctx, parts)
}

// merge combines reports into one. Inputs above the token budget are merged
// in sub-batches first, level by level, until one report remains.
func (d *Detector) merge(ctx context.Context, reports []report) (report, error) {
	for len(reports) > 1 {
		lines := make([]string, len(reports))
		for i, r := range reports {
			lines[i] = d.clip(r.text())
		}

		var next []report
		for _, span := range d.pack(lines) {
			group := reports[span[0]:span[1]]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			rep, err := d.generate(ctx, fmt.Sprintf(ai.CommunityMergePrompt, strings.Join(lines[span[0]:span[1]], "\n\n")))
			if err != nil {
				if isFatal(ctx, err) {
					return report{}, err
				}
				logger.Warn("[Community] Merging reports failed, concatenating", "reports", len(group), "err", err)
				rep = d.concat(group)
			}
			next = append(next, rep)
		}
		if len(next) == len(reports) {
			return d.concat(next), nil
		}
		reports = next
	}
	if len(reports) == 0 {
		return report{}, nil
	}
	return reports[0], nil
}

func (d *Detector) generate(ctx context.Context, prompt string) (report, error) {
	t := time.Now()
	rep, err := util.RetryWithContext(ctx, d.backoff, func(ctx context.Context) (report, error) {
		var rep report
		err := d.aiClient.GenerateCompletionWithFormat(
			ctx,
			"community_report",
			"Title and summary of a community of entities in a knowledge graph.",
			prompt,
			&rep,
		)
		return rep, err
	})
	d.metrics.LLMCall("community", err, time.Since(t))
	if err != nil {
		return report{}, err
	}
	rep.Title = common.NormalizeValue(rep.Title)
	rep.Summary = strings.TrimSpace(rep.Summary)
	if rep.Summary == "" {
		return report{}, ai.Malformed("community_report", errors.New("empty summary"))
	}
	return rep, nil
}

// pack splits lines into consecutive [start, end) spans whose joined text
// stays within the summary budget. Lines are clipped to half the budget, so
// every span except possibly the last holds at least two lines.
func (d *Detector) pack(lines []string) [][2]int {
	var out [][2]int
	start, used := 0, 0
	for i, line := range lines {
		n := tokens.Count(d.tok, line) + 1
		if i > start && used+n > d.summaryTokens {
			out = append(out, [2]int{start, i})
			start, used = i, 0
		}
		used += n
	}
	if start < len(lines) {
		out = append(out, [2]int{start, len(lines)})
	}
	return out
}

func (d *Detector) clip(line string) string {
	return tokens.Truncate(d.tok, line, max(1, d.summaryTokens/2-1))
}

func (d *Detector) concat(reports []report) report {
	titles := make([]string, 0, len(reports))
	summaries := make([]string, 0, len(reports))
	for _, r := range reports {
		titles = append(titles, r.Title)
		summaries = append(summaries, r.Summary)
	}
	return report{
		Title:   strings.Join(common.MergeStrings(nil, titles...), ", "),
		Summary: tokens.Truncate(d.tok, strings.Join(summaries, "\n\n"), d.summaryTokens),
	}
}

// extractive builds a report from the entity records alone.
func extractive(members []common.Entity) report {
	names := make([]string, 0, 3)
	var lines []string
	for i, e := range members {
		if i < 3 {
			names = append(names, e.Name)
		}
		lines = append(lines, entityLine(e))
	}
	return report{
		Title:   strings.Join(names, ", "),
		Summary: strings.Join(lines, "\n"),
	}
}
