package util

import (
	"fmt"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// BatchStepProgress reports "n/total" per pipeline state for a set of documents.
type BatchStepProgress struct {
	Uploaded   string `json:"uploaded,omitempty"`
	Chunking   string `json:"chunking,omitempty"`
	Extracting string `json:"extracting,omitempty"`
	Assembling string `json:"assembling,omitempty"`
	Embedding  string `json:"embedding,omitempty"`
	Retrying   string `json:"retrying,omitempty"`
	Completed  string `json:"completed,omitempty"`
	Failed     string `json:"failed,omitempty"`
}

type BatchProgress struct {
	Step       *BatchStepProgress `json:"step,omitempty"`
	Percentage int32              `json:"percentage"`
	Total      int                `json:"total"`
}

// BuildBatchProgress aggregates document states into one progress value.
// The percentage is the mean of the per-document progress.
func BuildBatchProgress(docs []common.Document) BatchProgress {
	total := len(docs)
	if total == 0 {
		return BatchProgress{}
	}

	counts := make(map[common.DocumentStatus]int, 8)
	sum := 0
	for i := range docs {
		counts[docs[i].Status]++
		sum += docs[i].Progress()
	}

	format := func(status common.DocumentStatus) string {
		n := counts[status]
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("%d/%d", n, total)
	}

	step := BatchStepProgress{
		Uploaded:   format(common.StatusUploaded),
		Chunking:   format(common.StatusChunking),
		Extracting: format(common.StatusExtracting),
		Assembling: format(common.StatusAssembling),
		Embedding:  format(common.StatusEmbedding),
		Retrying:   format(common.StatusRetrying),
		Completed:  format(common.StatusCompleted),
		Failed:     format(common.StatusFailed),
	}

	return BatchProgress{
		Step:       &step,
		Percentage: int32(sum / total),
		Total:      total,
	}
}
