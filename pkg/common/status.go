package common

import (
	"fmt"
	"slices"
)

// DocumentStatus is a state of the ingestion state machine.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusChunking   DocumentStatus = "chunking"
	StatusExtracting DocumentStatus = "extracting"
	StatusAssembling DocumentStatus = "assembling"
	StatusEmbedding  DocumentStatus = "embedding"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
	StatusRetrying   DocumentStatus = "retrying"
)

// Stages lists the working states in pipeline order.
var Stages = []DocumentStatus{
	StatusChunking,
	StatusExtracting,
	StatusAssembling,
	StatusEmbedding,
}

var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:   {StatusChunking, StatusFailed},
	StatusChunking:   {StatusExtracting, StatusCompleted, StatusFailed},
	StatusExtracting: {StatusAssembling, StatusFailed},
	StatusAssembling: {StatusEmbedding, StatusFailed},
	StatusEmbedding:  {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRetrying},
	StatusRetrying:   {StatusChunking, StatusExtracting, StatusAssembling, StatusEmbedding, StatusFailed},
	StatusCompleted:  {},
}

// IsTerminal reports whether no further automatic transition is possible.
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// IsStage reports whether s is one of the working pipeline stages.
func (s DocumentStatus) IsStage() bool {
	return slices.Contains(Stages, s)
}

// IsValid reports whether s is a known status.
func (s DocumentStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed. Staying
// in the same state is always allowed so progress updates can be repeated.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	if s == next {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// Transition validates a status change and applies it to the document.
func (d *Document) Transition(next DocumentStatus) error {
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("%w: document %s cannot move from %s to %s", ErrConsistency, d.ID, d.Status, next)
	}
	d.Status = next
	return nil
}

// Fail moves the document into the failed state, recording the stage that
// was running and the error that stopped it.
func (d *Document) Fail(stage DocumentStatus, err error) {
	d.Status = StatusFailed
	d.FailedStage = stage
	if err != nil {
		d.LastError = err.Error()
	}
}

// ResumeStage returns the stage a retry should start from.
func (d *Document) ResumeStage() DocumentStatus {
	if d.FailedStage.IsStage() {
		return d.FailedStage
	}
	return StatusChunking
}

// Progress returns a rough completion percentage derived from the stage
// and chunk counters.
func (d *Document) Progress() int {
	switch d.Status {
	case StatusCompleted:
		return 100
	case StatusUploaded:
		return 0
	}

	stage := d.Status
	if d.Status == StatusFailed || d.Status == StatusRetrying {
		stage = d.FailedStage
	}
	idx := slices.Index(Stages, stage)
	if idx < 0 {
		return 0
	}

	per := 100 / len(Stages)
	pct := idx * per
	if d.ChunkCount > 0 && (stage == StatusExtracting || stage == StatusAssembling) {
		done := min(d.ProcessedChunks+d.FailedChunks, d.ChunkCount)
		pct += done * per / d.ChunkCount
	}
	return min(pct, 99)
}
