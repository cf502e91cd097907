package queue

import (
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// IngestMsg asks for one document to be ingested from a source reference.
// DocumentID may be empty, the source then derives it from Ref.
type IngestMsg struct {
	DocumentID string `json:"document_id,omitempty"`
	Ref        string `json:"ref"`
	Force      bool   `json:"force,omitempty"`
}

type DeleteMsg struct {
	DocumentID string `json:"document_id"`
	Cascade    bool   `json:"cascade"`
	// Ref, when set, is removed from the document store as well.
	Ref string `json:"ref,omitempty"`
}

// MaintenanceMsg triggers a graph-wide job: duplicate resolution, a
// community rebuild, or a rebuild of one vector kind.
type MaintenanceMsg struct {
	Reason string           `json:"reason,omitempty"`
	Kind   store.VectorKind `json:"kind,omitempty"`
}

// DocumentEvent is published on the events exchange after every ingestion
// attempt.
type DocumentEvent struct {
	DocumentID string                `json:"document_id"`
	Status     common.DocumentStatus `json:"status"`
	Stage      common.DocumentStatus `json:"stage,omitempty"`
	Error      string                `json:"error,omitempty"`
	Progress   int                   `json:"progress"`
}
