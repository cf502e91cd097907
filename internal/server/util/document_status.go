package util

import "github.com/OFFIS-RIT/catalyst/pkg/common"

// DocumentProcessingStatus collapses the pipeline states into what a client
// shows next to a document.
func DocumentProcessingStatus(doc common.Document) string {
	switch {
	case doc.ID == "":
		return "no_status"
	case doc.Cancelled && !doc.Status.IsTerminal():
		return "cancelled"
	}

	switch doc.Status {
	case common.StatusCompleted:
		if doc.Empty {
			return "empty"
		}
		return "processed"
	case common.StatusFailed:
		return "failed"
	default:
		return "processing"
	}
}
