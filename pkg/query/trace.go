package query

import (
	"sort"
	"sync"
)

type TraceEventKind string

const (
	// TraceEventRetrieved lists everything the retriever returned.
	TraceEventRetrieved TraceEventKind = "retrieved"
	// TraceEventUsed lists what fit into the token budget.
	TraceEventUsed  TraceEventKind = "used"
	TraceEventCited TraceEventKind = "cited"
)

type TraceEvent struct {
	Kind  TraceEventKind
	Mode  Mode
	Items []Citation
}

// Tracer is a sink for query tracing events.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fans trace events out to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func record(t Tracer, kind TraceEventKind, mode Mode, items []Citation) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: kind, Mode: mode, Items: items})
}

// QueryTrace collects what a query run retrieved, used and cited. It is
// safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	retrieved map[Citation]struct{}
	used      map[Citation]struct{}
	cited     map[Citation]struct{}
}

type QueryTraceSnapshot struct {
	Retrieved []Citation `json:"retrieved"`
	Used      []Citation `json:"used"`
	Cited     []Citation `json:"cited"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		retrieved: make(map[Citation]struct{}),
		used:      make(map[Citation]struct{}),
		cited:     make(map[Citation]struct{}),
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var set map[Citation]struct{}
	switch event.Kind {
	case TraceEventRetrieved:
		set = t.retrieved
	case TraceEventUsed:
		set = t.used
	case TraceEventCited:
		set = t.cited
	default:
		return
	}
	for _, c := range event.Items {
		if c.ID == "" {
			continue
		}
		set[c] = struct{}{}
	}
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		Retrieved: sortedCitations(t.retrieved),
		Used:      sortedCitations(t.used),
		Cited:     sortedCitations(t.cited),
	}
}

func sortedCitations(set map[Citation]struct{}) []Citation {
	out := make([]Citation, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
