package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/storage"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/community"
	"github.com/OFFIS-RIT/catalyst/pkg/graph"
	"github.com/OFFIS-RIT/catalyst/pkg/leaselock"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// EventPublisher receives the outcome of every ingestion attempt.
type EventPublisher interface {
	PublishEvent(ctx context.Context, doc common.Document) error
}

// Handler runs the jobs delivered on the job queues.
type Handler struct {
	graph    *graph.GraphClient
	detector *community.Detector
	source   storage.DocumentSource
	locker   leaselock.Locker
	events   EventPublisher
	scope    string
	lease    leaselock.Options
}

// NewHandlerParams configures a Handler. Events is optional. Scope names
// the graph in lease keys so that workers of different deployments sharing
// a database do not block each other.
type NewHandlerParams struct {
	Graph       *graph.GraphClient
	Communities *community.Detector
	Source      storage.DocumentSource
	Locker      leaselock.Locker
	Events      EventPublisher
	Scope       string
	LockTTL     time.Duration
}

func NewHandler(params NewHandlerParams) (*Handler, error) {
	if params.Graph == nil || params.Communities == nil || params.Source == nil || params.Locker == nil {
		return nil, fmt.Errorf("%w: queue handler needs a graph client, detector, source and locker", common.ErrConfiguration)
	}
	scope := params.Scope
	if scope == "" {
		scope = "default"
	}
	return &Handler{
		graph:    params.Graph,
		detector: params.Communities,
		source:   params.Source,
		locker:   params.Locker,
		events:   params.Events,
		scope:    scope,
		lease:    leaselock.Options{TTL: params.LockTTL},
	}, nil
}

// Handle runs one job. A nil error acks the message; otherwise the error
// class decides between the retry queue and the dead-letter queue.
func (h *Handler) Handle(ctx context.Context, queueName string, body []byte) error {
	switch queueName {
	case IngestQueue, ReingestQueue:
		var msg IngestMsg
		if err := decode(body, &msg); err != nil {
			return err
		}
		msg.Force = msg.Force || queueName == ReingestQueue
		return h.ingest(ctx, msg)
	case DeleteQueue:
		var msg DeleteMsg
		if err := decode(body, &msg); err != nil {
			return err
		}
		return h.delete(ctx, msg)
	case DedupeQueue:
		return h.dedupe(ctx)
	case CommunityQueue:
		return h.communities(ctx)
	case ReembedQueue:
		var msg MaintenanceMsg
		if err := decode(body, &msg); err != nil {
			return err
		}
		return h.reembed(ctx, msg.Kind)
	default:
		return fmt.Errorf("%w: unknown queue %s", common.ErrConfiguration, queueName)
	}
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid job message: %w", common.ErrConfiguration, err)
	}
	return nil
}

func (h *Handler) ingest(ctx context.Context, msg IngestMsg) error {
	if msg.Ref == "" {
		return fmt.Errorf("%w: ingest job without source reference", common.ErrConfiguration)
	}

	src, err := h.source.Fetch(ctx, msg.Ref)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", msg.Ref, err)
	}
	id := msg.DocumentID
	if id == "" {
		id = src.ID
	}

	logger.Info("[Queue] Ingesting document", "document", id, "ref", msg.Ref, "force", msg.Force)

	doc, err := h.graph.IngestDocument(ctx, graph.IngestRequest{
		DocumentID: id,
		SourceURI:  src.SourceURI,
		Text:       src.Text,
		Metadata:   src.Metadata,
		Force:      msg.Force,
	})
	if doc.ID != "" && h.events != nil {
		if perr := h.events.PublishEvent(context.WithoutCancel(ctx), doc); perr != nil {
			logger.Warn("[Queue] Failed to publish document event", "document", doc.ID, "err", perr)
		}
	}
	if errors.Is(err, graph.ErrCancelled) {
		logger.Info("[Queue] Ingestion cancelled", "document", id)
		return nil
	}
	return err
}

func (h *Handler) delete(ctx context.Context, msg DeleteMsg) error {
	if msg.DocumentID == "" {
		return fmt.Errorf("%w: delete job without document id", common.ErrConfiguration)
	}
	if err := h.graph.DeleteDocument(ctx, msg.DocumentID, msg.Cascade); err != nil {
		return err
	}
	if msg.Ref == "" {
		return nil
	}
	files, ok := h.source.(storage.FileStore)
	if !ok {
		return nil
	}
	if err := files.Delete(ctx, msg.Ref); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("delete source %s: %w", msg.Ref, err)
	}
	return nil
}

func (h *Handler) dedupe(ctx context.Context) error {
	return h.locker.WithLease(ctx, leaselock.DedupeKey(h.scope), h.lease, func(ctx context.Context) error {
		res, err := h.graph.ResolveDuplicates(ctx)
		if err != nil {
			return err
		}
		logger.Info("[Queue] Duplicate resolution finished",
			"iterations", res.Iterations,
			"merged", res.Merged,
			"conflicts", res.Conflicts,
		)
		return nil
	})
}

func (h *Handler) communities(ctx context.Context) error {
	return h.locker.WithLease(ctx, leaselock.CommunityKey(h.scope), h.lease, func(ctx context.Context) error {
		res, err := h.detector.Rebuild(ctx)
		if err != nil {
			return err
		}
		logger.Info("[Queue] Communities rebuilt",
			"run", res.RunID,
			"levels", res.Levels,
			"communities", res.Communities,
			"duration", res.Duration,
		)
		return nil
	})
}

// reembed rebuilds one vector kind, or all of them when kind is empty.
func (h *Handler) reembed(ctx context.Context, kind store.VectorKind) error {
	kinds := []store.VectorKind{store.KindChunk, store.KindEntity, store.KindCommunity}
	if kind != "" {
		if !kind.IsValid() {
			return fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
		}
		kinds = []store.VectorKind{kind}
	}
	for _, k := range kinds {
		if err := h.graph.RebuildIndex(ctx, k); err != nil {
			return fmt.Errorf("rebuild %s vectors: %w", k, err)
		}
	}
	return nil
}
