package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// ErrCancelled is recorded on documents whose ingestion was stopped by an
// operator or by context cancellation.
var ErrCancelled = errors.New("ingestion cancelled")

// IngestRequest describes one document to ingest.
type IngestRequest struct {
	DocumentID string
	SourceURI  string
	Text       string
	Metadata   map[string]string
	// Force re-ingests a completed document from scratch. Its chunks and
	// provenance are removed first; shared entities stay.
	Force bool
}

// IngestDocument runs a single document through the pipeline.
func (g *GraphClient) IngestDocument(ctx context.Context, req IngestRequest) (common.Document, error) {
	docs, err := g.IngestDocuments(ctx, []IngestRequest{req})
	if len(docs) == 0 {
		return common.Document{}, err
	}
	return docs[0], err
}

// IngestDocuments runs the documents through chunking, extraction, assembly
// and embedding, ParallelFiles at a time. All documents share one entity
// resolver. A document that fails is recorded as failed and does not stop
// the others; a configuration error stops the whole run. The returned error
// joins the failures of all documents.
func (g *GraphClient) IngestDocuments(ctx context.Context, reqs []IngestRequest) ([]common.Document, error) {
	res := newBatchResolver()
	docs := make([]common.Document, len(reqs))

	var (
		mu   sync.Mutex
		errs []error
	)

	logger.Info("[Graph] Processing", "total_documents", len(reqs))

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallelFiles)
	for i, req := range reqs {
		eg.Go(func() error {
			doc, err := g.ingest(gCtx, res, req)
			docs[i] = doc
			if err == nil {
				return nil
			}
			if common.IsFatal(err) {
				return err
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return docs, err
	}

	logger.Info("[Graph] Documents processed", "total_documents", len(reqs), "failed", len(errs))
	return docs, errors.Join(errs...)
}

// ingest drives one document through the state machine, starting from where
// a previous attempt stopped.
func (g *GraphClient) ingest(ctx context.Context, res *batchResolver, req IngestRequest) (common.Document, error) {
	if req.DocumentID == "" {
		return common.Document{}, fmt.Errorf("%w: ingest request without document id", common.ErrConsistency)
	}
	started := time.Now()

	doc, err := g.storage.GetDocument(ctx, req.DocumentID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		doc = common.Document{
			ID:        req.DocumentID,
			SourceURI: req.SourceURI,
			Status:    common.StatusUploaded,
			Metadata:  req.Metadata,
		}
	case err != nil:
		return common.Document{}, fmt.Errorf("load document %s: %w", req.DocumentID, err)
	}
	if req.SourceURI != "" {
		doc.SourceURI = req.SourceURI
	}
	for k, v := range req.Metadata {
		if doc.Metadata == nil {
			doc.Metadata = map[string]string{}
		}
		doc.Metadata[k] = v
	}

	if doc.Status == common.StatusCompleted && !req.Force {
		logger.Info("[Graph] Document already completed, skipping", "document", doc.ID)
		return doc, nil
	}

	start := common.StatusChunking
	resumed := false
	switch {
	case req.Force:
		if err := g.storage.ClearDocument(ctx, doc.ID); err != nil {
			return doc, fmt.Errorf("reset document %s: %w", doc.ID, err)
		}
		doc = resetDocument(doc)
	case doc.Status == common.StatusFailed:
		if err := doc.Transition(common.StatusRetrying); err != nil {
			return doc, err
		}
		doc.RetryCount++
		start = doc.ResumeStage()
		resumed = true
	case doc.Status == common.StatusRetrying:
		start = doc.ResumeStage()
		resumed = true
	case doc.Status.IsStage():
		// A previous worker stopped mid-stage without recording a failure.
		start = doc.Status
		resumed = true
	}
	if doc.Cancelled {
		if err := g.storage.SetCancelled(ctx, doc.ID, false); err != nil && !errors.Is(err, common.ErrNotFound) {
			return doc, fmt.Errorf("clear cancel flag of %s: %w", doc.ID, err)
		}
		doc.Cancelled = false
	}

	logger.Info("[Graph] Ingesting document", "document", doc.ID, "from", start, "retry", doc.RetryCount)

	run := &documentRun{g: g, res: res, doc: doc, text: req.Text, resumed: resumed}
	err = run.from(ctx, start)
	run.doc.ProcessingTime += time.Since(started)

	saveCtx := context.WithoutCancel(ctx)
	if err != nil {
		run.fail(err)
		if serr := g.storage.SaveDocument(saveCtx, run.doc); serr != nil {
			logger.Error("[Graph] Failed to record document failure", "document", doc.ID, "err", serr)
		}
		g.metrics.Document(string(common.StatusFailed))
		logger.Error("[Graph] Document failed",
			"document", doc.ID,
			"stage", run.doc.FailedStage,
			"err", err,
		)
		return run.doc, fmt.Errorf("document %s failed at %s: %w", doc.ID, run.doc.FailedStage, err)
	}

	if err := g.storage.SaveDocument(saveCtx, run.doc); err != nil {
		return run.doc, fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	g.metrics.Document(string(run.doc.Status))
	logger.Info("[Graph] Document completed",
		"document", doc.ID,
		"chunks", run.doc.ChunkCount,
		"failed_chunks", run.doc.FailedChunks,
		"entities", run.doc.EntityCount,
		"relationships", run.doc.RelationshipCount,
		"duration", run.doc.ProcessingTime,
	)
	return run.doc, nil
}

func resetDocument(doc common.Document) common.Document {
	doc.Status = common.StatusUploaded
	doc.FailedStage = ""
	doc.LastError = ""
	doc.RetryCount = 0
	doc.Empty = false
	doc.ChunkIDs = nil
	doc.ChunkCount = 0
	doc.ProcessedChunks = 0
	doc.FailedChunks = 0
	doc.EntityCount = 0
	doc.RelationshipCount = 0
	doc.ProcessingTime = 0
	delete(doc.Metadata, "truncated")
	return doc
}

// documentRun is the state of one document while it moves through the
// stages.
type documentRun struct {
	g    *GraphClient
	res  *batchResolver
	doc  common.Document
	text string
	// resumed is set when an earlier attempt already worked on the document.
	resumed bool

	stage       common.DocumentStatus
	extracted   bool
	extractions []common.Extraction
	// assembled lists the chunks an earlier attempt already wrote.
	assembled []string
}

func (r *documentRun) from(ctx context.Context, start common.DocumentStatus) error {
	steps := []struct {
		stage common.DocumentStatus
		fn    func(context.Context) (done bool, err error)
	}{
		{common.StatusChunking, r.chunk},
		{common.StatusExtracting, r.extract},
		{common.StatusAssembling, r.assemble},
		{common.StatusEmbedding, r.embed},
	}

	begun := false
	for _, step := range steps {
		if step.stage == start {
			begun = true
		}
		if !begun {
			continue
		}
		if err := r.enter(ctx, step.stage); err != nil {
			return err
		}
		t := time.Now()
		done, err := step.fn(ctx)
		r.g.metrics.Stage(string(step.stage), time.Since(t))
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return r.doc.Transition(common.StatusCompleted)
}

func (r *documentRun) enter(ctx context.Context, stage common.DocumentStatus) error {
	r.stage = stage
	if err := r.doc.Transition(stage); err != nil {
		return err
	}
	return r.g.storage.SaveDocument(ctx, r.doc)
}

func (r *documentRun) fail(err error) {
	stage := r.stage
	if stage == "" {
		stage = common.StatusChunking
	}
	if errors.Is(err, ErrCancelled) {
		r.doc.Cancelled = true
	}
	r.doc.Fail(stage, err)
}

// checkCancelled stops the run between units when the context is done or an
// operator flagged the document as cancelled.
func (r *documentRun) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := r.g.storage.GetDocument(ctx, r.doc.ID)
	if err == nil && cur.Cancelled {
		return ErrCancelled
	}
	return nil
}

func (r *documentRun) chunk(ctx context.Context) (bool, error) {
	if r.text == "" {
		// Retried without the source text; reuse the stored chunks.
		stored, err := r.g.storage.GetChunks(ctx, r.doc.ID)
		if err != nil {
			return false, fmt.Errorf("load chunks: %w", err)
		}
		if len(stored) > 0 {
			r.recount(stored)
			return false, nil
		}
		if r.resumed {
			return false, fmt.Errorf("%w: document %s has no stored chunks and no text to chunk", common.ErrNotFound, r.doc.ID)
		}
	}

	chunks, truncated := r.g.chunker.Split(r.doc.ID, r.text)
	if truncated {
		logger.Warn("[Chunker] Document exceeds the chunk cap, truncating", "document", r.doc.ID, "chunks", len(chunks))
		if r.doc.Metadata == nil {
			r.doc.Metadata = map[string]string{}
		}
		r.doc.Metadata["truncated"] = strconv.FormatBool(true)
	}

	b := r.g.backoff
	b.MaxTries = r.g.storeRetries + 1
	err := util.RetryErrWithContext(ctx, b, func(ctx context.Context) error {
		return r.g.storage.SaveChunks(ctx, r.doc.ID, chunks)
	})
	if err != nil {
		return false, fmt.Errorf("save chunks: %w", err)
	}

	r.doc.ChunkIDs = make([]string, len(chunks))
	for i, c := range chunks {
		r.doc.ChunkIDs[i] = c.ID
	}
	r.doc.ChunkCount = len(chunks)
	r.doc.ProcessedChunks = 0
	r.doc.FailedChunks = 0

	if len(chunks) == 0 {
		logger.Info("[Chunker] Document is empty", "document", r.doc.ID)
		r.doc.Empty = true
		return true, nil
	}
	logger.Info("[Chunker] Document chunked", "document", r.doc.ID, "chunks", len(chunks))
	return false, nil
}

// extract runs the extractor over every chunk that is not yet assembled.
// Chunks whose output stays malformed, or whose provider calls keep failing
// transiently, are flagged and skipped.
func (r *documentRun) extract(ctx context.Context) (bool, error) {
	chunks, err := r.g.storage.GetChunks(ctx, r.doc.ID)
	if err != nil {
		return false, fmt.Errorf("load chunks: %w", err)
	}
	r.recount(chunks)

	var todo []common.Chunk
	r.assembled = r.assembled[:0]
	for _, c := range chunks {
		if c.Status == common.ChunkAssembled {
			r.assembled = append(r.assembled, c.ID)
			continue
		}
		todo = append(todo, c)
	}
	results := make([]*common.Extraction, len(todo))

	var mu sync.Mutex
	failed := 0

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.g.parallelAiRequests)
	for i, c := range todo {
		eg.Go(func() error {
			if err := r.checkCancelled(gCtx); err != nil {
				return err
			}
			ex, err := r.g.ExtractChunk(gCtx, c)
			if err != nil {
				if common.IsFatal(err) || gCtx.Err() != nil {
					return err
				}
				logger.Warn("[Extract] Chunk extraction failed", "document", r.doc.ID, "chunk", c.ID, "err", err)
				r.g.metrics.Chunk(string(common.ChunkExtractionFailed))
				mu.Lock()
				failed++
				mu.Unlock()
				return r.g.storage.SetChunkStatus(gCtx, c.ID, common.ChunkExtractionFailed, err.Error())
			}
			results[i] = &ex
			logger.Debug("[Extract] Chunk extracted",
				"document", r.doc.ID,
				"chunk", c.ID,
				"entities", len(ex.Entities),
				"relationships", len(ex.Relationships),
			)
			return r.g.storage.SetChunkStatus(gCtx, c.ID, common.ChunkExtracted, "")
		})
	}
	if err := eg.Wait(); err != nil {
		return false, err
	}

	r.extracted = true
	r.extractions = r.extractions[:0]
	for _, ex := range results {
		if ex != nil {
			r.extractions = append(r.extractions, *ex)
		}
	}
	r.doc.FailedChunks = failed

	logger.Info("[Extract] Document extracted", "document", r.doc.ID, "chunks", len(r.extractions), "failed", failed)
	return false, nil
}

// assemble writes the extractions in chunk order.
func (r *documentRun) assemble(ctx context.Context) (bool, error) {
	if !r.extracted {
		// Resumed at this stage; the extractions of the failed run are gone.
		if _, err := r.extract(ctx); err != nil {
			return false, err
		}
	}
	if len(r.assembled) > 0 {
		prior, err := r.g.storage.EntitiesForChunks(ctx, r.assembled)
		if err != nil {
			return false, fmt.Errorf("load assembled entities: %w", err)
		}
		r.res.seed(prior)
	}

	for _, ex := range r.extractions {
		if err := r.checkCancelled(ctx); err != nil {
			return false, err
		}

		frag, err := r.g.assembleChunk(ctx, r.res, r.doc.ID, ex)
		if err != nil {
			if common.IsFatal(err) || ctx.Err() != nil {
				return false, err
			}
			logger.Warn("[Assemble] Chunk assembly failed", "document", r.doc.ID, "chunk", ex.ChunkID, "err", err)
			r.g.metrics.Chunk(string(common.ChunkAssemblyFailed))
			r.doc.FailedChunks++
			if serr := r.g.storage.SetChunkStatus(ctx, ex.ChunkID, common.ChunkAssemblyFailed, err.Error()); serr != nil {
				return false, serr
			}
			continue
		}

		if err := r.g.storage.SetChunkStatus(ctx, ex.ChunkID, common.ChunkAssembled, ""); err != nil {
			return false, err
		}
		r.g.metrics.Chunk(string(common.ChunkAssembled))
		r.doc.ProcessedChunks++
		r.doc.EntityCount += len(frag.Entities)
		r.doc.RelationshipCount += len(frag.Relationships)
		if err := r.g.storage.SaveDocument(ctx, r.doc); err != nil {
			return false, err
		}
	}

	logger.Info("[Assemble] Document assembled",
		"document", r.doc.ID,
		"progress", r.doc.Progress(),
		"entities", r.doc.EntityCount,
		"relationships", r.doc.RelationshipCount,
	)
	return false, nil
}

func (r *documentRun) embed(ctx context.Context) (bool, error) {
	chunks, err := r.g.storage.GetChunks(ctx, r.doc.ID)
	if err != nil {
		return false, fmt.Errorf("load chunks: %w", err)
	}
	r.recount(chunks)
	if err := r.g.EmbedChunks(ctx, chunks); err != nil {
		return false, err
	}

	ents, err := r.g.storage.EntitiesForChunks(ctx, r.doc.ChunkIDs)
	if err != nil {
		return false, fmt.Errorf("load entities: %w", err)
	}
	if err := r.g.EmbedEntities(ctx, ents); err != nil {
		return false, err
	}
	return false, nil
}

// recount derives the chunk counters from stored chunk states.
func (r *documentRun) recount(chunks []common.Chunk) {
	r.doc.ChunkCount = len(chunks)
	r.doc.ChunkIDs = make([]string, len(chunks))
	r.doc.ProcessedChunks, r.doc.FailedChunks = 0, 0
	for i, c := range chunks {
		r.doc.ChunkIDs[i] = c.ID
		switch {
		case c.Status == common.ChunkAssembled:
			r.doc.ProcessedChunks++
		case c.Status.Failed():
			r.doc.FailedChunks++
		}
	}
}
