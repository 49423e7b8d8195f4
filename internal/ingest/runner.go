package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mkrv/docflow/internal/parser"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/storage"
	"github.com/mkrv/docflow/internal/task"
)

// runJob executes one stage under a per-document context, so a concurrent
// Delete can cancel the stage mid-flight.
func (o *Orchestrator) runJob(ctx context.Context, j job) {
	docCtx, cancel := context.WithCancel(ctx)
	o.cancels.add(j.documentID, j.taskID, cancel)
	defer func() {
		cancel()
		o.cancels.remove(j.documentID, j.taskID)
	}()

	var err error
	switch j.kind {
	case task.KindParse:
		err = o.runParse(docCtx, j)
	case task.KindIndex:
		err = o.runIndex(docCtx, j)
	default:
		err = fmt.Errorf("unknown job kind %q", j.kind)
	}
	if err != nil {
		o.finishFailed(docCtx, j, err)
	}
}

func (o *Orchestrator) runParse(ctx context.Context, j job) error {
	if err := o.store.TransitionDocument(j.documentID,
		[]storage.DocumentStatus{storage.DocUploaded, storage.DocParsed, storage.DocIndexed, storage.DocFailed},
		storage.DocParsing); err != nil {
		return err
	}
	if err := o.tasks.Transition(j.taskID, task.Update{Status: task.StatusRunning, Progress: intp(5)}); err != nil {
		return err
	}

	doc, err := o.store.GetDocument(j.documentID)
	if err != nil {
		return err
	}
	rc, err := o.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("opening stored file: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading stored file: %w", err)
	}
	o.progress(j.taskID, 20)

	opts := j.opts
	if opts == (parser.Options{}) {
		opts = o.cfg.ParseOptions
	}
	var result *parser.Result
	err = o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var perr error
		result, perr = o.parser.Parse(ctx, doc.OriginalName, data, opts)
		return perr
	})
	if err != nil {
		return fmt.Errorf("parsing %s: %w", doc.OriginalName, err)
	}
	o.progress(j.taskID, 70)

	rendered := parser.RenderBlocks(result.Blocks, o.procs)
	chunks := make([]storage.Chunk, len(rendered))
	for i, b := range rendered {
		chunks[i] = storage.Chunk{
			DocumentID: j.documentID,
			Index:      i,
			Kind:       string(b.Kind),
			Text:       b.Text,
		}
	}
	if err := o.store.ReplaceChunks(j.documentID, chunks); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}
	if err := o.store.SetParseOutput(j.documentID, len(rendered), len(result.Markdown)); err != nil {
		return err
	}
	if result.Markdown != "" {
		if err := o.blobs.Put(ctx, markdownKey(j.documentID), strings.NewReader(result.Markdown)); err != nil {
			return fmt.Errorf("storing markdown artifact: %w", err)
		}
	}

	out, _ := json.Marshal(map[string]int{
		"content_block_count": len(rendered),
		"markdown_length":     len(result.Markdown),
	})
	if err := o.tasks.Transition(j.taskID, task.Update{Status: task.StatusCompleted, Result: out}); err != nil {
		return err
	}
	o.logger.Info("document parsed",
		"document_id", j.documentID, "blocks", len(rendered), "markdown_length", len(result.Markdown))

	if j.chainIndex {
		if _, err := o.EnqueueIndex(j.documentID, "", true); err != nil && !errors.Is(err, ErrShuttingDown) {
			o.logger.Error("queueing index stage", "document_id", j.documentID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) runIndex(ctx context.Context, j job) error {
	if err := o.store.TransitionDocument(j.documentID,
		[]storage.DocumentStatus{storage.DocParsed, storage.DocIndexed, storage.DocFailed},
		storage.DocIndexing); err != nil {
		return err
	}
	if err := o.tasks.Transition(j.taskID, task.Update{Status: task.StatusRunning, Progress: intp(5)}); err != nil {
		return err
	}

	chunks, err := o.store.GetChunks(j.documentID)
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}
	if len(chunks) == 0 {
		return errNoParsedContent
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	var vecs [][]float32
	err = o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var eerr error
		vecs, eerr = o.embed.EmbedBatch(ctx, texts)
		return eerr
	})
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(texts), err)
	}
	o.progress(j.taskID, 60)

	collection := j.collection
	if collection == "" {
		collection = o.cfg.Collection
	}
	dimension := o.cfg.VectorDimension
	if dimension == 0 {
		dimension = len(vecs[0])
	}
	err = o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return o.vectors.EnsureCollection(ctx, collection, dimension)
	})
	if err != nil {
		return fmt.Errorf("ensuring collection: %w", err)
	}

	if j.overwrite {
		err = o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			return o.vectors.DeleteByDocument(ctx, collection, j.documentID)
		})
		if err != nil {
			return fmt.Errorf("clearing previous points: %w", err)
		}
	}

	points := make([]retrieval.Point, len(chunks))
	for i, c := range chunks {
		points[i] = retrieval.Point{
			ID:         retrieval.PointID(c.DocumentID, c.Index),
			DocumentID: c.DocumentID,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Vector:     vecs[i],
		}
	}
	err = o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return o.vectors.Upsert(ctx, collection, points)
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	o.progress(j.taskID, 90)

	if err := o.store.SetDocumentCollection(j.documentID, collection); err != nil {
		return err
	}
	if err := o.store.TransitionDocument(j.documentID,
		[]storage.DocumentStatus{storage.DocIndexing}, storage.DocIndexed); err != nil {
		return err
	}

	out, _ := json.Marshal(map[string]int{"indexed_chunks": len(points)})
	if err := o.tasks.Transition(j.taskID, task.Update{Status: task.StatusCompleted, Result: out}); err != nil {
		return err
	}
	o.logger.Info("document indexed", "document_id", j.documentID, "chunks", len(points))
	return nil
}

// finishFailed records a stage failure on the task and, for real failures,
// on the document. A vanished document or task means a delete raced the
// stage; the job is dropped quietly.
func (o *Orchestrator) finishFailed(ctx context.Context, j job, err error) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, task.ErrNotFound) {
		o.logger.Debug("dropping job for removed document",
			"task_id", j.taskID, "document_id", j.documentID)
		return
	}

	kind := Classify(err)
	// Only the stage context decides whether this was a cancellation; a
	// dependency error that raced a delete or shutdown counts as one too.
	if ctx.Err() != nil {
		kind = FailureCanceled
	}
	o.logger.Error("pipeline stage failed",
		"task_id", j.taskID, "document_id", j.documentID,
		"stage", string(j.kind), "failure", string(kind), "error", err)

	terr := o.tasks.Transition(j.taskID, task.Update{
		Status: task.StatusFailed,
		Error:  &task.Failure{Code: string(kind), Message: err.Error()},
	})
	if terr != nil && !errors.Is(terr, task.ErrNotFound) {
		o.logger.Error("recording task failure", "task_id", j.taskID, "error", terr)
	}

	if kind == FailureCanceled {
		return
	}
	// A status conflict means another runner owns the document right now;
	// only the owning stage may move it to failed.
	if errors.Is(err, storage.ErrConflict) {
		return
	}
	if merr := o.store.MarkDocumentFailed(j.documentID, err.Error()); merr != nil && !errors.Is(merr, storage.ErrNotFound) {
		o.logger.Error("marking document failed", "document_id", j.documentID, "error", merr)
	}
}

func (o *Orchestrator) progress(taskID string, pct int) {
	if err := o.tasks.Transition(taskID, task.Update{Progress: &pct}); err != nil &&
		!errors.Is(err, task.ErrNotFound) {
		o.logger.Debug("updating task progress", "task_id", taskID, "error", err)
	}
}

func intp(v int) *int { return &v }
