package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/mkrv/docflow/internal/blob"
	"github.com/mkrv/docflow/internal/parser"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/storage"
	"github.com/mkrv/docflow/internal/task"
)

// allowedExtensions mirrors the formats the parsing backends accept.
var allowedExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true,
	".ppt": true, ".pptx": true, ".xls": true, ".xlsx": true,
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	".tiff": true, ".tif": true, ".gif": true, ".webp": true,
	".txt": true, ".md": true,
}

// markdownKey is the blob key of the rendered markdown artifact kept next
// to the original file.
func markdownKey(documentID string) string { return documentID + ".md" }

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the pipeline.
type Config struct {
	// MaxConcurrentFiles caps how many documents are processed at once.
	// Jobs beyond the cap wait in the admission queue. Defaults to 3.
	MaxConcurrentFiles int
	// MaxFileSize rejects uploads above this many bytes. Defaults to 100 MiB.
	MaxFileSize int64
	// Collection is the vector collection documents are indexed into.
	Collection string
	// VectorDimension sizes new collections. Zero means infer from the
	// first embedding.
	VectorDimension int
	// ParseOptions is forwarded to the parser on every parse stage.
	ParseOptions parser.Options
	// Retry governs transient-failure retries inside stages.
	Retry RetryPolicy
}

// Orchestrator owns the upload → parse → index pipeline. Stages run on a
// bounded worker pool fed by a FIFO queue, so admission is instant while at
// most MaxConcurrentFiles documents are in flight.
type Orchestrator struct {
	cfg     Config
	store   *storage.Store
	blobs   blob.Store
	parser  parser.Parser
	embed   Embedder
	vectors retrieval.VectorStore
	tasks   *task.Registry
	procs   map[parser.BlockKind]parser.ContentProcessor
	logger  *slog.Logger

	queue   *jobQueue
	pool    *ants.Pool
	cancels cancelSet
	wg      sync.WaitGroup
}

// cancelSet tracks the cancel funcs of in-flight stages. Keys carry both the
// document and the task, so Delete can cancel every stage touching one
// document while a finishing stage removes only its own entry.
type cancelSet struct {
	mu sync.Mutex
	m  map[string]map[string]context.CancelFunc
}

func (s *cancelSet) add(documentID, taskID string, fn context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]map[string]context.CancelFunc)
	}
	byTask := s.m[documentID]
	if byTask == nil {
		byTask = make(map[string]context.CancelFunc)
		s.m[documentID] = byTask
	}
	byTask[taskID] = fn
}

func (s *cancelSet) remove(documentID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask := s.m[documentID]
	delete(byTask, taskID)
	if len(byTask) == 0 {
		delete(s.m, documentID)
	}
}

func (s *cancelSet) cancelDocument(documentID string) {
	s.mu.Lock()
	fns := make([]context.CancelFunc, 0, len(s.m[documentID]))
	for _, fn := range s.m[documentID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// NewOrchestrator wires the pipeline. All collaborators are required.
func NewOrchestrator(
	cfg Config,
	store *storage.Store,
	blobs blob.Store,
	p parser.Parser,
	embed Embedder,
	vectors retrieval.VectorStore,
	tasks *task.Registry,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if cfg.MaxConcurrentFiles <= 0 {
		cfg.MaxConcurrentFiles = 3
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := ants.NewPool(cfg.MaxConcurrentFiles)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		parser:  p,
		embed:   embed,
		vectors: vectors,
		tasks:   tasks,
		procs:   parser.DefaultProcessors(),
		logger:  logger,
		queue:   newJobQueue(),
		pool:    pool,
	}, nil
}

// Submit validates an upload, stores its bytes and metadata, and — when
// autoParse is set — queues a parse stage chained into an index stage.
// Returns the document and the parse task ID (empty without autoParse).
func (o *Orchestrator) Submit(ctx context.Context, filename, contentType string, size int64, content io.Reader, autoParse bool) (storage.Document, string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return storage.Document{}, "", fmt.Errorf("%w: %q", ErrInvalidFileType, ext)
	}
	if size > o.cfg.MaxFileSize {
		return storage.Document{}, "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}

	id := uuid.New().String()
	key := id + ext
	if err := o.blobs.Put(ctx, key, content); err != nil {
		return storage.Document{}, "", fmt.Errorf("storing upload: %w", err)
	}

	now := time.Now().UTC()
	doc := storage.Document{
		ID:           id,
		OriginalName: filename,
		StorageKey:   key,
		SizeBytes:    size,
		ContentType:  contentType,
		Status:       storage.DocUploaded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.SaveDocument(doc); err != nil {
		if derr := o.blobs.Delete(ctx, key); derr != nil {
			o.logger.Error("cleaning up orphaned upload", "key", key, "error", derr)
		}
		return storage.Document{}, "", fmt.Errorf("saving document: %w", err)
	}
	o.logger.Info("document uploaded",
		"document_id", id, "name", filename, "size_bytes", size, "auto_parse", autoParse)

	if !autoParse {
		return doc, "", nil
	}
	taskID, err := o.EnqueueParse(id, parser.Options{}, true)
	if err != nil {
		return doc, "", err
	}
	return doc, taskID, nil
}

// EnqueueParse queues a parse stage for an existing document and returns the
// tracking task ID. A zero opts uses the configured parse defaults;
// chainIndex queues an index stage once parsing succeeds.
func (o *Orchestrator) EnqueueParse(documentID string, opts parser.Options, chainIndex bool) (string, error) {
	if _, err := o.store.GetDocument(documentID); err != nil {
		return "", err
	}
	return o.enqueue(job{
		documentID: documentID,
		kind:       task.KindParse,
		opts:       opts,
		chainIndex: chainIndex,
	})
}

// EnqueueIndex queues an index stage for an existing document. An empty
// collection uses the configured default; overwrite drops the document's
// previous points before upserting.
func (o *Orchestrator) EnqueueIndex(documentID, collection string, overwrite bool) (string, error) {
	if _, err := o.store.GetDocument(documentID); err != nil {
		return "", err
	}
	return o.enqueue(job{
		documentID: documentID,
		kind:       task.KindIndex,
		collection: collection,
		overwrite:  overwrite,
	})
}

func (o *Orchestrator) enqueue(j job) (string, error) {
	j.taskID = o.tasks.Create(j.kind, j.documentID)
	if !o.queue.Push(j) {
		o.tasks.Delete(j.taskID)
		return "", ErrShuttingDown
	}
	return j.taskID, nil
}

// Run dispatches queued jobs onto the worker pool until ctx is cancelled.
// Pool submission blocks when all workers are busy, which is what keeps
// admission FIFO under the concurrency cap. Call from a dedicated goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		o.queue.Close()
	}()

	for {
		j, ok := o.queue.Pop()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			o.tasks.Delete(j.taskID)
			continue
		}

		o.wg.Add(1)
		if err := o.pool.Submit(func() {
			defer o.wg.Done()
			o.runJob(ctx, j)
		}); err != nil {
			o.wg.Done()
			o.logger.Error("dispatching job", "task_id", j.taskID, "error", err)
			o.tasks.Delete(j.taskID)
		}
	}
}

// Delete removes a document everywhere: it cancels any in-flight stage,
// drops the document's vectors, chunks, metadata, stored bytes and tasks.
func (o *Orchestrator) Delete(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(documentID)
	if err != nil {
		return err
	}

	o.cancels.cancelDocument(documentID)

	if doc.Collection != "" {
		if err := o.vectors.DeleteByDocument(ctx, doc.Collection, documentID); err != nil {
			o.logger.Error("deleting vectors", "document_id", documentID, "error", err)
		}
	}
	if err := o.store.DeleteDocument(documentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := o.blobs.Delete(ctx, doc.StorageKey); err != nil {
		o.logger.Error("deleting stored file", "document_id", documentID, "error", err)
	}
	if err := o.blobs.Delete(ctx, markdownKey(documentID)); err != nil {
		o.logger.Error("deleting markdown artifact", "document_id", documentID, "error", err)
	}
	o.tasks.DeleteByDocument(documentID)

	o.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// Markdown streams the rendered markdown artifact of a parsed document.
// Returns storage.ErrNotFound for an unknown document and blob.ErrNotFound
// when the document exists but has not been parsed yet.
func (o *Orchestrator) Markdown(ctx context.Context, documentID string) (io.ReadCloser, error) {
	if _, err := o.store.GetDocument(documentID); err != nil {
		return nil, err
	}
	return o.blobs.Get(ctx, markdownKey(documentID))
}

// QueueDepth returns how many jobs are waiting for a worker.
func (o *Orchestrator) QueueDepth() int { return o.queue.Depth() }

// ActiveWorkers returns how many stages are currently executing.
func (o *Orchestrator) ActiveWorkers() int { return o.pool.Running() }

// Close stops admission, waits for in-flight stages, and releases the pool.
func (o *Orchestrator) Close() {
	o.queue.Close()
	o.wg.Wait()
	o.pool.Release()
}
