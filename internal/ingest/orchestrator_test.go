package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkrv/docflow/internal/blob"
	"github.com/mkrv/docflow/internal/parser"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/storage"
	"github.com/mkrv/docflow/internal/task"
)

type fakeParser struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, filename string, data []byte) (*parser.Result, error)
}

func (f *fakeParser) Parse(ctx context.Context, filename string, data []byte, _ parser.Options) (*parser.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, filename, data)
}

func (f *fakeParser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func twoBlocks(context.Context, string, []byte) (*parser.Result, error) {
	return &parser.Result{
		Blocks: []parser.ContentBlock{
			{Kind: parser.BlockText, Text: "First paragraph."},
			{Kind: parser.BlockText, Text: "Second paragraph."},
		},
		Markdown: "First paragraph.\n\nSecond paragraph.",
	}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = []float32{float32(len(text)), 1, 0}
	}
	return vecs, nil
}

type env struct {
	orch    *Orchestrator
	store   *storage.Store
	tasks   *task.Registry
	vectors *retrieval.MemoryStore
}

func startPipeline(t *testing.T, p parser.Parser, cfg Config) *env {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	tasks := task.NewRegistry()
	vectors := retrieval.NewMemoryStore()

	if cfg.Retry.Attempts == 0 {
		cfg.Retry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch, err := NewOrchestrator(cfg, store, blobs, p, fakeEmbedder{}, vectors, tasks, logger)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Close()
		store.Close()
	})

	return &env{orch: orch, store: store, tasks: tasks, vectors: vectors}
}

func (e *env) upload(t *testing.T, name string, autoParse bool) (storage.Document, string) {
	t.Helper()
	content := strings.NewReader("first paragraph\n\nsecond paragraph\n")
	doc, taskID, err := e.orch.Submit(context.Background(), name, "text/plain", 34, content, autoParse)
	if err != nil {
		t.Fatalf("Submit(%s) failed: %v", name, err)
	}
	return doc, taskID
}

func waitForTask(t *testing.T, tasks *task.Registry, id string, want task.Status) task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := tasks.Get(id)
		if err == nil {
			if tk.Status == want {
				return tk
			}
			if tk.Status.Terminal() {
				t.Fatalf("task %s reached %q (error %+v), want %q", id, tk.Status, tk.Error, want)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %q", id, want)
	return task.Task{}
}

func waitForDocStatus(t *testing.T, store *storage.Store, id string, want storage.DocumentStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := store.GetDocument(id)
		if err == nil && doc.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	doc, err := store.GetDocument(id)
	t.Fatalf("document %s never reached %q (now %+v, err %v)", id, want, doc, err)
}

func TestSubmitRejectsUnsupportedExtension(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{})

	_, _, err := e.orch.Submit(context.Background(), "malware.exe", "", 10, strings.NewReader("x"), true)
	if !errors.Is(err, ErrInvalidFileType) {
		t.Fatalf("Submit(.exe) error = %v, want ErrInvalidFileType", err)
	}
	if n := e.tasks.Len(); n != 0 {
		t.Errorf("rejected upload created %d tasks", n)
	}
}

func TestSubmitRejectsOversizedFile(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{MaxFileSize: 16})

	_, _, err := e.orch.Submit(context.Background(), "big.txt", "", 17, strings.NewReader("x"), false)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("Submit error = %v, want ErrFileTooLarge", err)
	}
}

func TestUploadParseIndexFlow(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{Collection: "docs"})

	doc, parseTaskID := e.upload(t, "report.txt", true)
	if parseTaskID == "" {
		t.Fatal("auto-parse upload returned no task ID")
	}

	parsed := waitForTask(t, e.tasks, parseTaskID, task.StatusCompleted)
	var parseResult map[string]int
	if err := json.Unmarshal(parsed.Result, &parseResult); err != nil {
		t.Fatalf("decoding parse result %s: %v", parsed.Result, err)
	}
	if parseResult["content_block_count"] != 2 {
		t.Errorf("content_block_count = %d, want 2", parseResult["content_block_count"])
	}

	waitForDocStatus(t, e.store, doc.ID, storage.DocIndexed)

	chunks, err := e.store.GetChunks(doc.ID)
	if err != nil || len(chunks) != 2 {
		t.Fatalf("GetChunks = %v chunks, err %v, want 2", len(chunks), err)
	}
	count, err := e.vectors.CountByDocument(context.Background(), "docs", doc.ID)
	if err != nil || count != 2 {
		t.Errorf("indexed points = %d, err %v, want 2", count, err)
	}

	stored, err := e.store.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if stored.Collection != "docs" || stored.ContentBlockCount != 2 {
		t.Errorf("document after pipeline = %+v", stored)
	}
}

func TestTransientParserFailureIsRetried(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, &parser.StatusError{Status: 503, Body: "overloaded"}
		}
		return twoBlocks(ctx, filename, data)
	}
	e := startPipeline(t, p, Config{})

	doc, _ := e.upload(t, "flaky.txt", false)
	taskID, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}

	waitForTask(t, e.tasks, taskID, task.StatusCompleted)
	if n := p.callCount(); n != 3 {
		t.Errorf("parser called %d times, want 3 (two transient failures + success)", n)
	}
}

func TestPermanentParserFailureFailsFast(t *testing.T) {
	p := &fakeParser{fn: func(context.Context, string, []byte) (*parser.Result, error) {
		return nil, &parser.StatusError{Status: 422, Body: "corrupt file"}
	}}
	e := startPipeline(t, p, Config{})

	doc, _ := e.upload(t, "corrupt.pdf", false)
	taskID, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}

	failed := waitForTask(t, e.tasks, taskID, task.StatusFailed)
	if failed.Error == nil || failed.Error.Code != string(FailurePermanent) {
		t.Errorf("failure = %+v, want permanent", failed.Error)
	}
	if n := p.callCount(); n != 1 {
		t.Errorf("parser called %d times, want 1 (permanent failures are not retried)", n)
	}
	waitForDocStatus(t, e.store, doc.ID, storage.DocFailed)
}

func TestConcurrencyCapHoldsExtraJobsInQueue(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		started <- filename
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return twoBlocks(ctx, filename, data)
	}
	e := startPipeline(t, p, Config{MaxConcurrentFiles: 2})

	var taskIDs []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		doc, _ := e.upload(t, name, false)
		id, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
		if err != nil {
			t.Fatalf("EnqueueParse failed: %v", err)
		}
		taskIDs = append(taskIDs, id)
	}

	<-started
	<-started
	// Give a third stage a chance to (incorrectly) start.
	time.Sleep(50 * time.Millisecond)
	if len(started) != 0 {
		t.Fatalf("more than %d stages running at once", 2)
	}
	if n := e.orch.ActiveWorkers(); n != 2 {
		t.Errorf("ActiveWorkers = %d, want 2", n)
	}

	close(release)
	for _, id := range taskIDs {
		waitForTask(t, e.tasks, id, task.StatusCompleted)
	}
}

func TestDeleteCancelsInFlightStage(t *testing.T) {
	started := make(chan struct{}, 1)
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := startPipeline(t, p, Config{})

	doc, _ := e.upload(t, "doomed.txt", false)
	taskID, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}
	<-started

	if err := e.orch.Delete(context.Background(), doc.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := e.store.GetDocument(doc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDocument after delete = %v, want ErrNotFound", err)
	}
	if _, err := e.tasks.Get(taskID); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("task survived document delete: %v", err)
	}

	// The cancelled stage must unwind without resurrecting any state.
	deadline := time.Now().Add(2 * time.Second)
	for e.orch.ActiveWorkers() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := e.tasks.Len(); n != 0 {
		t.Errorf("tasks after cancelled stage = %d, want 0", n)
	}
}

func TestReindexKeepsPointCountStable(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{Collection: "docs"})

	doc, _ := e.upload(t, "stable.txt", true)
	waitForDocStatus(t, e.store, doc.ID, storage.DocIndexed)

	taskID, err := e.orch.EnqueueIndex(doc.ID, "", false)
	if err != nil {
		t.Fatalf("EnqueueIndex failed: %v", err)
	}
	waitForTask(t, e.tasks, taskID, task.StatusCompleted)

	count, err := e.vectors.CountByDocument(context.Background(), "docs", doc.ID)
	if err != nil {
		t.Fatalf("CountByDocument failed: %v", err)
	}
	if count != 2 {
		t.Errorf("points after re-index = %d, want 2 (same IDs must upsert)", count)
	}
}

func TestEnqueueParseUnknownDocument(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{})

	if _, err := e.orch.EnqueueParse("no-such-doc", parser.Options{}, false); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("EnqueueParse error = %v, want ErrNotFound", err)
	}
}

func TestMarkdownArtifactFollowsParse(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{Collection: "docs"})

	doc, _ := e.upload(t, "notes.txt", true)
	waitForDocStatus(t, e.store, doc.ID, storage.DocIndexed)

	rc, err := e.orch.Markdown(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Markdown failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "First paragraph.\n\nSecond paragraph." {
		t.Errorf("markdown = %q", data)
	}

	if err := e.orch.Delete(context.Background(), doc.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := e.orch.Markdown(context.Background(), doc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Markdown after delete = %v, want ErrNotFound", err)
	}
}

func TestMarkdownMissingBeforeParse(t *testing.T) {
	e := startPipeline(t, &fakeParser{fn: twoBlocks}, Config{Collection: "docs"})

	doc, _ := e.upload(t, "notes.txt", false)

	if _, err := e.orch.Markdown(context.Background(), doc.ID); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Markdown before parse = %v, want blob.ErrNotFound", err)
	}
}

func TestRunDispatchesEachJobWithItsOwnPayload(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		mu.Lock()
		seen[filename] = true
		mu.Unlock()
		return twoBlocks(ctx, filename, data)
	}
	e := startPipeline(t, p, Config{MaxConcurrentFiles: 1})

	names := []string{"one.txt", "two.txt", "three.txt"}
	var taskIDs []string
	for _, name := range names {
		doc, _ := e.upload(t, name, false)
		id, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
		if err != nil {
			t.Fatalf("EnqueueParse failed: %v", err)
		}
		taskIDs = append(taskIDs, id)
	}
	for _, id := range taskIDs {
		waitForTask(t, e.tasks, id, task.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range names {
		if !seen[name] {
			t.Errorf("dispatched jobs never parsed %s (got %v)", name, seen)
		}
	}
}

func TestDependencyTimeoutIsRetried(t *testing.T) {
	var mu sync.Mutex
	failures := 1
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, fmt.Errorf("parsing request: %w", context.DeadlineExceeded)
		}
		return twoBlocks(ctx, filename, data)
	}
	e := startPipeline(t, p, Config{})

	doc, _ := e.upload(t, "slow.txt", false)
	taskID, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}

	waitForTask(t, e.tasks, taskID, task.StatusCompleted)
	if n := p.callCount(); n != 2 {
		t.Errorf("parser called %d times, want 2 (timeout retried once)", n)
	}
	waitForDocStatus(t, e.store, doc.ID, storage.DocParsed)
}

func TestTimeoutExhaustionMarksDocumentFailed(t *testing.T) {
	p := &fakeParser{fn: func(context.Context, string, []byte) (*parser.Result, error) {
		return nil, fmt.Errorf("parsing request: %w", context.DeadlineExceeded)
	}}
	e := startPipeline(t, p, Config{})

	doc, _ := e.upload(t, "dead.txt", false)
	taskID, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}

	failed := waitForTask(t, e.tasks, taskID, task.StatusFailed)
	if failed.Error == nil || failed.Error.Code != string(FailureTransient) {
		t.Errorf("failure = %+v, want transient", failed.Error)
	}
	if n := p.callCount(); n != 3 {
		t.Errorf("parser called %d times, want 3 (timeouts exhaust the retry budget)", n)
	}
	waitForDocStatus(t, e.store, doc.ID, storage.DocFailed)
}

func TestRivalStageRequestLeavesRunnerUntouched(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return twoBlocks(ctx, filename, data)
	}
	e := startPipeline(t, p, Config{MaxConcurrentFiles: 2})

	doc, _ := e.upload(t, "busy.txt", false)
	first, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}
	<-started

	rival, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("second EnqueueParse failed: %v", err)
	}
	failed := waitForTask(t, e.tasks, rival, task.StatusFailed)
	if failed.Error == nil || !strings.Contains(failed.Error.Message, "conflict") {
		t.Errorf("rival failure = %+v, want a status conflict", failed.Error)
	}

	// The running stage still owns the document.
	d, err := e.store.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if d.Status != storage.DocParsing {
		t.Fatalf("document status = %q while the first parse is running, want %q", d.Status, storage.DocParsing)
	}

	close(release)
	waitForTask(t, e.tasks, first, task.StatusCompleted)
	waitForDocStatus(t, e.store, doc.ID, storage.DocParsed)
}

func TestDeleteStillCancelsAfterRivalStageFinishes(t *testing.T) {
	started := make(chan struct{}, 1)
	unblocked := make(chan struct{}, 1)
	p := &fakeParser{}
	p.fn = func(ctx context.Context, filename string, data []byte) (*parser.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		unblocked <- struct{}{}
		return nil, ctx.Err()
	}
	e := startPipeline(t, p, Config{MaxConcurrentFiles: 2})

	doc, _ := e.upload(t, "busy.txt", false)
	if _, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false); err != nil {
		t.Fatalf("EnqueueParse failed: %v", err)
	}
	<-started

	// A rival request fails on the status conflict and finishes before the
	// delete; its cleanup must not discard the running stage's cancel.
	rival, err := e.orch.EnqueueParse(doc.ID, parser.Options{}, false)
	if err != nil {
		t.Fatalf("second EnqueueParse failed: %v", err)
	}
	waitForTask(t, e.tasks, rival, task.StatusFailed)

	if err := e.orch.Delete(context.Background(), doc.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight stage was not cancelled by Delete")
	}
}
