package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns all task records. Each record carries its own mutex so
// concurrent updates to different tasks never contend; the registry-level
// lock only guards the map itself. All reads return copies, never live
// references into registry state.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  *slog.Logger
}

type record struct {
	mu   sync.Mutex
	task Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*record),
		logger:  slog.Default(),
	}
}

// Create allocates a new task in Pending state and returns its ID.
// documentID may be empty for tasks not bound to a document.
func (r *Registry) Create(kind Kind, documentID string) string {
	now := time.Now().UTC()
	t := Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		DocumentID: documentID,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.records[t.ID] = &record{task: t}
	r.mu.Unlock()

	return t.ID
}

// Update describes a single atomic task transition. Zero-value fields are
// left unchanged; Progress is a pointer so 0 can be set explicitly.
type Update struct {
	Status   Status
	Progress *int
	Result   json.RawMessage
	Error    *Failure
}

// Transition applies upd to the task atomically. It returns ErrNotFound for
// unknown IDs and ErrInvalidTransition when the update would move a terminal
// task, skip backwards in the state machine, or decrease progress.
func (r *Registry) Transition(id string, upd Update) error {
	rec := r.lookup(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := &rec.task
	if cur.Status.Terminal() {
		return ErrInvalidTransition
	}
	if upd.Status != "" && !validNext(cur.Status, upd.Status) {
		return ErrInvalidTransition
	}
	if upd.Progress != nil && *upd.Progress < cur.Progress {
		return ErrInvalidTransition
	}

	if upd.Status != "" {
		cur.Status = upd.Status
	}
	if upd.Progress != nil {
		cur.Progress = *upd.Progress
	}
	if upd.Result != nil {
		cur.Result = upd.Result
	}
	if upd.Error != nil {
		cur.Error = upd.Error
	}
	if cur.Status == StatusCompleted {
		cur.Progress = 100
		cur.Error = nil
	}
	if cur.Status == StatusFailed {
		cur.Result = nil
	}
	cur.UpdatedAt = time.Now().UTC()

	return nil
}

func validNext(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed
	case StatusRunning:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Get returns a snapshot of the task, or ErrNotFound.
func (r *Registry) Get(id string) (Task, error) {
	rec := r.lookup(id)
	if rec == nil {
		return Task{}, ErrNotFound
	}

	rec.mu.Lock()
	t := cloneTask(rec.task)
	rec.mu.Unlock()
	return t, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind       Kind
	Status     Status
	DocumentID string
}

// List returns a point-in-time snapshot of tasks matching f, newest first.
func (r *Registry) List(f Filter) []Task {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var out []Task
	for _, rec := range recs {
		rec.mu.Lock()
		t := cloneTask(rec.task)
		rec.mu.Unlock()

		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.DocumentID != "" && t.DocumentID != f.DocumentID {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes a task record regardless of status. Used by document
// deletion cascades; subsequent Get returns ErrNotFound.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// DeleteByDocument removes every task associated with the given document.
func (r *Registry) DeleteByDocument(documentID string) {
	r.mu.Lock()
	for id, rec := range r.records {
		rec.mu.Lock()
		match := rec.task.DocumentID == documentID
		rec.mu.Unlock()
		if match {
			delete(r.records, id)
		}
	}
	r.mu.Unlock()
}

// Purge removes terminal tasks whose last update is older than retention.
// Safe to run concurrently with all other registry operations.
func (r *Registry) Purge(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.records {
		rec.mu.Lock()
		expired := rec.task.Status.Terminal() && rec.task.UpdatedAt.Before(cutoff)
		rec.mu.Unlock()
		if expired {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

// RunPurgeLoop sweeps expired terminal tasks every interval until ctx is
// cancelled.
func (r *Registry) RunPurgeLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Purge(retention); n > 0 {
				r.logger.Debug("purged expired tasks", "count", n)
			}
		}
	}
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	rec := r.records[id]
	r.mu.RUnlock()
	return rec
}

func cloneTask(t Task) Task {
	if t.Result != nil {
		t.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	return t
}

