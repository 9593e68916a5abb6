// Package queue tracks download tasks from enqueue to terminal state:
// priority-ordered dispatch, identity-hash deduplication, per-task
// cancellation and the status board the UI reads.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/metadata"
)

var log = logging.GetLogger("queue")

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusResolving   Status = "resolving"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// ErrDuplicate is returned by Add when an equivalent task is already
// tracked and not yet cleared.
var ErrDuplicate = errors.New("task already queued")

// Task is one queued download. ID is unique per enqueue; Hash identifies
// the book so the same book cannot be queued twice concurrently.
type Task struct {
	ID       string
	Hash     string
	Book     *metadata.Book
	Priority int
	AddedAt  time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// Cancelled returns a channel closed when the task is cancelled.
func (t *Task) Cancelled() <-chan struct{} { return t.cancelCh }

// IsCancelled reports whether cancellation was requested.
func (t *Task) IsCancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Task) cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// View is a read-only snapshot of a task's current state.
type View struct {
	ID       string
	Book     *metadata.Book
	Priority int
	AddedAt  time.Time
	Status   Status
	Message  string
	Progress float64
	Path     string
}

type taskState struct {
	mu       sync.Mutex
	task     *Task
	status   Status
	message  string
	progress float64
	path     string
}

func (ts *taskState) view() View {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return View{
		ID:       ts.task.ID,
		Book:     ts.task.Book,
		Priority: ts.task.Priority,
		AddedAt:  ts.task.AddedAt,
		Status:   ts.status,
		Message:  ts.message,
		Progress: ts.progress,
		Path:     ts.path,
	}
}

// Queue is the process-wide task queue. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	byHash  map[string]string // identity hash -> task ID, for dedup

	states *xsync.Map[string, *taskState]
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		byHash: map[string]string{},
		states: xsync.NewMap[string, *taskState](),
	}
}

// Add enqueues a download for book. Lower priority values dispatch first;
// equal priorities dispatch in arrival order.
func (q *Queue) Add(book *metadata.Book, priority int) (*Task, error) {
	hash := book.IdentityHash()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.byHash[hash]; dup {
		return nil, ErrDuplicate
	}

	t := &Task{
		ID:       uuid.NewString(),
		Hash:     hash,
		Book:     book,
		Priority: priority,
		AddedAt:  time.Now(),
		cancelCh: make(chan struct{}),
	}
	q.byHash[hash] = t.ID
	q.pending = append(q.pending, t)
	q.sortPendingLocked()
	q.states.Store(t.ID, &taskState{task: t, status: StatusQueued})

	log.Info().Str("task", t.ID).Str("title", book.Title).Int("priority", priority).Msg("task queued")
	return t, nil
}

// Next pops the highest-priority pending task, or nil when the queue is
// drained. The task keeps its tracked state; only dispatch order is
// consumed.
func (q *Queue) Next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]
		if t.IsCancelled() {
			continue
		}
		return t
	}
	return nil
}

// Cancel requests cancellation of a task. Pending tasks move straight to
// the cancelled state; running tasks are signalled and the runner records
// the terminal state when they unwind.
func (q *Queue) Cancel(id string) bool {
	ts, ok := q.states.Load(id)
	if !ok {
		return false
	}
	ts.task.cancel()

	q.mu.Lock()
	wasPending := false
	for i, t := range q.pending {
		if t.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			wasPending = true
			break
		}
	}
	q.mu.Unlock()

	if wasPending {
		q.SetStatus(id, StatusCancelled, "Cancelled")
	}
	log.Info().Str("task", id).Msg("cancellation requested")
	return true
}

// SetStatus updates a task's lifecycle state and user-facing message. An
// empty message clears the previous one.
func (q *Queue) SetStatus(id string, status Status, message string) {
	if ts, ok := q.states.Load(id); ok {
		ts.mu.Lock()
		ts.status = status
		ts.message = message
		ts.mu.Unlock()
	}
}

// SetProgress updates download progress (0-100).
func (q *Queue) SetProgress(id string, percent float64) {
	if ts, ok := q.states.Load(id); ok {
		ts.mu.Lock()
		ts.progress = percent
		ts.mu.Unlock()
	}
}

// SetPath records the staged file location for a finished task.
func (q *Queue) SetPath(id, path string) {
	if ts, ok := q.states.Load(id); ok {
		ts.mu.Lock()
		ts.path = path
		ts.mu.Unlock()
	}
}

// Get returns a snapshot of one task.
func (q *Queue) Get(id string) (View, bool) {
	ts, ok := q.states.Load(id)
	if !ok {
		return View{}, false
	}
	return ts.view(), true
}

// SetPriority reorders a still-pending task. Returns false when the task
// is unknown or already dispatched.
func (q *Queue) SetPriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		if t.ID == id {
			t.Priority = priority
			q.sortPendingLocked()
			return true
		}
	}
	return false
}

// Board returns every tracked task grouped by status.
func (q *Queue) Board() map[Status][]View {
	out := map[Status][]View{}
	q.states.Range(func(_ string, ts *taskState) bool {
		v := ts.view()
		out[v.Status] = append(out[v.Status], v)
		return true
	})
	for _, views := range out {
		sort.Slice(views, func(i, j int) bool { return views[i].AddedAt.Before(views[j].AddedAt) })
	}
	return out
}

// ClearCompleted drops terminal tasks from tracking, freeing their
// identity hashes so the same book can be queued again.
func (q *Queue) ClearCompleted() int {
	cleared := 0
	q.states.Range(func(id string, ts *taskState) bool {
		ts.mu.Lock()
		terminal := ts.status.Terminal()
		hash := ts.task.Hash
		ts.mu.Unlock()
		if !terminal {
			return true
		}
		q.states.Delete(id)
		q.mu.Lock()
		if q.byHash[hash] == id {
			delete(q.byHash, hash)
		}
		q.mu.Unlock()
		cleared++
		return true
	})
	return cleared
}

func (q *Queue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority < q.pending[j].Priority
		}
		return q.pending[i].AddedAt.Before(q.pending[j].AddedAt)
	})
}
