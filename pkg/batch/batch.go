// Package batch implements the batch job engine (§4.4): a bounded-
// concurrency worker group per task kind, operating over an explicit set of
// target tokens, with progress broadcast to any number of SSE subscribers
// and cooperative mid-run cancellation.
//
// Grounded on the teacher's pkg/proxy/admin.go benchmark machinery
// (runBenchmark/finishBenchmark: a mutex-guarded run struct with a
// context.CancelFunc wired to the cancel API, progress fields updated as
// items complete) and its broadcastAdminEvent (bounded per-subscriber
// channel, drop-oldest-then-retry-newest coalescing under backpressure).
// The per-item worker loop itself is grounded on original_source's
// run_in_batches (app/services/grok/utils/batch.py): a semaphore-bounded
// gather over a flat token list, one failure isolated from the rest, each
// result recorded independently of the others; bounded concurrency is
// implemented with golang.org/x/sync/errgroup's SetLimit, matching
// pkg/pool's refresh scheduler.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TaskKind names one of the four batch operations original_source exposes
// as admin-triggered bulk jobs.
type TaskKind string

const (
	KindRefreshUsage       TaskKind = "refresh_usage"
	KindEnableContentMode  TaskKind = "enable_content_mode"
	KindListRemoteAssets   TaskKind = "list_remote_assets"
	KindPurgeRemoteAssets  TaskKind = "purge_remote_assets"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// ItemResult is the outcome recorded for one target token.
type ItemResult struct {
	OK        bool           `json:"ok"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// Event is one message on a task's SSE stream (§4.4 stream contract:
// snapshot on subscribe, then progress as items complete, then a terminal
// done/cancelled/error).
type Event struct {
	Type      string                `json:"type"`
	TaskID    string                `json:"task_id"`
	Kind      TaskKind              `json:"kind"`
	Status    Status                `json:"status"`
	Total     int                   `json:"total"`
	Completed int                   `json:"completed"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Results   map[string]ItemResult `json:"results,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Worker performs one task kind's per-token operation. Returning a non-nil
// error marks that item failed without aborting the rest of the batch,
// matching run_in_batches' per-item isolation.
type Worker func(ctx context.Context, tokenID string) (map[string]any, error)

// WorkerFactory resolves the Worker for a given TaskKind. Supplied by the
// caller (pkg/gateway's wiring) so this package stays decoupled from
// pkg/upstream and pkg/pool.
type WorkerFactory func(kind TaskKind) (Worker, error)

// Concurrency resolves the per-kind bounded-concurrency limit (§4.4,
// config.BatchConfig's four *_concurrent fields).
type Concurrency func(kind TaskKind) int

// Engine owns the set of in-flight and recently-completed batch tasks. All
// state is in-memory only: a process restart loses every task, acceptable
// because each task kind is idempotent at the item level (§4.4 "in-memory
// durability").
type Engine struct {
	workers     WorkerFactory
	concurrency Concurrency
	progressN   int
	progressInt time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

// New builds an Engine. progressEveryN and progressInterval implement the
// "emit progress on every N completions or the interval, whichever comes
// first" rule (§4.4).
func New(workers WorkerFactory, concurrency Concurrency, progressEveryN int, progressInterval time.Duration) *Engine {
	if progressEveryN <= 0 {
		progressEveryN = 10
	}
	if progressInterval <= 0 {
		progressInterval = 250 * time.Millisecond
	}
	return &Engine{
		workers:     workers,
		concurrency: concurrency,
		progressN:   progressEveryN,
		progressInt: progressInterval,
		tasks:       make(map[string]*task),
	}
}

type task struct {
	id       string
	kind     TaskKind
	tokens   []string
	cancel   context.CancelFunc
	worker   Worker
	maxConc  int

	mu        sync.Mutex
	status    Status
	completed int
	succeeded int
	failed    int
	results   map[string]ItemResult
	errMsg    string

	subMu sync.Mutex
	subs  map[int]chan Event
	nextSub int
}

// Submit starts a new task running the given kind's worker over
// targetTokens with bounded concurrency, returning its id immediately; the
// work runs in background goroutines.
func (e *Engine) Submit(ctx context.Context, kind TaskKind, targetTokens []string) (string, error) {
	if len(targetTokens) == 0 {
		return "", fmt.Errorf("batch: submit %s: no target tokens", kind)
	}
	worker, err := e.workers(kind)
	if err != nil {
		return "", err
	}
	conc := 10
	if e.concurrency != nil {
		if v := e.concurrency(kind); v > 0 {
			conc = v
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:      "batch-" + uuid.NewString(),
		kind:    kind,
		tokens:  append([]string(nil), targetTokens...),
		cancel:  cancel,
		worker:  worker,
		maxConc: conc,
		status:  StatusRunning,
		results: make(map[string]ItemResult, len(targetTokens)),
		subs:    make(map[int]chan Event),
	}

	e.mu.Lock()
	e.tasks[t.id] = t
	e.mu.Unlock()

	go e.run(runCtx, t)
	return t.id, nil
}

// Cancel sets the task's cancellation flag. Items already in flight finish
// (or observe ctx.Done() themselves); any item not yet started is recorded
// as cancelled rather than run (§4.4 "running items finish, results
// recorded as cancelled").
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("batch: unknown task %s", taskID)
	}
	t.cancel()
	return nil
}

// Stream subscribes to a task's event feed, immediately replaying a
// snapshot of its current state followed by live progress/terminal events.
// The returned channel is closed once the task reaches a terminal state and
// this subscriber has received the terminal event, or when ctx is done. A
// subscriber arriving after the task finished receives only the snapshot
// (whose Status is already terminal), and the channel is then closed.
func (e *Engine) Stream(ctx context.Context, taskID string) (<-chan Event, error) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("batch: unknown task %s", taskID)
	}

	ch := make(chan Event, 8)
	t.subMu.Lock()
	snap := t.snapshot("snapshot")
	ch <- snap
	if snap.Status != StatusRunning {
		t.subMu.Unlock()
		close(ch)
		return ch, nil
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subMu.Unlock()

	go func() {
		<-ctx.Done()
		t.unsubscribe(id)
	}()
	return ch, nil
}

func (t *task) subscribe(ch chan Event) int {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	return id
}

func (t *task) unsubscribe(id int) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// broadcast fans ev out to every live subscriber, coalescing under
// backpressure by dropping the oldest queued event and retrying with the
// newest one, grounded on pkg/proxy/admin.go's broadcastAdminEvent.
func (t *task) broadcast(ev Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (t *task) snapshot(eventType string) Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	results := make(map[string]ItemResult, len(t.results))
	for k, v := range t.results {
		results[k] = v
	}
	return Event{
		Type:      eventType,
		TaskID:    t.id,
		Kind:      t.kind,
		Status:    t.status,
		Total:     len(t.tokens),
		Completed: t.completed,
		Succeeded: t.succeeded,
		Failed:    t.failed,
		Results:   results,
		Error:     t.errMsg,
	}
}

func (e *Engine) run(ctx context.Context, t *task) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.maxConc)

	lastEmit := time.Now()
	var emitMu sync.Mutex

	maybeEmitProgress := func(force bool) {
		emitMu.Lock()
		defer emitMu.Unlock()
		t.mu.Lock()
		due := force || t.completed%e.progressN == 0 || time.Since(lastEmit) >= e.progressInt
		t.mu.Unlock()
		if !due {
			return
		}
		lastEmit = time.Now()
		t.broadcast(t.snapshot("progress"))
	}

	ticker := time.NewTicker(e.progressInt)
	defer ticker.Stop()
	tickerDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				maybeEmitProgress(false)
			}
		}
	}()

	for _, tokenID := range t.tokens {
		select {
		case <-ctx.Done():
			t.recordCancelled(tokenID)
			continue
		default:
		}

		tokenID := tokenID
		g.Go(func() error {
			select {
			case <-ctx.Done():
				t.recordCancelled(tokenID)
				maybeEmitProgress(false)
				return nil
			default:
			}

			data, err := t.worker(gctx, tokenID)
			t.recordResult(tokenID, data, err)
			maybeEmitProgress(false)
			return nil
		})
	}
	_ = g.Wait()
	close(tickerDone)

	t.mu.Lock()
	if t.status == StatusRunning {
		if ctx.Err() != nil {
			t.status = StatusCancelled
		} else {
			t.status = StatusDone
		}
	}
	final := t.status
	t.mu.Unlock()

	eventType := "done"
	if final == StatusCancelled {
		eventType = "cancelled"
	}
	t.broadcast(t.snapshot(eventType))
	t.closeAllSubs()
}

func (t *task) closeAllSubs() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

func (t *task) recordResult(tokenID string, data map[string]any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.results[tokenID] = ItemResult{OK: false, Error: err.Error()}
		t.failed++
	} else {
		t.results[tokenID] = ItemResult{OK: true, Data: data}
		t.succeeded++
	}
	t.completed++
}

func (t *task) recordCancelled(tokenID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.results[tokenID]; exists {
		return
	}
	t.results[tokenID] = ItemResult{OK: false, Cancelled: true, Error: "cancelled"}
	t.completed++
}
