package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"deaddrop/pkg/protocol"
)

// Handler runs one unit. The returned value is JSON-encoded into the unit's
// result; a non-nil error marks the unit FAILURE with the error text.
type Handler func(ctx context.Context, unit Unit) (any, error)

// Scheduler hands units off for asynchronous execution.
type Scheduler interface {
	Schedule(ctx context.Context, name string, args any, creator *int64) (string, error)
}

// EventLogger journals lifecycle events. *store.Store satisfies it.
type EventLogger interface {
	LogEvent(ctx context.Context, evType, source, taskID, endpointID, payload string) error
}

// Config holds Queue configuration.
type Config struct {
	Workers      int           // Concurrent units (default 4).
	PollInterval time.Duration // Fallback poll when no wake-up arrives (default 2s).
	Logger       *slog.Logger  // Default discards.
	Events       EventLogger   // Optional lifecycle journal.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers == 0 {
		out.Workers = 4
	}
	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// UnknownTaskError reports scheduling a name with no registered handler.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("no handler registered for task %q", e.Name)
}

// Queue schedules units into the task_results table and runs them with
// registered handlers. Execution is at-least-once: a unit left RUNNING by a
// crash is requeued when Run starts.
type Queue struct {
	cfg   Config
	store *Store

	mu       sync.RWMutex
	handlers map[string]Handler

	wake chan struct{}

	newID func() string
}

// NewQueue returns a Queue over store. Register handlers before Run.
func NewQueue(cfg Config, store *Store) *Queue {
	return &Queue{
		cfg:      cfg.withDefaults(),
		store:    store,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		newID:    func() string { return uuid.New().String() },
	}
}

// Store returns the queue's result store.
func (q *Queue) Store() *Store {
	return q.store
}

// Register binds a handler to a task name, replacing any earlier one.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Schedule records a PENDING unit and returns its id without waiting for it
// to run.
func (q *Queue) Schedule(ctx context.Context, name string, args any, creator *int64) (string, error) {
	if _, ok := q.handler(name); !ok {
		return "", &UnknownTaskError{Name: name}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s args: %w", name, err)
	}
	id := q.newID()
	if err := q.store.Create(ctx, id, name, raw, creator); err != nil {
		return "", err
	}
	q.logEvent(ctx, protocol.EventTaskScheduled, id, name)
	q.cfg.Logger.Debug("task scheduled", "task_id", id, "task", name)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Run requeues interrupted units and processes units with cfg.Workers
// goroutines until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ids, err := q.store.Requeue(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		q.cfg.Logger.Warn("requeued interrupted task", "task_id", id)
		q.logEvent(ctx, protocol.EventTaskRequeued, id, "")
	}

	var wg sync.WaitGroup
	for range q.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workLoop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) workLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ran, err := q.runOne(ctx)
		if err != nil && ctx.Err() == nil {
			q.cfg.Logger.Error("claim task", "error", err)
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// Drain runs pending units on the calling goroutine until none remain,
// including units scheduled by the units it runs. It returns the number of
// units run.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := q.runOne(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

func (q *Queue) runOne(ctx context.Context) (bool, error) {
	u, ok, err := q.store.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	q.execute(ctx, u)
	return true, nil
}

// failure is the result payload of a FAILURE unit.
type failure struct {
	Error string `json:"error"`
	Type  string `json:"error_type,omitempty"`
}

func (q *Queue) execute(ctx context.Context, u Unit) {
	log := q.cfg.Logger.With("task_id", u.ID, "task", u.Name, "attempt", u.Attempts)
	q.logEvent(ctx, protocol.EventTaskStarted, u.ID, u.Name)
	log.Debug("task started")

	value, err := q.invoke(ctx, u)

	status := StatusSuccess
	var result json.RawMessage
	if err == nil {
		result, err = json.Marshal(value)
		if err != nil {
			err = fmt.Errorf("encode result: %w", err)
		}
	}
	if err != nil {
		status = StatusFailure
		result, _ = json.Marshal(failure{Error: err.Error(), Type: errorType(err)})
		log.Warn("task failed", "error", err)
		q.logEvent(ctx, protocol.EventTaskFailed, u.ID, err.Error())
	} else {
		log.Debug("task succeeded")
		q.logEvent(ctx, protocol.EventTaskSucceeded, u.ID, u.Name)
	}

	if cerr := q.store.Complete(ctx, u.ID, status, result); cerr != nil {
		log.Error("record task result", "error", cerr)
	}
}

func (q *Queue) invoke(ctx context.Context, u Unit) (value any, err error) {
	h, ok := q.handler(u.Name)
	if !ok {
		return nil, &UnknownTaskError{Name: u.Name}
	}
	defer func() {
		if r := recover(); r != nil {
			q.cfg.Logger.Error("task panicked", "task_id", u.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, u)
}

func (q *Queue) logEvent(ctx context.Context, evType, taskID, payload string) {
	if q.cfg.Events == nil {
		return
	}
	if err := q.cfg.Events.LogEvent(ctx, evType, "queue", taskID, "", payload); err != nil {
		q.cfg.Logger.Warn("journal task event", "type", evType, "task_id", taskID, "error", err)
	}
}

// errorType names the innermost error type. A joined error is followed
// through its first member.
func errorType(err error) string {
	for {
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 && errs[0] != nil {
				err = errs[0]
				continue
			}
		case interface{ Unwrap() error }:
			if next := e.Unwrap(); next != nil {
				err = next
				continue
			}
		}
		return fmt.Sprintf("%T", err)
	}
}
