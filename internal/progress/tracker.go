// Package progress tracks long-running install and pull operations:
// one active operation per id, cancellation that settles to false, and
// fire-and-forget progress events for UI subscribers.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelstack/internal/logging"
)

// AlreadyInProgressError rejects a second Track call for an id whose
// operation is still active. Callers should join or back off.
type AlreadyInProgressError struct {
	OperationID string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("operation %q already in progress", e.OperationID)
}

// Event is a progress notification for one operation.
type Event struct {
	Service  string  `json:"service"`
	Model    string  `json:"model"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
}

// CompleteEvent is the terminal notification for one operation.
type CompleteEvent struct {
	Service string `json:"service"`
	Model   string `json:"model"`
	Success bool   `json:"success"`
}

// Listener receives operation events. Either callback may be nil.
type Listener struct {
	OnProgress func(Event)
	OnComplete func(CompleteEvent)
}

// ReportFunc lets an operation publish its progress.
type ReportFunc func(stage string, percent float64)

// Operation is the tracked work. It must honor ctx cancellation.
type Operation func(ctx context.Context, report ReportFunc) error

type activeOp struct {
	cancel    context.CancelFunc
	startedAt time.Time
	cancelled bool
}

// Tracker enforces one active operation per id and fans progress out to
// subscribers. Events are fire and forget: a slow or absent UI never
// blocks or fails an operation.
type Tracker struct {
	logger *logging.Logger

	mu        sync.Mutex
	active    map[string]*activeOp
	listeners map[string]Listener
}

// NewTracker creates an empty tracker.
func NewTracker(logger *logging.Logger) *Tracker {
	return &Tracker{
		logger:    logger,
		active:    make(map[string]*activeOp),
		listeners: make(map[string]Listener),
	}
}

// Subscribe registers a listener and returns its handle.
func (t *Tracker) Subscribe(l Listener) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle := uuid.NewString()
	t.listeners[handle] = l
	return handle
}

// Unsubscribe removes a listener. Unknown handles are ignored.
func (t *Tracker) Unsubscribe(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, handle)
}

// Track runs op under operationID. It returns (true, nil) on success,
// (false, nil) when the operation was cancelled, and (false, err) on
// failure, so callers can tell cancellation from breakage. A second
// call for an active id fails with AlreadyInProgressError.
func (t *Tracker) Track(ctx context.Context, operationID, service, model string, op Operation) (bool, error) {
	t.mu.Lock()
	if _, exists := t.active[operationID]; exists {
		t.mu.Unlock()
		return false, &AlreadyInProgressError{OperationID: operationID}
	}

	opCtx, cancel := context.WithCancel(ctx)
	entry := &activeOp{cancel: cancel, startedAt: time.Now()}
	t.active[operationID] = entry
	t.mu.Unlock()
	defer cancel()

	t.logger.Info("progress.tracking", "Operation started", map[string]interface{}{
		"operation": operationID,
		"service":   service,
		"model":     model,
	})

	err := op(opCtx, func(stage string, percent float64) {
		t.emitProgress(Event{Service: service, Model: model, Stage: stage, Progress: percent})
	})

	t.mu.Lock()
	cancelled := entry.cancelled
	// Cancel may have removed this entry already and a new operation may
	// have claimed the id since. Only remove our own registration.
	if cur, ok := t.active[operationID]; ok && cur == entry {
		delete(t.active, operationID)
	}
	t.mu.Unlock()

	success := err == nil && !cancelled
	t.emitComplete(CompleteEvent{Service: service, Model: model, Success: success})

	if cancelled || errors.Is(err, context.Canceled) {
		t.logger.Info("progress.cancelled", "Operation cancelled", map[string]interface{}{
			"operation": operationID,
		})
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cancel signals an active operation and removes it from the active
// set. It returns false, not an error, for unknown ids.
func (t *Tracker) Cancel(operationID string) bool {
	t.mu.Lock()
	entry, ok := t.active[operationID]
	if ok {
		entry.cancelled = true
		delete(t.active, operationID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// CancelAll tears down every active operation. Safe to call repeatedly
// during shutdown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	entries := make([]*activeOp, 0, len(t.active))
	for id, entry := range t.active {
		entry.cancelled = true
		entries = append(entries, entry)
		delete(t.active, id)
	}
	t.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
}

// ActiveCount reports the number of in-flight operations.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tracker) emitProgress(event Event) {
	for _, l := range t.snapshotListeners() {
		if l.OnProgress != nil {
			l.OnProgress(event)
		}
	}
}

func (t *Tracker) emitComplete(event CompleteEvent) {
	for _, l := range t.snapshotListeners() {
		if l.OnComplete != nil {
			l.OnComplete(event)
		}
	}
}

func (t *Tracker) snapshotListeners() []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}
