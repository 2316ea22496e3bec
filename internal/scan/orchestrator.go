package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/nutriscan/internal/nutrition"
	"github.com/zombor/nutriscan/internal/scanning"
)

// DefaultDeadline bounds a whole scan: recognition, structuring, parsing and persistence
const DefaultDeadline = 60 * time.Second

// Progress labels published while a scan runs
const (
	ProgressPreparing   = "Preparing scan…"
	ProgressRecognizing = "Extracting text…"
	ProgressStructuring = "Analyzing nutrition data…"
	ProgressParsing     = "Processing results…"
	ProgressSaving      = "Saving to history…"
)

// WarningNotSaved is reported when a scan succeeded but could not be persisted
const WarningNotSaved = "Scan successful but couldn't save to history"

var (
	// ErrScanInProgress is returned when a scan is requested while another is running
	ErrScanInProgress = errors.New("a scan is already in progress")
	// ErrScanCanceled is returned when the running scan was canceled
	ErrScanCanceled = errors.New("scan canceled")
)

// Recognizer extracts label text from an image
type Recognizer interface {
	Recognize(ctx context.Context, img scanning.Image) (string, error)
}

// Structurer turns label text into a JSON payload
type Structurer interface {
	Structure(ctx context.Context, text string) (string, error)
}

// HistoryStore persists successful scans
type HistoryStore interface {
	Save(ctx context.Context, userID string, record nutrition.Record) (string, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Request is a single label capture
type Request struct {
	Image  scanning.Image
	UserID string // optional; without it the result is not persisted
}

// Outcome is what a finished scan hands back. Record is always displayable:
// on failure it is a diagnostic record and Error holds the user-facing message.
type Outcome struct {
	Record  nutrition.Record `json:"record"`
	Error   string           `json:"error,omitempty"`
	Warning string           `json:"warning,omitempty"`
}

// Orchestrator runs the scan pipeline, allowing one scan at a time, and
// publishes its state to subscribers. It is the only writer of that state.
type Orchestrator struct {
	recognizer Recognizer
	structurer Structurer
	store      HistoryStore
	clock      TimeSource
	deadline   time.Duration

	mu          sync.Mutex
	state       State
	running     bool
	generation  uint64
	cancelRun   context.CancelCauseFunc
	subscribers map[int]chan State
	nextSub     int
}

// NewOrchestrator creates an Orchestrator with the default clock and deadline.
// store may be nil to disable persistence.
func NewOrchestrator(recognizer Recognizer, structurer Structurer, store HistoryStore) *Orchestrator {
	return NewOrchestratorWithDeps(recognizer, structurer, store, defaultTimeSource{}, DefaultDeadline)
}

// NewOrchestratorWithDeps creates an Orchestrator with custom dependencies for testing
func NewOrchestratorWithDeps(recognizer Recognizer, structurer Structurer, store HistoryStore, clock TimeSource, deadline time.Duration) *Orchestrator {
	return &Orchestrator{
		recognizer:  recognizer,
		structurer:  structurer,
		store:       store,
		clock:       clock,
		deadline:    deadline,
		state:       State{Phase: PhaseIdle},
		subscribers: make(map[int]chan State),
	}
}

// Scan runs the pipeline for req. It returns ErrScanInProgress without
// touching state if a scan is already running, and ErrScanCanceled if the
// scan is canceled. A failed scan returns both an Outcome carrying a
// diagnostic record and the stage error.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (*Outcome, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		slog.Warn("Scan already in progress, rejecting request")
		return nil, ErrScanInProgress
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	o.running = true
	o.generation++
	gen := o.generation
	o.cancelRun = cancel
	o.setLocked(State{Phase: PhaseRunning, Progress: ProgressPreparing})
	o.mu.Unlock()
	defer cancel(nil)

	runCtx, cancelDeadline := context.WithTimeout(runCtx, o.deadline)
	defer cancelDeadline()

	slog.Info("Starting scan",
		"user_id", req.UserID,
		"content_type", req.Image.ContentType,
		"image_size", len(req.Image.Data),
	)

	outcome, err := o.run(runCtx, gen, req)
	if errors.Is(err, ErrScanCanceled) {
		o.finish(gen, State{Phase: PhaseIdle})
		slog.Info("Scan canceled")
		return nil, ErrScanCanceled
	}

	// Subscribers get their own copy of the record
	result := outcome.Record.WithScanID(outcome.Record.ScanID)
	final := State{Result: &result, Error: outcome.Error, Warning: outcome.Warning}
	if err != nil {
		final.Phase = PhaseFailed
	} else {
		final.Phase = PhaseSucceeded
	}
	if !o.finish(gen, final) {
		// Canceled after the pipeline finished; the result is discarded
		return nil, ErrScanCanceled
	}
	return outcome, err
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, req Request) (*Outcome, error) {
	var recognized, structured string

	o.progress(gen, ProgressRecognizing)
	recognized, err := o.recognizer.Recognize(ctx, req.Image)
	if err != nil {
		return o.abort(ctx, err, recognized, structured)
	}
	slog.Debug("Text recognized", "chars", len(recognized))

	o.progress(gen, ProgressStructuring)
	structured, err = o.structurer.Structure(ctx, recognized)
	if err != nil {
		return o.abort(ctx, err, recognized, structured)
	}
	slog.Debug("Nutrition data structured", "chars", len(structured))

	o.progress(gen, ProgressParsing)
	record := nutrition.Parse(structured)
	if err := ctx.Err(); err != nil {
		return o.abort(ctx, err, recognized, structured)
	}
	record = record.WithCapturedAt(o.clock.Now().UnixMilli())

	outcome := &Outcome{}
	if req.UserID != "" && o.store != nil {
		o.progress(gen, ProgressSaving)
		id, err := o.store.Save(ctx, req.UserID, record)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The deadline covers persistence; a late save does not count
			if err == nil {
				err = ctxErr
			}
			return o.abort(ctx, err, recognized, structured)
		}
		if err != nil {
			slog.Warn("Failed to save scan to history", "user_id", req.UserID, "error", err)
			outcome.Warning = WarningNotSaved
		} else {
			record = record.WithScanID(id)
		}
	} else {
		slog.Debug("No user ID, scan not saved")
	}

	outcome.Record = record
	slog.Info("Scan completed",
		"product", record.ProductName,
		"scan_id", record.ScanID,
		"calories", record.Calories,
	)
	return outcome, nil
}

// abort builds the failure outcome, or reports cancellation
func (o *Orchestrator) abort(ctx context.Context, err error, recognized, structured string) (*Outcome, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrScanCanceled) || errors.Is(cause, context.Canceled) {
		return nil, ErrScanCanceled
	}

	deadlineHit := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if deadlineHit && scanning.CodeOf(err) != scanning.CodeTimeout {
		err = &scanning.Error{Code: scanning.CodeTimeout, Stage: stageOf(err), Err: err}
	}

	message := userMessage(err)
	marker := failureMarker(err, deadlineHit)
	slog.Error("Scan failed",
		"marker", marker,
		"code", scanning.CodeOf(err),
		"recognized_chars", len(recognized),
		"structured_chars", len(structured),
		"error", err,
	)

	record := nutrition.DiagnosticRecord(marker, message, recognized, structured).
		WithCapturedAt(o.clock.Now().UnixMilli())
	return &Outcome{Record: record, Error: message}, fmt.Errorf("scan failed: %w", err)
}

func failureMarker(err error, deadlineHit bool) string {
	switch {
	case deadlineHit:
		return nutrition.MarkerTimeout
	case stageOf(err) == scanning.StageRecognition:
		return nutrition.MarkerOCR
	default:
		return nutrition.MarkerLLM
	}
}

func stageOf(err error) scanning.Stage {
	var e *scanning.Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// Cancel stops the running scan. State returns to idle at once and the
// canceled run's later updates are discarded.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.cancelRun(ErrScanCanceled)
	o.generation++
	o.running = false
	o.setLocked(State{Phase: PhaseIdle})
	slog.Info("Scan cancel requested")
	return true
}

// ClearError drops the error and warning from the current state
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Error, s.Warning = "", ""
	o.setLocked(s.settled())
}

// ClearResult drops the result from the current state
func (o *Orchestrator) ClearResult() {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Result = nil
	o.setLocked(s.settled())
}

// State returns a snapshot of the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel that always holds the latest state, starting
// with the current one, and a function that ends the subscription.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan State, 1)
	ch <- o.state
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subscribers, id)
			close(ch)
		})
	}
}

func (o *Orchestrator) progress(gen uint64, label string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return
	}
	s := o.state
	s.Progress = label
	o.setLocked(s)
}

// finish publishes the final state of run gen, unless it was canceled
func (o *Orchestrator) finish(gen uint64, s State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return false
	}
	o.running = false
	o.cancelRun = nil
	o.setLocked(s)
	return true
}

// setLocked replaces the state and notifies subscribers; o.mu must be held
func (o *Orchestrator) setLocked(s State) {
	o.state = s
	for _, ch := range o.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
