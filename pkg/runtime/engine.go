package runtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opportunet/playbook/pkg/browser"
	"github.com/opportunet/playbook/pkg/schema"
)

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxx.
func GenerateRunID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// Engine executes one playbook against one browser session. Build a
// fresh Engine per run; the run context it owns is never shared.
//
// Run moves through Initializing → Running-Actions → Extracting →
// Closing and always closes the page exactly once, whichever state
// aborted.
type Engine struct {
	playbook *schema.Playbook
	session  browser.Session
	state    *Context
	log      *slog.Logger
	trace    *TraceWriter

	runID         string
	runTimeout    time.Duration
	screenshotDir string
	shots         int
	closed        bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the run logger. Default discards nothing: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTrace writes every action result to a JSONL trace.
func WithTrace(t *TraceWriter) Option {
	return func(e *Engine) { e.trace = t }
}

// WithRunTimeout bounds the whole run. Zero means per-action timeouts
// only, matching the historical behavior.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// WithScreenshotDir sets where screenshot actions write captures.
func WithScreenshotDir(dir string) Option {
	return func(e *Engine) { e.screenshotDir = dir }
}

// New creates an engine for a single run of pb against session.
func New(pb *schema.Playbook, session browser.Session, opts ...Option) *Engine {
	e := &Engine{
		playbook:      pb,
		session:       session,
		log:           slog.Default(),
		runID:         GenerateRunID(),
		screenshotDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunID returns the generated identifier for this run.
func (e *Engine) RunID() string { return e.runID }

// Run executes the playbook and returns a result in every case; a
// failed run carries its errors rather than an error return so the
// manager can record both outcomes the same way.
func (e *Engine) Run(ctx context.Context, overrides map[string]any) *Result {
	start := time.Now()

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	// Initializing: definition variables merged with caller overrides;
	// overrides win.
	vars := make(map[string]any, len(e.playbook.Variables)+len(overrides))
	for k, v := range e.playbook.Variables {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	e.state = &Context{
		Variables:     vars,
		ExtractedData: make(map[string]any),
	}

	e.log.Info("run starting", "run", e.runID, "playbook", e.playbook.ID, "actions", len(e.playbook.Actions))

	// Running-Actions: root program in order. An error not swallowed by
	// optional/continueOnError aborts straight to Closing.
	aborted := false
	for _, a := range e.playbook.Actions {
		err := e.executeAction(ctx, a, 0)
		if err == nil {
			continue
		}
		e.state.Errors = append(e.state.Errors, err.Error())
		if e.playbook.ErrorHandling.ContinueOnError {
			continue
		}
		aborted = true
		break
	}

	// Extracting: only reached when no unrecovered action error occurred.
	var opps []Opportunity
	if !aborted {
		if err := e.runExtraction(ctx); err != nil {
			e.state.Errors = append(e.state.Errors, err.Error())
			aborted = true
		} else {
			opps = e.assembleOpportunities(ctx)
		}
	}

	// Closing: the page closes exactly once, error path included.
	e.closePage(ctx)

	e.state.ExecutionTime = time.Since(start)
	result := &Result{
		Success:       len(e.state.Errors) == 0,
		Opportunities: opps,
		Context:       e.state,
		ExecutionTime: e.state.ExecutionTime,
		Errors:        e.state.Errors,
		Warnings:      e.state.Warnings,
	}

	e.log.Info("run finished",
		"run", e.runID,
		"playbook", e.playbook.ID,
		"success", result.Success,
		"opportunities", len(opps),
		"actions", e.state.ActionsExecuted,
		"duration", result.ExecutionTime,
	)
	return result
}

// closePage tears the session down once. Uses a detached context so an
// expired run deadline cannot leak the page.
func (e *Engine) closePage(ctx context.Context) {
	if e.closed {
		return
	}
	e.closed = true
	if err := e.session.Close(context.WithoutCancel(ctx)); err != nil {
		e.warnf("close page: %v", err)
	}
}

// record appends an action result to the context log, the trace and
// the executed-action counter.
func (e *Engine) record(r *ActionResult) {
	e.state.ActionResults = append(e.state.ActionResults, r)
	if r.Success {
		e.state.ActionsExecuted++
	}
	if e.trace != nil {
		if err := e.trace.Write(e.runID, r); err != nil {
			e.warnf("write trace: %v", err)
			e.trace = nil
		}
	}
}

func (e *Engine) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.state.Warnings = append(e.state.Warnings, msg)
	e.log.Warn(msg, "run", e.runID)
}

// captureScreenshot writes a capture to the screenshot directory and
// registers the path in the run context.
func (e *Engine) captureScreenshot(ctx context.Context) (string, error) {
	e.shots++
	path := filepath.Join(e.screenshotDir, fmt.Sprintf("%s-%03d.png", e.runID, e.shots))
	if err := e.session.Screenshot(ctx, path); err != nil {
		return "", err
	}
	e.state.Screenshots = append(e.state.Screenshots, path)
	return path, nil
}
