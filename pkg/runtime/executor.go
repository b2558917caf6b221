package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opportunet/playbook/pkg/browser"
	"github.com/opportunet/playbook/pkg/schema"
)

// Per-type defaults when an action carries no explicit timeout.
const (
	defaultNavigateTimeout = 30 * time.Second
	defaultWaitTimeout     = 10 * time.Second

	defaultLoopIterations = 10
	defaultRetryAttempts  = 3
)

// executeAction runs one action to completion, applying its retry
// budget: the action's own retries when set, else the definition-level
// maxRetries fallback.
func (e *Engine) executeAction(ctx context.Context, a schema.Action, depth int) error {
	budget := e.playbook.ErrorHandling.MaxRetries
	if a.Retries != nil {
		budget = *a.Retries
	}
	return e.executeWithRetry(ctx, a, depth, budget)
}

// executeWithRetry is one attempt: guard check, variable substitution,
// dispatch, then the failure policy (screenshot-on-error, backoff and
// re-invocation while the budget lasts, optional-action swallowing).
func (e *Engine) executeWithRetry(ctx context.Context, a schema.Action, depth, retriesLeft int) error {
	// Guard condition: false means the action and its subtree are
	// skipped and counted as success with zero duration.
	if len(a.Conditions) > 0 && !e.evalConditions(ctx, a.Conditions) {
		e.record(&ActionResult{ActionID: a.ID, Success: true, Skipped: true})
		e.log.Debug("action skipped by guard", "action", a.ID)
		return nil
	}

	act := e.substituteAction(a)

	start := time.Now()
	out, err := e.dispatch(ctx, act, depth)
	result := &ActionResult{
		ActionID: a.ID,
		Duration: time.Since(start),
	}

	if err == nil {
		result.Success = true
		switch a.Type {
		case "extract", "evaluate":
			result.Extracted = out
		case "screenshot":
			result.Screenshot, _ = out.(string)
		}
		e.record(result)
		return nil
	}

	result.Error = err.Error()
	if e.playbook.ErrorHandling.ScreenshotOnError {
		// Best-effort: a failed capture must not mask the real error.
		if path, shotErr := e.captureScreenshot(ctx); shotErr == nil {
			result.Screenshot = path
		}
	}
	e.record(result)
	e.log.Warn("action failed", "action", a.ID, "type", a.Type, "error", err)

	if retriesLeft > 0 {
		delay := time.Duration(e.playbook.ErrorHandling.RetryDelay) * time.Millisecond
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return &ActionError{ActionID: a.ID, Err: sleepErr}
		}
		return e.executeWithRetry(ctx, a, depth, retriesLeft-1)
	}

	if a.Optional {
		e.warnf("optional action %q failed: %v", a.ID, err)
		return nil
	}
	return &ActionError{ActionID: a.ID, Err: err}
}

// substituteAction resolves ${var} tokens in the selector and string
// value. Unresolved tokens stay literal and surface as warnings.
func (e *Engine) substituteAction(a schema.Action) schema.Action {
	selector, missing := Substitute(a.Selector, e.state.Variables)
	a.Selector = selector
	if s, ok := a.Value.(string); ok {
		resolved, more := Substitute(s, e.state.Variables)
		a.Value = resolved
		missing = append(missing, more...)
	}
	for _, name := range missing {
		e.warnf("action %q references unresolved variable ${%s}", a.ID, name)
	}
	return a
}

// dispatch performs the action's effect by type. Composite types
// recurse back through executeAction for each nested action.
func (e *Engine) dispatch(ctx context.Context, a schema.Action, depth int) (any, error) {
	if depth > schema.MaxActionDepth {
		return nil, fmt.Errorf("action nesting depth %d exceeds maximum %d", depth, schema.MaxActionDepth)
	}

	switch a.Type {
	case "navigate":
		return e.doNavigate(ctx, a)
	case "wait":
		return nil, e.doWait(ctx, a)
	case "click":
		if err := e.session.WaitForSelector(ctx, a.Selector, e.actionTimeout(a, defaultWaitTimeout)); err != nil {
			return nil, err
		}
		return nil, e.session.Click(ctx, a.Selector)
	case "fill":
		if err := e.session.WaitForSelector(ctx, a.Selector, e.actionTimeout(a, defaultWaitTimeout)); err != nil {
			return nil, err
		}
		return nil, e.session.Fill(ctx, a.Selector, a.ValueString())
	case "select":
		if err := e.session.WaitForSelector(ctx, a.Selector, e.actionTimeout(a, defaultWaitTimeout)); err != nil {
			return nil, err
		}
		return nil, e.session.SelectOption(ctx, a.Selector, a.ValueString())
	case "extract":
		return e.doExtract(ctx, a)
	case "scroll":
		return nil, e.doScroll(ctx, a)
	case "screenshot":
		path, err := e.captureScreenshot(ctx)
		return path, err
	case "evaluate":
		return e.doEvaluate(ctx, a)
	case "conditional":
		return nil, e.doConditional(ctx, a, depth)
	case "loop":
		return nil, e.doLoop(ctx, a, depth)
	case "retry":
		return nil, e.doRetry(ctx, a, depth)
	}
	return nil, fmt.Errorf("unknown action type %q", a.Type)
}

func (e *Engine) doNavigate(ctx context.Context, a schema.Action) (any, error) {
	url := a.ValueString()
	if url == "" {
		return nil, fmt.Errorf("navigate requires a URL value")
	}
	final, err := e.session.Navigate(ctx, url, e.actionTimeout(a, defaultNavigateTimeout))
	if err != nil {
		return nil, err
	}
	e.state.Variables["currentUrl"] = final
	return final, nil
}

func (e *Engine) doWait(ctx context.Context, a schema.Action) error {
	if a.Selector != "" {
		return e.session.WaitForSelector(ctx, a.Selector, e.actionTimeout(a, defaultWaitTimeout))
	}
	if a.Value != nil {
		return sleepCtx(ctx, time.Duration(a.ValueInt(0))*time.Millisecond)
	}
	return fmt.Errorf("wait requires either a selector or a duration value")
}

func (e *Engine) doExtract(ctx context.Context, a schema.Action) (any, error) {
	if err := e.session.WaitForSelector(ctx, a.Selector, e.actionTimeout(a, defaultWaitTimeout)); err != nil {
		if a.Optional {
			// Graceful skip: the element never appeared and the caller
			// said that is fine.
			return nil, nil
		}
		return nil, err
	}

	elems, err := e.session.QueryAll(ctx, a.Selector)
	if err != nil {
		return nil, err
	}

	var result any
	if len(elems) == 1 {
		result = elementMap(elems[0])
	} else {
		list := make([]any, len(elems))
		for i, el := range elems {
			list[i] = elementMap(el)
		}
		result = list
	}

	e.state.ExtractedData[a.ID] = result
	e.projectVariables(a, result)
	return result, nil
}

func (e *Engine) doScroll(ctx context.Context, a schema.Action) error {
	if a.Selector != "" {
		return e.session.ScrollIntoView(ctx, a.Selector)
	}
	return e.session.ScrollBy(ctx, a.ValueInt(0))
}

func (e *Engine) doEvaluate(ctx context.Context, a schema.Action) (any, error) {
	out, err := e.session.Evaluate(ctx, a.ValueString())
	if err != nil {
		return nil, err
	}
	e.state.ExtractedData[a.ID] = out
	e.projectVariables(a, out)
	return out, nil
}

func (e *Engine) doConditional(ctx context.Context, a schema.Action, depth int) error {
	// Re-evaluated here on top of the guard check: between the two the
	// nested program may only run while the conditions still hold.
	if len(a.Conditions) > 0 && !e.evalConditions(ctx, a.Conditions) {
		return nil
	}
	for _, child := range a.Actions {
		if err := e.executeAction(ctx, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) doLoop(ctx context.Context, a schema.Action, depth int) error {
	// The hard iteration cap guarantees termination regardless of how
	// the guard behaves.
	maxIter := a.ValueInt(defaultLoopIterations)
	for i := 0; i < maxIter; i++ {
		if len(a.Conditions) > 0 && !e.evalConditions(ctx, a.Conditions) {
			return nil
		}
		for _, child := range a.Actions {
			if err := e.executeAction(ctx, child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) doRetry(ctx context.Context, a schema.Action, depth int) error {
	attempts := a.ValueInt(defaultRetryAttempts)
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(a.Timeout) * time.Millisecond
	if a.Timeout == 0 {
		delay = time.Duration(e.playbook.ErrorHandling.RetryDelay) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = nil
		for _, child := range a.Actions {
			if lastErr = e.executeAction(ctx, child, depth+1); lastErr != nil {
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// projectVariables copies named sub-paths of an extract/evaluate result
// into context variables.
func (e *Engine) projectVariables(a schema.Action, result any) {
	for name, path := range a.Variables {
		if v, ok := lookupPath(result, path); ok {
			e.state.Variables[name] = v
		} else {
			e.warnf("action %q: path %q not found in result for variable %q", a.ID, path, name)
		}
	}
}

// lookupPath walks a dotted path ("text", "0.attributes.href") through
// maps and slices.
func lookupPath(v any, path string) (any, bool) {
	if path == "" || path == "." {
		return v, v != nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// elementMap renders one matched element as the JSON object shape the
// rest of the pipeline consumes.
func elementMap(el browser.Element) map[string]any {
	attrs := make(map[string]string, len(el.Attributes))
	for k, v := range el.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"text":       el.Text,
		"html":       el.HTML,
		"attributes": attrs,
	}
}

func (e *Engine) actionTimeout(a schema.Action, def time.Duration) time.Duration {
	if a.Timeout > 0 {
		return time.Duration(a.Timeout) * time.Millisecond
	}
	return def
}

// sleepCtx waits for d or until the context ends, whichever is first.
// Timer-based so concurrent runs never serialize on each other's
// backoff waits.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
