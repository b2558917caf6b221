// Package runtime executes playbook definitions against a controlled
// browser session: a recursive action interpreter, an extraction
// pipeline assembling opportunity records, and the per-run engine
// orchestrating both.
package runtime

import (
	"time"
)

// Context is the complete mutable state of a single playbook run.
// Exclusively owned by its Engine for the run's lifetime; never shared
// across runs.
type Context struct {
	Variables       map[string]any  `json:"variables"`
	ExtractedData   map[string]any  `json:"extractedData"`
	Errors          []string        `json:"errors,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Screenshots     []string        `json:"screenshots,omitempty"`
	ExecutionTime   time.Duration   `json:"executionTime"`
	ActionsExecuted int             `json:"actionsExecuted"`
	ActionResults   []*ActionResult `json:"actionResults,omitempty"`
}

// ActionResult is the outcome of one action attempt, appended to the
// context's ordered log and to the run trace.
type ActionResult struct {
	ActionID   string        `json:"actionId"`
	Success    bool          `json:"success"`
	Skipped    bool          `json:"skipped,omitempty"` // guard condition was false
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Extracted  any           `json:"extractedData,omitempty"`
	Screenshot string        `json:"screenshot,omitempty"`
}

// Result is returned to the caller once per run. The engine keeps no
// copy; persistence is the manager's concern.
type Result struct {
	Success       bool          `json:"success"`
	Opportunities []Opportunity `json:"opportunities"`
	Context       *Context      `json:"context"`
	ExecutionTime time.Duration `json:"executionTime"`
	Errors        []string      `json:"errors,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// Opportunity is one structured output record assembled by the
// extraction pipeline. Title and URL are mandatory; candidates missing
// either are discarded.
type Opportunity struct {
	Title        string         `json:"title"`
	URL          string         `json:"url"`
	Organization string         `json:"organization,omitempty"`
	Description  string         `json:"description,omitempty"`
	Deadline     string         `json:"deadline,omitempty"`
	Location     string         `json:"location,omitempty"`
	Amount       string         `json:"amount,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Source       Provenance     `json:"source"`
}

// Provenance stamps each emitted record with where and when it came from.
type Provenance struct {
	PlaybookID   string    `json:"playbookId"`
	PlaybookName string    `json:"playbookName"`
	ExtractedAt  time.Time `json:"extractedAt"`
	PageURL      string    `json:"pageUrl,omitempty"`
}
