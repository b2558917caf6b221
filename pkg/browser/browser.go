// Package browser defines the controlled browser session capability
// consumed by the playbook runtime, plus its real (Chrome DevTools) and
// replay (fixture-backed) implementations.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by session operations after Close.
var ErrClosed = errors.New("browser session is closed")

// Element is the data read from a single matched DOM element.
type Element struct {
	Text       string            `json:"text"       yaml:"text"`
	HTML       string            `json:"html"       yaml:"html,omitempty"`
	Attributes map[string]string `json:"attributes" yaml:"attributes,omitempty"`
}

// Session is one controlled browser page scoped to a single playbook run.
// Implementations: ChromeSession (live Chrome), ReplaySession (fixtures).
//
// All operations are synchronous; the runtime awaits each call before
// proceeding. A Session must tolerate Close being the only call that is
// ever guaranteed to happen.
type Session interface {
	// Navigate loads the URL and returns the final URL after redirects.
	Navigate(ctx context.Context, url string, timeout time.Duration) (string, error)

	// WaitForSelector blocks until the selector matches or the timeout expires.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error

	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error

	// QueryAll returns text, inner markup and the full attribute map of
	// every element matching the selector. No match is not an error.
	QueryAll(ctx context.Context, selector string) ([]Element, error)

	// IsVisible reports whether the first match of the selector is rendered.
	IsVisible(ctx context.Context, selector string) (bool, error)

	ScrollIntoView(ctx context.Context, selector string) error
	ScrollBy(ctx context.Context, pixels int) error

	// Screenshot captures the current page to the given file path.
	Screenshot(ctx context.Context, path string) error

	// Evaluate runs a side-effect-free script expression in page scope and
	// returns its JSON-serializable result.
	Evaluate(ctx context.Context, expression string) (any, error)

	// URL returns the page's current URL.
	URL(ctx context.Context) (string, error)

	// Close tears the page down. Must be safe to call exactly once per run.
	Close(ctx context.Context) error
}
