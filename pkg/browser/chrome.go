package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeOptions configures a ChromeSession.
type ChromeOptions struct {
	// RemoteURL connects to an already-running browser over the DevTools
	// protocol (e.g. "ws://localhost:9222"). Empty starts a local browser.
	RemoteURL string
	// Headless applies to locally started browsers only.
	Headless bool
	// UserAgent overrides the browser user agent when set.
	UserAgent string
}

// ChromeSession drives a Chrome page through chromedp. One session maps
// to one page; concurrent runs need distinct sessions.
type ChromeSession struct {
	ctx     context.Context
	cancels []context.CancelFunc
	closed  bool
}

// NewChromeSession allocates a browser context and starts the page.
func NewChromeSession(ctx context.Context, opts ChromeOptions) (*ChromeSession, error) {
	var cancels []context.CancelFunc

	var allocCtx context.Context
	var cancel context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		if !opts.Headless {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		allocCtx, cancel = chromedp.NewExecAllocator(ctx, allocOpts...)
	}
	cancels = append(cancels, cancel)

	pageCtx, pageCancel := chromedp.NewContext(allocCtx)
	cancels = append(cancels, pageCancel)

	// Start the browser eagerly so a broken environment fails here, not
	// mid-run.
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &ChromeSession{ctx: pageCtx, cancels: cancels}, nil
}

// run executes chromedp actions against the page, bounded by the given
// timeout and by the caller's context.
func (s *ChromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.closed {
		return ErrClosed
	}
	runCtx := s.ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *ChromeSession) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	var final string
	err := s.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.Location(&final),
	)
	if err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	return final, nil
}

func (s *ChromeSession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

func (s *ChromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, 0, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *ChromeSession) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx, 0, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (s *ChromeSession) SelectOption(ctx context.Context, selector, value string) error {
	return s.run(ctx, 0, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (s *ChromeSession) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(el => ({
		text: el.textContent || "",
		html: el.innerHTML || "",
		attributes: Object.fromEntries(Array.from(el.attributes).map(a => [a.name, a.value]))
	}))`, selector)

	var elems []Element
	if err := s.run(ctx, 0, chromedp.Evaluate(script, &elems)); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return elems, nil
}

func (s *ChromeSession) IsVisible(ctx context.Context, selector string) (bool, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0 && getComputedStyle(el).visibility !== "hidden";
	})()`, selector)

	var visible bool
	if err := s.run(ctx, 0, chromedp.Evaluate(script, &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

func (s *ChromeSession) ScrollIntoView(ctx context.Context, selector string) error {
	return s.run(ctx, 0, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
}

func (s *ChromeSession) ScrollBy(ctx context.Context, pixels int) error {
	var ignore []byte
	return s.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", pixels), &ignore))
}

func (s *ChromeSession) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, 0, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func (s *ChromeSession) Evaluate(ctx context.Context, expression string) (any, error) {
	var raw []byte
	if err := s.run(ctx, 0, chromedp.Evaluate(expression, &raw)); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	return out, nil
}

func (s *ChromeSession) URL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, 0, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

// Close cancels the page and allocator contexts. Idempotent.
func (s *ChromeSession) Close(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	for i := len(s.cancels) - 1; i >= 0; i-- {
		s.cancels[i]()
	}
	return nil
}
