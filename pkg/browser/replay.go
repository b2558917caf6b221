package browser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// ReplayPage is one pre-recorded page state in a replay fixture.
type ReplayPage struct {
	// URL keys the page for navigate calls. "*" matches any URL.
	URL string `yaml:"url" json:"url"`
	// Elements maps selectors to the elements they match.
	Elements map[string][]Element `yaml:"elements,omitempty" json:"elements,omitempty"`
	// Hidden lists selectors that match but are not rendered.
	Hidden []string `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	// Env is the evaluation environment for script expressions.
	Env map[string]any `yaml:"env,omitempty" json:"env,omitempty"`
}

// ReplayFixture is the on-disk shape of a replay fixture file.
type ReplayFixture struct {
	Pages []*ReplayPage `yaml:"pages" json:"pages"`
}

// ReplaySession is a Session backed by fixture pages instead of a live
// browser. It powers `playbook exec --replay` and the runtime tests.
// Evaluate compiles the expression with expr-lang against the page Env,
// so only side-effect-free expressions work, the same contract the
// runtime documents for live evaluate actions.
type ReplaySession struct {
	pages   map[string]*ReplayPage
	current *ReplayPage

	// Ops records every operation in call order, for assertions and
	// replay-run reporting.
	Ops []string

	// AppearAfter makes WaitForSelector fail the given number of times
	// before the selector appears. Simulates slow-rendering pages.
	AppearAfter map[string]int

	CloseCalls int
	closed     bool
}

// NewReplaySession builds a session over the given pages. The first
// page is current; navigation switches by URL.
func NewReplaySession(pages ...*ReplayPage) *ReplaySession {
	s := &ReplaySession{
		pages:       make(map[string]*ReplayPage, len(pages)),
		AppearAfter: make(map[string]int),
	}
	for _, p := range pages {
		s.pages[p.URL] = p
	}
	if len(pages) > 0 {
		s.current = pages[0]
	}
	return s
}

// LoadFixture reads a YAML replay fixture file.
func LoadFixture(path string) (*ReplaySession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var fx ReplayFixture
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if len(fx.Pages) == 0 {
		return nil, fmt.Errorf("fixture %s has no pages", path)
	}
	return NewReplaySession(fx.Pages...), nil
}

func (s *ReplaySession) record(format string, args ...any) {
	s.Ops = append(s.Ops, fmt.Sprintf(format, args...))
}

func (s *ReplaySession) page() (*ReplayPage, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.current == nil {
		return nil, fmt.Errorf("no page loaded")
	}
	return s.current, nil
}

func (s *ReplaySession) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	s.record("navigate %s", url)
	if p, ok := s.pages[url]; ok {
		s.current = p
		return url, nil
	}
	if p, ok := s.pages["*"]; ok {
		s.current = p
		return url, nil
	}
	return "", fmt.Errorf("no fixture page for %s", url)
}

func (s *ReplaySession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	s.record("wait %s", selector)
	if n := s.AppearAfter[selector]; n > 0 {
		s.AppearAfter[selector] = n - 1
		return fmt.Errorf("timeout waiting for %q", selector)
	}
	if len(p.Elements[selector]) == 0 {
		return fmt.Errorf("timeout waiting for %q", selector)
	}
	return nil
}

func (s *ReplaySession) interact(op, selector string) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	s.record("%s %s", op, selector)
	if len(p.Elements[selector]) == 0 {
		return fmt.Errorf("%s: no element matches %q", op, selector)
	}
	return nil
}

func (s *ReplaySession) Click(ctx context.Context, selector string) error {
	return s.interact("click", selector)
}

func (s *ReplaySession) Fill(ctx context.Context, selector, value string) error {
	return s.interact("fill", selector)
}

func (s *ReplaySession) SelectOption(ctx context.Context, selector, value string) error {
	return s.interact("select", selector)
}

func (s *ReplaySession) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	p, err := s.page()
	if err != nil {
		return nil, err
	}
	s.record("query %s", selector)
	elems := p.Elements[selector]
	out := make([]Element, len(elems))
	copy(out, elems)
	return out, nil
}

func (s *ReplaySession) IsVisible(ctx context.Context, selector string) (bool, error) {
	p, err := s.page()
	if err != nil {
		return false, err
	}
	s.record("visible %s", selector)
	if len(p.Elements[selector]) == 0 {
		return false, nil
	}
	for _, h := range p.Hidden {
		if h == selector {
			return false, nil
		}
	}
	return true, nil
}

func (s *ReplaySession) ScrollIntoView(ctx context.Context, selector string) error {
	return s.interact("scroll", selector)
}

func (s *ReplaySession) ScrollBy(ctx context.Context, pixels int) error {
	if s.closed {
		return ErrClosed
	}
	s.record("scrollBy %d", pixels)
	return nil
}

// pngStub is a 1x1 transparent PNG, enough to stand in for a capture.
var pngStub = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func (s *ReplaySession) Screenshot(ctx context.Context, path string) error {
	if s.closed {
		return ErrClosed
	}
	s.record("screenshot %s", path)
	return os.WriteFile(path, pngStub, 0644)
}

func (s *ReplaySession) Evaluate(ctx context.Context, expression string) (any, error) {
	p, err := s.page()
	if err != nil {
		return nil, err
	}
	s.record("evaluate %s", strings.TrimSpace(expression))

	env := map[string]any{}
	for k, v := range p.Env {
		env[k] = v
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval expression %q: %w", expression, err)
	}
	return out, nil
}

func (s *ReplaySession) URL(ctx context.Context) (string, error) {
	p, err := s.page()
	if err != nil {
		return "", err
	}
	return p.URL, nil
}

func (s *ReplaySession) Close(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.CloseCalls++
	s.record("close")
	return nil
}
