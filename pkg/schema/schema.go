// Package schema defines the Go struct types for playbook documents
// and provides strict JSON/YAML parsing.
package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Playbook is the top-level document describing a browser-automation
// workflow plus its data-extraction rules. Immutable once published:
// the manager creates/updates/deletes it explicitly and the runtime
// never mutates it during execution.
type Playbook struct {
	ID              string           `yaml:"id"                        json:"id"              jsonschema:"required,pattern=^[A-Za-z0-9_-]+$"`
	Name            string           `yaml:"name"                      json:"name"            jsonschema:"required"`
	Version         string           `yaml:"version"                   json:"version"         jsonschema:"required"`
	Author          string           `yaml:"author,omitempty"          json:"author,omitempty"`
	Tags            []string         `yaml:"tags,omitempty"            json:"tags,omitempty"`
	Variables       map[string]any   `yaml:"variables,omitempty"       json:"variables,omitempty"`
	Actions         []Action         `yaml:"actions"                   json:"actions"         jsonschema:"required,minItems=1"`
	ExtractionRules []ExtractionRule `yaml:"extractionRules,omitempty" json:"extractionRules,omitempty"`
	ErrorHandling   ErrorHandling    `yaml:"errorHandling,omitempty"   json:"errorHandling,omitempty"`
	Metadata        Metadata         `yaml:"metadata,omitempty"        json:"metadata,omitempty"`
}

// Action is a single interpreter instruction. Leaf types act on the
// browser session; composite types (conditional, loop, retry) embed a
// nested program in Actions and recurse through the executor.
type Action struct {
	ID         string            `yaml:"id"                   json:"id"                   jsonschema:"required"`
	Type       string            `yaml:"type"                 json:"type"                 jsonschema:"required,enum=navigate,enum=wait,enum=click,enum=fill,enum=select,enum=extract,enum=scroll,enum=screenshot,enum=evaluate,enum=conditional,enum=loop,enum=retry"`
	Selector   string            `yaml:"selector,omitempty"   json:"selector,omitempty"`
	Value      any               `yaml:"value,omitempty"      json:"value,omitempty"`
	Timeout    int               `yaml:"timeout,omitempty"    json:"timeout,omitempty"` // milliseconds
	Retries    *int              `yaml:"retries,omitempty"    json:"retries,omitempty"`
	Conditions []Condition       `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []Action          `yaml:"actions,omitempty"    json:"actions,omitempty"`
	Variables  map[string]string `yaml:"variables,omitempty"  json:"variables,omitempty"`
	Optional   bool              `yaml:"optional,omitempty"   json:"optional,omitempty"`
}

// Condition is a predicate over page state or context variables.
// A condition list is an implicit AND.
type Condition struct {
	Type     string `yaml:"type"               json:"type"               jsonschema:"required,enum=exists,enum=not_exists,enum=visible,enum=hidden,enum=contains,enum=not_contains,enum=equals,enum=not_equals"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Variable string `yaml:"variable,omitempty" json:"variable,omitempty"`
	Value    any    `yaml:"value,omitempty"    json:"value,omitempty"`
}

// ExtractionRule maps a selector to an output record field. Applied by
// the extraction pipeline after all actions complete.
type ExtractionRule struct {
	Field        string `yaml:"field"                  json:"field"        jsonschema:"required"`
	Selector     string `yaml:"selector"               json:"selector"     jsonschema:"required"`
	Attribute    string `yaml:"attribute,omitempty"    json:"attribute,omitempty"`
	Transform    string `yaml:"transform,omitempty"    json:"transform,omitempty" jsonschema:"enum=,enum=trim,enum=lower,enum=upper,enum=number"`
	Required     bool   `yaml:"required,omitempty"     json:"required,omitempty"`
	DefaultValue any    `yaml:"defaultValue,omitempty" json:"defaultValue,omitempty"`
}

// ErrorHandling is the per-playbook failure policy.
type ErrorHandling struct {
	ContinueOnError   bool   `yaml:"continueOnError,omitempty"   json:"continueOnError,omitempty"`
	MaxRetries        int    `yaml:"maxRetries,omitempty"        json:"maxRetries,omitempty"`
	RetryDelay        int    `yaml:"retryDelay,omitempty"        json:"retryDelay,omitempty"` // milliseconds
	ScreenshotOnError bool   `yaml:"screenshotOnError,omitempty" json:"screenshotOnError,omitempty"`
	LogLevel          string `yaml:"logLevel,omitempty"          json:"logLevel,omitempty" jsonschema:"enum=,enum=debug,enum=info,enum=warn,enum=error"`
}

// Metadata holds advisory information about the target site. The
// observed success rate here is a static snapshot; live figures come
// from the manager's stats, not from this field.
type Metadata struct {
	TargetSite        string     `yaml:"targetSite,omitempty"        json:"targetSite,omitempty"`
	EstimatedDuration int        `yaml:"estimatedDuration,omitempty" json:"estimatedDuration,omitempty"` // milliseconds
	Complexity        string     `yaml:"complexity,omitempty"        json:"complexity,omitempty" jsonschema:"enum=,enum=simple,enum=moderate,enum=complex"`
	LastTested        *time.Time `yaml:"lastTested,omitempty"        json:"lastTested,omitempty"`
	SuccessRate       float64    `yaml:"successRate,omitempty"       json:"successRate,omitempty"`
	RequiresBrowser   bool       `yaml:"requiresBrowser,omitempty"   json:"requiresBrowser,omitempty"`
	RequiresAuth      bool       `yaml:"requiresAuth,omitempty"      json:"requiresAuth,omitempty"`
}

// ActionTypes is the fixed set of interpreter instructions.
var ActionTypes = []string{
	"navigate", "wait", "click", "fill", "select", "extract",
	"scroll", "screenshot", "evaluate", "conditional", "loop", "retry",
}

// ConditionTypes is the fixed set of predicate kinds.
var ConditionTypes = []string{
	"exists", "not_exists", "visible", "hidden",
	"contains", "not_contains", "equals", "not_equals",
}

// IsComposite reports whether the action type embeds a nested program.
func (a Action) IsComposite() bool {
	switch a.Type {
	case "conditional", "loop", "retry":
		return true
	}
	return false
}

// ValueString returns the action value as a string ("" when unset).
func (a Action) ValueString() string {
	return stringify(a.Value)
}

// ValueInt returns the action value as an int, or def when the value
// is unset or not numeric.
func (a Action) ValueInt(def int) int {
	switch v := a.Value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// ValueString returns the condition value as a string.
func (c Condition) ValueString() string {
	return stringify(c.Value)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; print integers without a fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// LoadFile reads and parses a playbook document. YAML is the authoring
// form (.yaml/.yml), JSON the canonical storage form; both decode with
// strict unknown-field rejection.
func LoadFile(path string) (*Playbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playbook: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(f)
	default:
		return Load(f)
	}
}

// Load parses a JSON playbook document with strict unknown-field rejection.
func Load(r io.Reader) (*Playbook, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("decode playbook: %w", err)
	}
	return &pb, nil
}

// LoadYAML parses a YAML playbook document with strict unknown-field rejection.
func LoadYAML(r io.Reader) (*Playbook, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("decode playbook: %w", err)
	}
	return &pb, nil
}
