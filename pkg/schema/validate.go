package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// MaxActionDepth caps composite action nesting. Definitions deeper than
// this fail validation and the runtime refuses to recurse past it.
const MaxActionDepth = 10

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "actions[0].selector")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidationResult is the caller-facing summary of a validation pass.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Summarize folds validation errors into a ValidationResult.
func Summarize(errs []*ValidationError) ValidationResult {
	res := ValidationResult{Valid: true}
	for _, e := range errs {
		if e.Severity == "warning" {
			res.Warnings = append(res.Warnings, e.Error())
			continue
		}
		res.Valid = false
		res.Errors = append(res.Errors, e.Error())
	}
	return res
}

// ValidateFile performs the full 3-phase validation pipeline on a playbook file.
// Phase 1: Structural (strict JSON/YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Playbook, []*ValidationError) {
	var allErrors []*ValidationError

	pb, err := LoadFile(path)
	if err != nil {
		allErrors = append(allErrors, &ValidationError{
			Phase:    "structural",
			Path:     "",
			Message:  err.Error(),
			Severity: "error",
		})
		return nil, allErrors
	}

	allErrors = append(allErrors, Validate(pb)...)
	if len(allErrors) > 0 {
		return pb, allErrors
	}
	return pb, nil
}

// Validate runs the semantic and domain phases on an in-memory playbook.
func Validate(pb *Playbook) []*ValidationError {
	errs := validateSemantic(pb)
	errs = append(errs, ValidateDomain(pb)...)
	return errs
}

// validateSemantic validates the playbook against the generated JSON Schema.
func validateSemantic(pb *Playbook) []*ValidationError {
	data, err := json.Marshal(pb)
	if err != nil {
		return []*ValidationError{semanticErr(fmt.Sprintf("marshal for schema validation: %v", err))}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{semanticErr(fmt.Sprintf("generate schema: %v", err))}
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return []*ValidationError{semanticErr(fmt.Sprintf("unmarshal schema: %v", err))}
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("playbook-v1.json", schemaDoc); err != nil {
		return []*ValidationError{semanticErr(fmt.Sprintf("add schema resource: %v", err))}
	}

	sch, err := c.Compile("playbook-v1.json")
	if err != nil {
		return []*ValidationError{semanticErr(fmt.Sprintf("compile schema: %v", err))}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []*ValidationError{semanticErr(fmt.Sprintf("unmarshal document: %v", err))}
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				instancePath := strings.Join(cause.InstanceLocation, "/")
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     instancePath,
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, semanticErr(err.Error()))
		}
		return errs
	}
	return nil
}

func semanticErr(msg string) *ValidationError {
	return &ValidationError{Phase: "semantic", Path: "", Message: msg, Severity: "error"}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

var (
	idRe      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

var knownTransforms = map[string]bool{
	"trim": true, "lower": true, "upper": true, "number": true,
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(pb *Playbook) []*ValidationError {
	var errs []*ValidationError

	if pb.ID == "" {
		errs = append(errs, domainErr("id", "playbook id must not be empty"))
	} else if !idRe.MatchString(pb.ID) {
		errs = append(errs, domainErr("id", fmt.Sprintf("playbook id %q must match [A-Za-z0-9_-]+", pb.ID)))
	}
	if pb.Name == "" {
		errs = append(errs, domainErr("name", "playbook name must not be empty"))
	}
	if pb.Version == "" {
		errs = append(errs, domainErr("version", "playbook version must not be empty"))
	} else if !versionRe.MatchString(pb.Version) {
		errs = append(errs, domainWarn("version",
			fmt.Sprintf("version %q does not look like a semantic version (want MAJOR.MINOR.PATCH)", pb.Version)))
	}

	if len(pb.Actions) == 0 {
		errs = append(errs, domainErr("actions", "playbook must contain at least one action"))
	}

	seen := make(map[string]string)
	errs = append(errs, validateActions(pb.Actions, "actions", 0, seen)...)

	for i, r := range pb.ExtractionRules {
		prefix := fmt.Sprintf("extractionRules[%d]", i)
		if r.Field == "" {
			errs = append(errs, domainErr(prefix+".field", "extraction rule requires a non-empty field"))
		}
		if r.Selector == "" {
			errs = append(errs, domainErr(prefix+".selector",
				fmt.Sprintf("extraction rule %q requires a non-empty selector", r.Field)))
		}
		if r.Transform != "" && !knownTransforms[r.Transform] {
			errs = append(errs, domainWarn(prefix+".transform",
				fmt.Sprintf("unknown transform %q will be treated as identity", r.Transform)))
		}
	}

	if pb.ErrorHandling.MaxRetries < 0 {
		errs = append(errs, domainErr("errorHandling.maxRetries", "maxRetries must be >= 0"))
	}
	if pb.ErrorHandling.RetryDelay < 0 {
		errs = append(errs, domainErr("errorHandling.retryDelay", "retryDelay must be >= 0"))
	}

	if pb.Metadata.EstimatedDuration < 0 {
		errs = append(errs, domainWarn("metadata.estimatedDuration", "estimatedDuration should be >= 0"))
	}
	if pb.Metadata.SuccessRate < 0 || pb.Metadata.SuccessRate > 100 {
		errs = append(errs, domainWarn("metadata.successRate", "successRate should be within [0,100]"))
	}

	return errs
}

// validateActions walks the action tree recursively, checking per-type
// required fields, condition shapes and nesting depth.
func validateActions(actions []Action, path string, depth int, seen map[string]string) []*ValidationError {
	var errs []*ValidationError

	if depth > MaxActionDepth {
		errs = append(errs, domainErr(path,
			fmt.Sprintf("action nesting depth %d exceeds maximum %d", depth, MaxActionDepth)))
		return errs
	}

	for i, a := range actions {
		prefix := fmt.Sprintf("%s[%d]", path, i)

		if a.ID == "" {
			errs = append(errs, domainErr(prefix+".id", "action requires a non-empty id"))
		} else if prev, ok := seen[a.ID]; ok {
			errs = append(errs, domainWarn(prefix+".id",
				fmt.Sprintf("duplicate action id %q (first at %s)", a.ID, prev)))
		} else {
			seen[a.ID] = prefix
		}

		if !slices.Contains(ActionTypes, a.Type) {
			errs = append(errs, domainErr(prefix+".type", fmt.Sprintf("unknown action type %q", a.Type)))
			continue
		}

		switch a.Type {
		case "navigate":
			if a.ValueString() == "" {
				errs = append(errs, domainErr(prefix+".value",
					fmt.Sprintf("navigate action %q requires a URL value", a.ID)))
			}
		case "wait":
			if a.Selector == "" && a.Value == nil {
				errs = append(errs, domainErr(prefix,
					fmt.Sprintf("wait action %q requires either a selector or a duration value", a.ID)))
			}
			if a.Selector != "" && a.Value != nil {
				errs = append(errs, domainWarn(prefix,
					fmt.Sprintf("wait action %q has both selector and value; the selector wins", a.ID)))
			}
		case "click", "extract":
			if a.Selector == "" {
				errs = append(errs, domainErr(prefix+".selector",
					fmt.Sprintf("%s action %q requires a selector", a.Type, a.ID)))
			}
		case "fill", "select":
			if a.Selector == "" {
				errs = append(errs, domainErr(prefix+".selector",
					fmt.Sprintf("%s action %q requires a selector", a.Type, a.ID)))
			}
			if a.ValueString() == "" {
				errs = append(errs, domainErr(prefix+".value",
					fmt.Sprintf("%s action %q requires a value", a.Type, a.ID)))
			}
		case "evaluate":
			if a.ValueString() == "" {
				errs = append(errs, domainErr(prefix+".value",
					fmt.Sprintf("evaluate action %q requires a script expression value", a.ID)))
			}
		case "conditional", "loop", "retry":
			if len(a.Actions) == 0 {
				errs = append(errs, domainErr(prefix+".actions",
					fmt.Sprintf("%s action %q requires a non-empty nested actions list", a.Type, a.ID)))
			}
		}

		if !a.IsComposite() && len(a.Actions) > 0 {
			errs = append(errs, domainWarn(prefix+".actions",
				fmt.Sprintf("nested actions on leaf action %q are ignored", a.ID)))
		}

		if a.Retries != nil && *a.Retries < 0 {
			errs = append(errs, domainErr(prefix+".retries", "retries must be >= 0"))
		}
		if a.Timeout < 0 {
			errs = append(errs, domainErr(prefix+".timeout", "timeout must be >= 0"))
		}

		for j, c := range a.Conditions {
			errs = append(errs, validateCondition(fmt.Sprintf("%s.conditions[%d]", prefix, j), a.ID, c)...)
		}

		if a.IsComposite() {
			errs = append(errs, validateActions(a.Actions, prefix+".actions", depth+1, seen)...)
		}
	}

	return errs
}

// validateCondition checks a single predicate's shape.
func validateCondition(path, actionID string, c Condition) []*ValidationError {
	var errs []*ValidationError

	if !slices.Contains(ConditionTypes, c.Type) {
		errs = append(errs, domainErr(path+".type", fmt.Sprintf("unknown condition type %q", c.Type)))
		return errs
	}

	switch c.Type {
	case "exists", "not_exists", "visible", "hidden", "contains", "not_contains":
		if c.Selector == "" {
			errs = append(errs, domainErr(path+".selector",
				fmt.Sprintf("%s condition on action %q requires a selector", c.Type, actionID)))
		}
	case "equals", "not_equals":
		if c.Selector == "" && c.Variable == "" {
			errs = append(errs, domainErr(path,
				fmt.Sprintf("%s condition on action %q requires a selector or a variable", c.Type, actionID)))
		}
	}

	switch c.Type {
	case "contains", "not_contains", "equals", "not_equals":
		if c.Value == nil {
			errs = append(errs, domainWarn(path+".value",
				fmt.Sprintf("%s condition on action %q compares against an empty value", c.Type, actionID)))
		}
	}

	return errs
}

func domainErr(path, msg string) *ValidationError {
	return &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: "error"}
}

func domainWarn(path, msg string) *ValidationError {
	return &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: "warning"}
}
