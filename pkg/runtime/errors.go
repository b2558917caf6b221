package runtime

import "fmt"

// ActionError reports a single action whose dispatch failed after its
// retry budget was exhausted.
type ActionError struct {
	ActionID string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q: %v", e.ActionID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ExtractionError reports a required extraction rule that matched
// nothing. Always aborts the run.
type ExtractionError struct {
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("required extraction rule %q failed: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("required extraction rule %q matched no elements", e.Field)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
