package runtime

import (
	"context"
	"strings"

	"github.com/opportunet/playbook/pkg/schema"
)

// evalConditions reports whether every condition in the list holds.
// A condition list is an implicit AND; an empty list is true.
func (e *Engine) evalConditions(ctx context.Context, conds []schema.Condition) bool {
	for _, c := range conds {
		if !e.evalCondition(ctx, c) {
			return false
		}
	}
	return true
}

// evalCondition evaluates one predicate against page state or context
// variables. Pure read; never mutates. Any error during evaluation
// degrades to false; a condition failure never aborts the run by
// itself.
func (e *Engine) evalCondition(ctx context.Context, c schema.Condition) bool {
	selector, _ := Substitute(c.Selector, e.state.Variables)

	switch c.Type {
	case "exists":
		elems, err := e.session.QueryAll(ctx, selector)
		return err == nil && len(elems) > 0

	case "not_exists":
		elems, err := e.session.QueryAll(ctx, selector)
		return err == nil && len(elems) == 0

	case "visible":
		visible, err := e.session.IsVisible(ctx, selector)
		return err == nil && visible

	case "hidden":
		visible, err := e.session.IsVisible(ctx, selector)
		return err == nil && !visible

	case "contains":
		text, found, err := e.firstMatchText(ctx, selector)
		return err == nil && found && strings.Contains(text, c.ValueString())

	case "not_contains":
		text, found, err := e.firstMatchText(ctx, selector)
		if err != nil {
			return false
		}
		if !found {
			// Missing element: nothing contains the value.
			return true
		}
		return !strings.Contains(text, c.ValueString())

	case "equals":
		if c.Variable != "" {
			return toString(e.state.Variables[c.Variable]) == c.ValueString()
		}
		text, found, err := e.firstMatchText(ctx, selector)
		return err == nil && found && strings.TrimSpace(text) == c.ValueString()

	case "not_equals":
		if c.Variable != "" {
			return toString(e.state.Variables[c.Variable]) != c.ValueString()
		}
		text, found, err := e.firstMatchText(ctx, selector)
		return err == nil && found && strings.TrimSpace(text) != c.ValueString()
	}

	return false
}

// firstMatchText returns the text content of the first element matching
// the selector, and whether anything matched at all.
func (e *Engine) firstMatchText(ctx context.Context, selector string) (string, bool, error) {
	elems, err := e.session.QueryAll(ctx, selector)
	if err != nil {
		return "", false, err
	}
	if len(elems) == 0 {
		return "", false, nil
	}
	return elems[0].Text, true, nil
}
