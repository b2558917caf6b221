package runtime

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// runExtraction applies the definition's extraction rules to the final
// page state, storing each rule's value list under its field in
// extractedData. A required rule that matches nothing aborts the run.
func (e *Engine) runExtraction(ctx context.Context) error {
	for _, rule := range e.playbook.ExtractionRules {
		selector, _ := Substitute(rule.Selector, e.state.Variables)

		elems, err := e.session.QueryAll(ctx, selector)
		if err != nil || len(elems) == 0 {
			if rule.Required {
				return &ExtractionError{Field: rule.Field, Err: err}
			}
			e.warnf("extraction rule %q matched nothing, using default", rule.Field)
			if rule.DefaultValue != nil {
				e.state.ExtractedData[rule.Field] = rule.DefaultValue
			}
			continue
		}

		values := make([]any, 0, len(elems))
		for _, el := range elems {
			var raw string
			switch rule.Attribute {
			case "", "text":
				raw = el.Text
			case "html":
				raw = el.HTML
			default:
				raw = el.Attributes[rule.Attribute]
			}
			values = append(values, applyTransform(rule.Transform, raw))
		}
		// A single match stores as a scalar so it broadcasts across all
		// assembled records; multiple matches zip by index.
		if len(values) == 1 {
			e.state.ExtractedData[rule.Field] = values[0]
		} else {
			e.state.ExtractedData[rule.Field] = values
		}
	}
	return nil
}

// applyTransform post-processes one extracted value. Unknown transform
// names act as identity (validation already warned about them).
func applyTransform(name, value string) any {
	switch name {
	case "trim":
		return strings.TrimSpace(value)
	case "lower":
		return strings.ToLower(value)
	case "upper":
		return strings.ToUpper(value)
	case "number":
		cleaned := strings.TrimSpace(value)
		if n, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return n
		}
		return value
	default:
		return value
	}
}

// assembleOpportunities builds output records from extractedData using
// the zip/broadcast policy: array-valued fields are zipped by index,
// scalar fields are broadcast to every record. Candidates without both
// a title and a url are discarded.
func (e *Engine) assembleOpportunities(ctx context.Context) []Opportunity {
	data := e.state.ExtractedData

	n := 0
	for _, v := range data {
		if arr, ok := v.([]any); ok && len(arr) > n {
			n = len(arr)
		}
	}

	pageURL := toString(e.state.Variables["currentUrl"])
	if pageURL == "" {
		if u, err := e.session.URL(ctx); err == nil {
			pageURL = u
		}
	}
	prov := Provenance{
		PlaybookID:   e.playbook.ID,
		PlaybookName: e.playbook.Name,
		ExtractedAt:  time.Now().UTC(),
		PageURL:      pageURL,
	}

	count := n
	if count == 0 {
		count = 1
	}

	var opps []Opportunity
	for i := 0; i < count; i++ {
		fields := make(map[string]any, len(data))
		for field, v := range data {
			if arr, ok := v.([]any); ok {
				if i < len(arr) {
					fields[field] = arr[i]
				}
				continue
			}
			fields[field] = v
		}
		if opp, ok := buildOpportunity(fields, prov); ok {
			opps = append(opps, opp)
		}
	}
	return opps
}

// buildOpportunity maps a candidate field set onto the record shape.
// Returns false when the candidate lacks a non-empty title or url.
func buildOpportunity(fields map[string]any, prov Provenance) (Opportunity, bool) {
	opp := Opportunity{Source: prov}

	for field, v := range fields {
		s := toString(v)
		switch field {
		case "title":
			opp.Title = s
		case "url", "link":
			opp.URL = s
		case "organization", "org":
			opp.Organization = s
		case "description", "desc":
			opp.Description = s
		case "deadline":
			opp.Deadline = s
		case "location":
			opp.Location = s
		case "amount":
			opp.Amount = s
		default:
			if v == nil {
				continue
			}
			if opp.Extra == nil {
				opp.Extra = make(map[string]any)
			}
			opp.Extra[field] = v
		}
	}

	if opp.Title == "" || opp.URL == "" {
		return Opportunity{}, false
	}
	return opp, true
}
