package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opportunet/playbook/pkg/browser"
	"github.com/opportunet/playbook/pkg/schema"
)

func intPtr(n int) *int { return &n }

// listingPage builds a fixture page with two result cards, the shape
// most scraping playbooks target.
func listingPage() *browser.ReplayPage {
	return &browser.ReplayPage{
		URL: "*",
		Elements: map[string][]browser.Element{
			"body":       {{Text: "page"}},
			".results":   {{Text: "2 results"}},
			".card h2":   {{Text: "Research Grant"}, {Text: "Travel Grant"}},
			".card a":    {{Text: "more", Attributes: map[string]string{"href": "/a"}}, {Text: "more", Attributes: map[string]string{"href": "/b"}}},
			".card .org": {{Text: "NSF"}},
			".next":      {{Text: ">"}},
		},
		Env: map[string]any{"resultCount": 2},
	}
}

func listingPlaybook() *schema.Playbook {
	return &schema.Playbook{
		ID:      "listing",
		Name:    "Listing scrape",
		Version: "1.0.0",
		Actions: []schema.Action{
			{ID: "open", Type: "navigate", Value: "https://example.org/grants"},
			{ID: "settle", Type: "wait", Selector: ".results"},
		},
		ExtractionRules: []schema.ExtractionRule{
			{Field: "title", Selector: ".card h2", Transform: "trim"},
			{Field: "url", Selector: ".card a", Attribute: "href"},
			{Field: "organization", Selector: ".card .org"},
		},
	}
}

func TestRunExtractsOpportunities(t *testing.T) {
	session := browser.NewReplaySession(listingPage())
	result := New(listingPlaybook(), session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	if len(result.Opportunities) != 2 {
		t.Fatalf("opportunities = %d, want 2", len(result.Opportunities))
	}

	first := result.Opportunities[0]
	if first.Title != "Research Grant" || first.URL != "/a" {
		t.Errorf("first record = %+v", first)
	}
	if second := result.Opportunities[1]; second.Title != "Travel Grant" || second.URL != "/b" {
		t.Errorf("second record = %+v", second)
	}
	// The single-element organization field broadcasts to every record.
	for _, opp := range result.Opportunities {
		if opp.Organization != "NSF" {
			t.Errorf("organization = %q, want NSF", opp.Organization)
		}
		if opp.Source.PlaybookID != "listing" || opp.Source.PageURL == "" {
			t.Errorf("provenance = %+v", opp.Source)
		}
	}

	if session.CloseCalls != 1 {
		t.Errorf("close calls = %d, want exactly 1", session.CloseCalls)
	}
	if result.Context.ActionsExecuted != 2 {
		t.Errorf("actions executed = %d, want 2", result.Context.ActionsExecuted)
	}
}

func TestRunSubstitutesVariables(t *testing.T) {
	pb := listingPlaybook()
	pb.Variables = map[string]any{"siteId": "default-site"}
	pb.Actions[0].Value = "https://example.org/${siteId}?q=${missing}"

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), map[string]any{"siteId": "nsf"})

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	// Overrides win over definition defaults; unresolved tokens stay literal.
	wantNav := "navigate https://example.org/nsf?q=${missing}"
	found := false
	for _, op := range session.Ops {
		if op == wantNav {
			found = true
		}
	}
	if !found {
		t.Errorf("ops = %v, want %q", session.Ops, wantNav)
	}

	warned := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "${missing}") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("warnings = %v, want unresolved-variable warning", result.Warnings)
	}
}

// TestGuardSkipsAction checks that a false guard skips the action,
// counts it as success and leaves the rest of the run intact.
func TestGuardSkipsAction(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:         "paginate",
		Type:       "click",
		Selector:   ".absent",
		Conditions: []schema.Condition{{Type: "exists", Selector: ".absent"}},
	})

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	var skipped *ActionResult
	for _, r := range result.Context.ActionResults {
		if r.ActionID == "paginate" {
			skipped = r
		}
	}
	if skipped == nil || !skipped.Skipped || !skipped.Success {
		t.Errorf("paginate result = %+v, want skipped success", skipped)
	}
	for _, op := range session.Ops {
		if strings.HasPrefix(op, "click") {
			t.Errorf("skipped action reached the session: %v", session.Ops)
		}
	}
}

func TestRetryBudgetAndBackoff(t *testing.T) {
	pb := listingPlaybook()
	pb.ErrorHandling.RetryDelay = 10
	pb.Actions = append(pb.Actions, schema.Action{
		ID:       "flaky",
		Type:     "click",
		Selector: ".absent",
		Retries:  intPtr(2),
		Timeout:  20,
	})

	session := browser.NewReplaySession(listingPage())
	start := time.Now()
	result := New(pb, session).Run(context.Background(), nil)
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("expected failed run")
	}
	attempts := 0
	for _, r := range result.Context.ActionResults {
		if r.ActionID == "flaky" && !r.Success {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 1 initial + 2 retries", attempts)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("elapsed %v, want at least two 10ms backoff waits", elapsed)
	}
	if session.CloseCalls != 1 {
		t.Errorf("close calls = %d, want 1 on the abort path too", session.CloseCalls)
	}
}

// TestOptionalActionFailureDegradesToWarning checks that an exhausted
// optional action never fails the run.
func TestOptionalActionFailureDegradesToWarning(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:       "banner",
		Type:     "click",
		Selector: ".cookie-banner",
		Optional: true,
		Retries:  intPtr(0),
		Timeout:  10,
	})

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("optional failure must not fail the run: %v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "banner") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want optional-failure warning", result.Warnings)
	}
}

func TestContinueOnErrorKeepsGoing(t *testing.T) {
	pb := listingPlaybook()
	pb.ErrorHandling.ContinueOnError = true
	pb.Actions = []schema.Action{
		{ID: "open", Type: "navigate", Value: "https://example.org/grants"},
		{ID: "broken", Type: "click", Selector: ".absent", Retries: intPtr(0), Timeout: 10},
		{ID: "settle", Type: "wait", Selector: ".results"},
	}

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	// The failed action still marks the run unsuccessful, but later
	// actions and the extraction phase run.
	if result.Success {
		t.Fatal("expected unsuccessful run")
	}
	if len(result.Opportunities) != 2 {
		t.Errorf("opportunities = %d, want extraction to still run", len(result.Opportunities))
	}
	if result.Context.ActionsExecuted != 2 {
		t.Errorf("actions executed = %d, want the non-broken pair", result.Context.ActionsExecuted)
	}
}

// TestLoopHonorsIterationCap runs a loop whose guard never turns false
// and expects exactly the configured number of iterations.
func TestLoopHonorsIterationCap(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:         "page-through",
		Type:       "loop",
		Value:      3,
		Conditions: []schema.Condition{{Type: "exists", Selector: ".next"}},
		Actions: []schema.Action{
			{ID: "next", Type: "click", Selector: ".next"},
		},
	})

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	clicks := 0
	for _, op := range session.Ops {
		if op == "click .next" {
			clicks++
		}
	}
	if clicks != 3 {
		t.Errorf("clicks = %d, want exactly the iteration cap", clicks)
	}
}

func TestLoopStopsWhenConditionTurnsFalse(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:         "page-through",
		Type:       "loop",
		Value:      10,
		Conditions: []schema.Condition{{Type: "exists", Selector: ".absent"}},
		Actions: []schema.Action{
			{ID: "next", Type: "click", Selector: ".next"},
		},
	})

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	for _, op := range session.Ops {
		if op == "click .next" {
			t.Errorf("loop body ran despite false condition: %v", session.Ops)
		}
	}
}

// TestRetryBlockRecoversFromSlowSelector drives a retry composite whose
// child only succeeds on the third attempt.
func TestRetryBlockRecoversFromSlowSelector(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:    "settle-late",
		Type:  "retry",
		Value: 3,
		Actions: []schema.Action{
			{ID: "late", Type: "wait", Selector: ".late", Retries: intPtr(0), Timeout: 10},
		},
	})

	page := listingPage()
	page.Elements[".late"] = []browser.Element{{Text: "late"}}
	session := browser.NewReplaySession(page)
	session.AppearAfter[".late"] = 2

	result := New(pb, session).Run(context.Background(), nil)
	if !result.Success {
		t.Fatalf("retry block did not recover: %v", result.Errors)
	}
}

func TestConditionalRunsBranchOnlyWhenTrue(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions,
		schema.Action{
			ID:         "when-results",
			Type:       "conditional",
			Conditions: []schema.Condition{{Type: "contains", Selector: ".results", Value: "results"}},
			Actions: []schema.Action{
				{ID: "scroll-down", Type: "scroll", Value: 400},
			},
		},
		schema.Action{
			ID:         "when-empty",
			Type:       "conditional",
			Conditions: []schema.Condition{{Type: "equals", Selector: ".results", Value: "0 results"}},
			Actions: []schema.Action{
				{ID: "never", Type: "click", Selector: ".next"},
			},
		},
	)

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	scrolled, clicked := false, false
	for _, op := range session.Ops {
		if op == "scrollBy 400" {
			scrolled = true
		}
		if op == "click .next" {
			clicked = true
		}
	}
	if !scrolled {
		t.Errorf("true branch did not run: %v", session.Ops)
	}
	if clicked {
		t.Errorf("false branch ran: %v", session.Ops)
	}
}

func TestEvaluateProjectsVariables(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:        "count",
		Type:      "evaluate",
		Value:     "resultCount",
		Variables: map[string]string{"total": "."},
	})

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	if got := result.Context.Variables["total"]; got != 2 {
		t.Errorf("total = %v (%T), want 2", got, got)
	}
	if _, ok := result.Context.ExtractedData["count"]; !ok {
		t.Error("evaluate result missing from extractedData")
	}
}

func TestExtractActionProjectsAttribute(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:        "org",
		Type:      "extract",
		Selector:  ".card .org",
		Variables: map[string]string{"orgName": "text"},
	})

	session := browser.NewReplaySession(listingPage())
	result := New(pb, session).Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}
	if got := result.Context.Variables["orgName"]; got != "NSF" {
		t.Errorf("orgName = %v, want NSF", got)
	}
}

func TestRunDeadlineAborts(t *testing.T) {
	pb := listingPlaybook()
	pb.Actions = append(pb.Actions, schema.Action{
		ID:      "long-pause",
		Type:    "wait",
		Value:   5000,
		Retries: intPtr(0),
	})

	session := browser.NewReplaySession(listingPage())
	start := time.Now()
	result := New(pb, session, WithRunTimeout(50*time.Millisecond)).Run(context.Background(), nil)
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("expected deadline abort")
	}
	if elapsed > 2*time.Second {
		t.Errorf("deadline did not cut the wait short: %v", elapsed)
	}
	if session.CloseCalls != 1 {
		t.Errorf("close calls = %d, want the page closed after a deadline abort", session.CloseCalls)
	}
}

func TestNavigateRecordsCurrentURL(t *testing.T) {
	session := browser.NewReplaySession(listingPage())
	result := New(listingPlaybook(), session).Run(context.Background(), nil)

	if got := result.Context.Variables["currentUrl"]; got != "https://example.org/grants" {
		t.Errorf("currentUrl = %v", got)
	}
}
