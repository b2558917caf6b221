package schema

import (
	"strings"
	"testing"
)

const minimalJSON = `{
  "id": "demo",
  "name": "Demo",
  "version": "1.0.0",
  "actions": [
    {"id": "open", "type": "navigate", "value": "https://example.org"}
  ]
}`

func TestLoadJSON(t *testing.T) {
	pb, err := Load(strings.NewReader(minimalJSON))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pb.ID != "demo" || len(pb.Actions) != 1 {
		t.Errorf("unexpected playbook: %+v", pb)
	}
	if pb.Actions[0].ValueString() != "https://example.org" {
		t.Errorf("value = %q", pb.Actions[0].ValueString())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	doc := `{"id": "demo", "name": "Demo", "version": "1.0.0", "actions": [], "bogus": true}`
	if _, err := Load(strings.NewReader(doc)); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	doc := "id: demo\nname: Demo\nversion: 1.0.0\nbogus: true\nactions: []\n"
	if _, err := LoadYAML(strings.NewReader(doc)); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestLoadYAML(t *testing.T) {
	doc := `
id: demo
name: Demo
version: 1.0.0
actions:
  - id: open
    type: navigate
    value: https://example.org
  - id: more
    type: loop
    value: 3
    conditions:
      - type: exists
        selector: ".next"
    actions:
      - id: next
        type: click
        selector: ".next"
`
	pb, err := LoadYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if len(pb.Actions) != 2 {
		t.Fatalf("actions = %d", len(pb.Actions))
	}
	loop := pb.Actions[1]
	if !loop.IsComposite() {
		t.Error("loop must be composite")
	}
	if loop.ValueInt(10) != 3 {
		t.Errorf("loop value = %d, want 3", loop.ValueInt(10))
	}
	if len(loop.Actions) != 1 || loop.Actions[0].ID != "next" {
		t.Errorf("nested actions = %+v", loop.Actions)
	}
}

func TestValueIntCoercions(t *testing.T) {
	cases := []struct {
		value any
		def   int
		want  int
	}{
		{nil, 10, 10},
		{5, 10, 5},
		{float64(7), 10, 7}, // JSON numbers decode as float64
		{"12", 10, 12},
		{"not a number", 10, 10},
	}
	for _, tc := range cases {
		a := Action{Value: tc.value}
		if got := a.ValueInt(tc.def); got != tc.want {
			t.Errorf("ValueInt(%v, %d) = %d, want %d", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestValueStringRendersNumbers(t *testing.T) {
	a := Action{Value: float64(3)}
	if got := a.ValueString(); got != "3" {
		t.Errorf("integral float renders %q, want \"3\"", got)
	}
	a.Value = 2.5
	if got := a.ValueString(); got != "2.5" {
		t.Errorf("fractional float renders %q, want \"2.5\"", got)
	}
	a.Value = true
	if got := a.ValueString(); got != "true" {
		t.Errorf("bool renders %q", got)
	}
}

func TestGenerateJSONSchemaMentionsActionTypes(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	doc := string(data)
	for _, typ := range ActionTypes {
		if !strings.Contains(doc, typ) {
			t.Errorf("schema is missing action type %q", typ)
		}
	}
}
