package validate_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"deaddrop/pkg/catalog"
	"deaddrop/pkg/schema"
	"deaddrop/pkg/validate"
)

func command(t *testing.T, name, argSchema string) catalog.CommandDefinition {
	t.Helper()
	n, err := schema.Parse([]byte(argSchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return catalog.CommandDefinition{Name: name, ArgumentSchema: n}
}

func argumentErrors(t *testing.T, err error) *validate.ArgumentErrors {
	t.Helper()
	var ae *validate.ArgumentErrors
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *ArgumentErrors", err)
	}
	return ae
}

const sleepSchema = `{
  "type": "object",
  "properties": {
    "count": {"type": "integer"},
    "label": {"anyOf": [{"type": "string"}, {"type": "null"}], "default": null},
    "opts": {"type": "object", "properties": {"depth": {"type": "integer", "minimum": 1}}}
  },
  "required": ["count"]
}`

func TestValidate_Valid(t *testing.T) {
	def := command(t, "sleep", sleepSchema)
	for _, args := range []map[string]any{
		{"count": 5},
		{"count": 5.0, "label": nil},
		{"count": 1, "label": "nap", "opts": map[string]any{"depth": 2}},
	} {
		if err := validate.Validate(def, args); err != nil {
			t.Errorf("Validate(%v) = %v", args, err)
		}
	}
}

func TestValidate_WrongTypeGoesToFieldBucket(t *testing.T) {
	def := command(t, "sleep", sleepSchema)
	ae := argumentErrors(t, validate.Validate(def, map[string]any{"count": "five"}))

	if msgs := ae.Fields["count"]; len(msgs) != 1 || msgs[0] == "" {
		t.Fatalf("count bucket = %v", ae.Fields)
	}
	if len(ae.Fields[validate.GlobalKey]) != 0 {
		t.Fatalf("global bucket = %v, want empty", ae.Fields[validate.GlobalKey])
	}
}

func TestValidate_MissingRequiredGoesToGlobal(t *testing.T) {
	def := command(t, "sleep", sleepSchema)
	ae := argumentErrors(t, validate.Validate(def, map[string]any{}))

	global := ae.Fields[validate.GlobalKey]
	if len(global) != 1 || !strings.Contains(global[0], "count") {
		t.Fatalf("global = %v", global)
	}
	if _, ok := ae.Fields["count"]; ok {
		t.Fatalf("unexpected count bucket: %v", ae.Fields)
	}
}

func TestValidate_NestedFieldUsesLastSegment(t *testing.T) {
	def := command(t, "sleep", sleepSchema)
	ae := argumentErrors(t, validate.Validate(def, map[string]any{"count": 1, "opts": map[string]any{"depth": 0}}))
	if len(ae.Fields["depth"]) != 1 {
		t.Fatalf("fields = %v, want depth bucket", ae.Fields)
	}
	if _, ok := ae.Fields["opts"]; ok {
		t.Fatalf("nested error reported under parent: %v", ae.Fields)
	}
}

func TestValidate_AnyOfReportedOnce(t *testing.T) {
	def := command(t, "sleep", sleepSchema)
	ae := argumentErrors(t, validate.Validate(def, map[string]any{"count": 1, "label": 7}))
	if msgs := ae.Fields["label"]; len(msgs) != 1 {
		t.Fatalf("label bucket = %v", msgs)
	}
}

func TestValidate_LastWriteWinsPerField(t *testing.T) {
	def := command(t, "pick", `{"type":"object","properties":{"n":{"type":"integer","multipleOf":2,"minimum":10}}}`)
	ae := argumentErrors(t, validate.Validate(def, map[string]any{"n": 3}))
	if msgs := ae.Fields["n"]; len(msgs) != 1 {
		t.Fatalf("n bucket = %v, want exactly one message", msgs)
	}
}

func TestValidate_EmptySchemaAcceptsAnything(t *testing.T) {
	def := catalog.CommandDefinition{Name: "whoami"}
	if err := validate.Validate(def, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	def = command(t, "whoami", `{"type":"object","properties":{},"required":[]}`)
	if err := validate.Validate(def, map[string]any{}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_BadSchemaIsNotArgumentErrors(t *testing.T) {
	def := command(t, "broken", `{"type": 12}`)
	err := validate.Validate(def, map[string]any{})
	if err == nil {
		t.Fatal("Validate with malformed schema succeeded")
	}
	var ae *validate.ArgumentErrors
	if errors.As(err, &ae) {
		t.Fatalf("malformed schema reported as argument errors: %v", err)
	}
}

func TestArgumentErrors_JSONShape(t *testing.T) {
	def := command(t, "sleep", sleepSchema)
	ae := argumentErrors(t, validate.Validate(def, map[string]any{"count": "five"}))

	b, err := json.Marshal(ae)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var shape map[string][]string
	if err := json.Unmarshal(b, &shape); err != nil {
		t.Fatalf("report is not {string: [string]}: %s", b)
	}
	if _, ok := shape["global"]; !ok {
		t.Fatalf("report missing global: %s", b)
	}
	if !strings.Contains(ae.Error(), "count") {
		t.Errorf("Error() = %q", ae.Error())
	}
}
