// Package validate checks operator-supplied command arguments against the
// raw argument schema an agent package declares.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"deaddrop/pkg/catalog"
	"deaddrop/pkg/schema"
)

// GlobalKey is the bucket for errors about the arguments as a whole.
const GlobalKey = "global"

// ArgumentErrors is the per-field report of a failed validation. The
// "global" bucket is always present; each other bucket holds the last error
// reported for that field name.
type ArgumentErrors struct {
	Command string
	Fields  map[string][]string
}

func (e *ArgumentErrors) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k, msgs := range e.Fields {
		if len(msgs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Command, strings.Join(parts, ", "))
}

// MarshalJSON encodes the report as {"global": [...], "<field>": [...]}.
func (e *ArgumentErrors) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields)
}

// Validator validates arguments and renders messages in one language.
type Validator struct {
	printer *message.Printer
}

// New returns a Validator whose messages are rendered for tag.
func New(tag language.Tag) *Validator {
	return &Validator{printer: message.NewPrinter(tag)}
}

var english = New(language.English)

// Validate checks args against def's argument schema using English
// messages.
func Validate(def catalog.CommandDefinition, args map[string]any) error {
	return english.Validate(def, args)
}

// Validate checks args against def's argument schema (JSON Schema draft
// 2020-12). It returns nil, *ArgumentErrors, or an error describing a schema
// that could not be compiled.
func (v *Validator) Validate(def catalog.CommandDefinition, args map[string]any) error {
	sch, err := compile(def.ArgumentSchema)
	if err != nil {
		return fmt.Errorf("command %s: %w", def.Name, err)
	}

	if args == nil {
		args = map[string]any{}
	}
	inst, err := normalize(args)
	if err != nil {
		return fmt.Errorf("command %s: %w", def.Name, err)
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("command %s: validate arguments: %w", def.Name, err)
	}

	report := &ArgumentErrors{Command: def.Name, Fields: map[string][]string{GlobalKey: {}}}
	for _, leaf := range leaves(ve) {
		msg := leaf.ErrorKind.LocalizedString(v.printer)
		if len(leaf.InstanceLocation) == 0 {
			report.Fields[GlobalKey] = append(report.Fields[GlobalKey], msg)
			continue
		}
		field := leaf.InstanceLocation[len(leaf.InstanceLocation)-1]
		report.Fields[field] = []string{msg}
	}
	return report
}

const resourceURL = "command.json"

func compile(argSchema *schema.Node) (*jsonschema.Schema, error) {
	if argSchema == nil {
		argSchema = schema.NewNode()
	}
	raw, err := json.Marshal(argSchema)
	if err != nil {
		return nil, fmt.Errorf("encode argument schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode argument schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add argument schema: %w", err)
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile argument schema: %w", err)
	}
	return sch, nil
}

// normalize round-trips args through JSON so the validator sees only the
// value types a JSON decoder produces.
func normalize(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return inst, nil
}

// leaves flattens the error tree into the errors that describe a single
// failure. anyOf and oneOf failures are reported as themselves rather than
// as every alternative's complaint.
func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	switch ve.ErrorKind.(type) {
	case *kind.AnyOf, *kind.OneOf:
		return []*jsonschema.ValidationError{ve}
	}
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
