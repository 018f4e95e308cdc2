// Package schema rewrites agent command schemas into operator-facing form
// schemas.
package schema

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Keys and markers the transformer recognizes.
const (
	DirectivePrefix = "_preprocess_"

	KeyAnyOf    = "anyOf"
	KeyType     = "type"
	KeyItems    = "items"
	KeyDefault  = "default"
	KeyReadOnly = "readOnly"

	TypeArray  = "array"
	TypeString = "string"
	TypeNull   = "null"
)

// Action is one directive the transformer knows how to apply.
type Action int

const (
	ActionCreateID Action = iota + 1
	ActionSettingsVal
)

var actionNames = map[string]Action{
	"create_id":    ActionCreateID,
	"settings_val": ActionSettingsVal,
}

func (a Action) String() string {
	switch a {
	case ActionCreateID:
		return "create_id"
	case ActionSettingsVal:
		return "settings_val"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction resolves a directive action name.
func ParseAction(name string) (Action, error) {
	a, ok := actionNames[name]
	if !ok {
		return 0, &UnknownDirectiveError{Action: name}
	}
	return a, nil
}

// Settings resolves named configuration values for settings_val.
type Settings interface {
	Setting(name string) (any, bool)
}

// MapSettings is a Settings backed by a plain map.
type MapSettings map[string]any

// Setting implements Settings.
func (m MapSettings) Setting(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Transformer rewrites schema documents in place.
type Transformer struct {
	settings Settings
	newID    func() string
}

// NewTransformer returns a Transformer reading settings_val values from
// settings. A nil settings provider defines no values.
func NewTransformer(settings Settings) *Transformer {
	if settings == nil {
		settings = MapSettings(nil)
	}
	return &Transformer{
		settings: settings,
		newID:    func() string { return uuid.New().String() },
	}
}

// Transform rewrites doc in place and returns it.
//
// Entries are visited in a snapshot of the node's order. Child nodes, and
// nodes held in sequences, are transformed before their parent's key is
// handled. An "anyOf" key merges every non-null alternative into the node and
// is removed. A "type" of "array" becomes "string" and drops "items". A
// _preprocess_<action> key is removed and its action applied to the node.
// A key removed by an earlier step of the same pass is skipped.
func (t *Transformer) Transform(doc *Node) (*Node, error) {
	if doc == nil {
		return nil, nil
	}
	for _, e := range doc.Entries() {
		if err := t.descend(e.Value); err != nil {
			return nil, err
		}
		if !doc.Has(e.Key) {
			continue
		}
		switch {
		case e.Key == KeyAnyOf:
			collapseUnion(doc)
		case e.Key == KeyType:
			collapseArray(doc)
		case strings.HasPrefix(e.Key, DirectivePrefix):
			arg, _ := doc.Delete(e.Key)
			action, err := ParseAction(strings.TrimPrefix(e.Key, DirectivePrefix))
			if err != nil {
				return nil, err
			}
			if err := t.apply(action, doc, arg); err != nil {
				return nil, err
			}
		}
	}
	return doc, nil
}

// TransformAll transforms each document and returns the same instances.
func (t *Transformer) TransformAll(docs []*Node) ([]*Node, error) {
	for i, d := range docs {
		if _, err := t.Transform(d); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
	}
	return docs, nil
}

func (t *Transformer) descend(v any) error {
	switch v := v.(type) {
	case *Node:
		_, err := t.Transform(v)
		return err
	case []any:
		for _, elem := range v {
			if n, ok := elem.(*Node); ok {
				if _, err := t.Transform(n); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (t *Transformer) apply(action Action, doc *Node, arg any) error {
	switch action {
	case ActionCreateID:
		doc.Set(KeyDefault, t.newID())
	case ActionSettingsVal:
		name, ok := arg.(string)
		if !ok {
			return &UnknownConfigKeyError{Name: fmt.Sprint(arg)}
		}
		val, ok := t.settings.Setting(name)
		if !ok {
			return &UnknownConfigKeyError{Name: name}
		}
		doc.Set(KeyDefault, val)
	default:
		return &UnknownDirectiveError{Action: action.String()}
	}
	doc.Set(KeyReadOnly, true)
	return nil
}

func collapseUnion(doc *Node) {
	raw, _ := doc.Delete(KeyAnyOf)
	alts, ok := raw.([]any)
	if !ok {
		return
	}
	for _, alt := range alts {
		n, ok := alt.(*Node)
		if !ok || isNullMarker(n) {
			continue
		}
		for _, e := range n.Entries() {
			doc.Set(e.Key, e.Value)
		}
	}
}

func isNullMarker(n *Node) bool {
	v, _ := n.Get(KeyType)
	return v == TypeNull
}

func collapseArray(doc *Node) {
	if v, _ := doc.Get(KeyType); v != TypeArray {
		return
	}
	doc.Delete(KeyItems)
	doc.Set(KeyType, TypeString)
}
