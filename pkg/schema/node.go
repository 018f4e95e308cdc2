package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Node is one JSON-schema-style object with its keys kept in document order.
// Values are string, json.Number, bool, nil, *Node, []any, or whatever a
// settings provider supplied.
type Node struct {
	keys   []string
	values map[string]any
}

// Entry is one key/value pair of a Node.
type Entry struct {
	Key   string
	Value any
}

// NewNode returns an empty Node.
func NewNode() *Node {
	return &Node{values: make(map[string]any)}
}

// Len returns the number of keys.
func (n *Node) Len() int {
	return len(n.keys)
}

// Keys returns a copy of the keys in order.
func (n *Node) Keys() []string {
	out := make([]string, len(n.keys))
	copy(out, n.keys)
	return out
}

// Entries returns a snapshot of the node's pairs in order. Mutating the node
// afterwards does not affect the snapshot.
func (n *Node) Entries() []Entry {
	out := make([]Entry, len(n.keys))
	for i, k := range n.keys {
		out[i] = Entry{Key: k, Value: n.values[k]}
	}
	return out
}

// Get returns the value stored under key.
func (n *Node) Get(key string) (any, bool) {
	v, ok := n.values[key]
	return v, ok
}

// Has reports whether key is present.
func (n *Node) Has(key string) bool {
	_, ok := n.values[key]
	return ok
}

// Set stores v under key. An existing key keeps its position.
func (n *Node) Set(key string, v any) {
	if n.values == nil {
		n.values = make(map[string]any)
	}
	if _, ok := n.values[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.values[key] = v
}

// Delete removes key and returns the value it held.
func (n *Node) Delete(key string) (any, bool) {
	v, ok := n.values[key]
	if !ok {
		return nil, false
	}
	delete(n.values, key)
	for i, k := range n.keys {
		if k == key {
			n.keys = append(n.keys[:i], n.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Parse decodes a JSON object into a Node.
func Parse(data []byte) (*Node, error) {
	n := NewNode()
	if err := n.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return n, nil
}

// ParseList decodes a JSON array of objects into Nodes.
func ParseList(data []byte) ([]*Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("schema: invalid JSON")
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		return nil, fmt.Errorf("schema: expected array, got %s", res.Type)
	}
	var out []*Node
	for i, elem := range res.Array() {
		if !elem.IsObject() {
			return nil, fmt.Errorf("schema: element %d is not an object", i)
		}
		out = append(out, fromObject(elem))
	}
	return out, nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (n *Node) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("schema: invalid JSON")
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return fmt.Errorf("schema: expected object, got %s", res.Type)
	}
	*n = *fromObject(res)
	return nil
}

// MarshalJSON encodes the node with its keys in order.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range n.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(n.values[k])
		if err != nil {
			return nil, fmt.Errorf("schema: encode %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a deep copy of the node. Nested nodes and sequences are
// copied; other values are shared.
func (n *Node) Clone() *Node {
	out := NewNode()
	for _, k := range n.keys {
		out.Set(k, cloneValue(n.values[k]))
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case *Node:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func fromObject(res gjson.Result) *Node {
	n := NewNode()
	res.ForEach(func(key, value gjson.Result) bool {
		n.Set(key.Str, fromResult(value))
		return true
	})
	return n
}

func fromResult(res gjson.Result) any {
	switch res.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return json.Number(res.Raw)
	case gjson.String:
		return res.Str
	}
	if res.IsObject() {
		return fromObject(res)
	}
	elems := res.Array()
	out := make([]any, len(elems))
	for i, e := range elems {
		out[i] = fromResult(e)
	}
	return out
}
