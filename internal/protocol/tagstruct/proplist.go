package tagstruct

import (
	"strings"
)

// PropValue is a raw property value. Text values carry a trailing NUL.
type PropValue []byte

func TextValue(s string) PropValue {
	v := make(PropValue, len(s)+1)
	copy(v, s)
	return v
}

// Text returns the value without its terminator when it is NUL-terminated.
func (v PropValue) Text() (string, bool) {
	if len(v) == 0 || v[len(v)-1] != 0 {
		return "", false
	}
	return string(v[:len(v)-1]), true
}

type Prop struct {
	Key   string
	Value PropValue
}

// PropList is an ordered property list. Keys are unique.
type PropList []Prop

func (p PropList) Len() int {
	n := 2
	for _, prop := range p {
		n += String(prop.Key).Len() + 5 + 5 + len(prop.Value)
	}
	return n
}

func (p PropList) Put(b []byte) int {
	b[0] = byte(TagPropList)
	n := 1
	for _, prop := range p {
		n += String(prop.Key).Put(b[n:])
		n += U32(len(prop.Value)).Put(b[n:])
		n += Arbitrary(prop.Value).Put(b[n:])
	}
	b[n] = byte(TagStringNull)
	return n + 1
}

func (p PropList) Validate() error {
	for _, prop := range p {
		if prop.Key == "" {
			return invalid("property list has an empty key")
		}
		if err := String(prop.Key).Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p PropList) Get(key string) (PropValue, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return nil, false
}

// Text returns the text value of key, or "" when absent or binary.
func (p PropList) Text(key string) string {
	v, ok := p.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.Text()
	return s
}

// Set replaces the value of key in place or appends it.
func (p *PropList) Set(key string, v PropValue) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = v
			return
		}
	}
	*p = append(*p, Prop{Key: key, Value: v})
}

func (p *PropList) SetText(key, value string) {
	p.Set(key, TextValue(value))
}

// Tree expands dotted keys into a nested tree.
func (p PropList) Tree() *PropTree {
	t := NewPropTree()
	for _, prop := range p {
		t.Set(prop.Key, prop.Value)
	}
	return t
}

// PropTree is a property list viewed as nested groups, so that
// "device.api" and "device.description" live under one "device" node.
// A node may carry a value and children at the same time.
type PropTree struct {
	Value    PropValue
	HasValue bool

	keys     []string
	children map[string]*PropTree
}

func NewPropTree() *PropTree {
	return &PropTree{children: make(map[string]*PropTree)}
}

// Set stores v at the dotted path, creating intermediate nodes.
func (t *PropTree) Set(path string, v PropValue) {
	node := t
	for _, part := range strings.Split(path, ".") {
		node = node.child(part)
	}
	node.Value = v
	node.HasValue = true
}

func (t *PropTree) child(name string) *PropTree {
	if c, ok := t.children[name]; ok {
		return c
	}
	c := NewPropTree()
	t.children[name] = c
	t.keys = append(t.keys, name)
	return c
}

func (t *PropTree) Child(name string) (*PropTree, bool) {
	c, ok := t.children[name]
	return c, ok
}

// Lookup walks a dotted path.
func (t *PropTree) Lookup(path string) (*PropTree, bool) {
	node := t
	for _, part := range strings.Split(path, ".") {
		c, ok := node.children[part]
		if !ok {
			return nil, false
		}
		node = c
	}
	return node, true
}

// Keys returns child names in insertion order.
func (t *PropTree) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Flatten rebuilds the flat list, depth first in insertion order.
func (t *PropTree) Flatten() PropList {
	var out PropList
	t.flatten("", true, &out)
	return out
}

// flatten joins every non-root segment, empty ones included, so keys such
// as ".a" or "a..b" survive the round trip.
func (t *PropTree) flatten(prefix string, root bool, out *PropList) {
	for _, name := range t.keys {
		c := t.children[name]
		path := name
		if !root {
			path = prefix + "." + name
		}
		if c.HasValue {
			*out = append(*out, Prop{Key: path, Value: c.Value})
		}
		c.flatten(path, false, out)
	}
}
