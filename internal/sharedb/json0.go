package sharedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Component is one json0 operation component.
//
// P is the path: strings for object keys, numbers for list indices. For string
// operations (si/sd) the last path element is the character offset.
type Component struct {
	P  []any           `json:"p"`
	LI json.RawMessage `json:"li,omitempty"`
	LD json.RawMessage `json:"ld,omitempty"`
	LM *int            `json:"lm,omitempty"`
	OI json.RawMessage `json:"oi,omitempty"`
	OD json.RawMessage `json:"od,omitempty"`
	SI *string         `json:"si,omitempty"`
	SD *string         `json:"sd,omitempty"`
	NA *float64        `json:"na,omitempty"`
}

var ErrBadPath = errors.New("json0: path does not match document")

// Field returns the top-level field the component touches ("" for a root op).
func (c Component) Field() string {
	if len(c.P) == 0 {
		return ""
	}
	s, _ := c.P[0].(string)
	return s
}

// Index returns path element i as a list index.
func (c Component) Index(i int) (int, bool) {
	if i < 0 || i >= len(c.P) {
		return 0, false
	}
	return pathIndex(c.P[i])
}

func (c Component) IsListInsert() bool { return present(c.LI) }
func (c Component) IsListDelete() bool { return present(c.LD) }
func (c Component) IsListMove() bool   { return c.LM != nil }

// InsertedString returns li decoded as a string (ids in childIds/memberIds).
func (c Component) InsertedString() (string, bool) { return rawString(c.LI) }

// DeletedString returns ld decoded as a string.
func (c Component) DeletedString() (string, bool) { return rawString(c.LD) }

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func rawString(raw json.RawMessage) (string, bool) {
	if !present(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func rawValue(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func pathIndex(p any) (int, bool) {
	switch n := p.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, n >= 0
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil && i >= 0
	}
	return 0, false
}

// Apply applies ops in order to doc (as produced by encoding/json into any) and returns
// the new document. Maps are mutated in place; callers that need the old value must copy.
func Apply(doc any, ops []Component) (any, error) {
	var err error
	for i, c := range ops {
		doc, err = applyComponent(doc, c)
		if err != nil {
			return doc, fmt.Errorf("json0 component %d (p=%v): %w", i, c.P, err)
		}
	}
	return doc, nil
}

func applyComponent(doc any, c Component) (any, error) {
	if len(c.P) == 0 {
		// Only whole-document replacement is meaningful at the root.
		if present(c.OI) {
			return rawValue(c.OI)
		}
		if present(c.OD) {
			return nil, nil
		}
		return doc, nil
	}
	return applyAt(doc, c.P, c)
}

func applyAt(v any, path []any, c Component) (any, error) {
	if len(path) == 1 {
		return applyLeaf(v, path[0], c)
	}
	switch x := v.(type) {
	case map[string]any:
		k, ok := path[0].(string)
		if !ok {
			return v, ErrBadPath
		}
		nv, err := applyAt(x[k], path[1:], c)
		if err != nil {
			return v, err
		}
		x[k] = nv
		return x, nil
	case []any:
		i, ok := pathIndex(path[0])
		if !ok || i >= len(x) {
			return v, ErrBadPath
		}
		nv, err := applyAt(x[i], path[1:], c)
		if err != nil {
			return v, err
		}
		x[i] = nv
		return x, nil
	}
	return v, ErrBadPath
}

func applyLeaf(v any, key any, c Component) (any, error) {
	// String ops address an offset inside v.
	if c.SI != nil || c.SD != nil {
		s, _ := v.(string)
		off, ok := pathIndex(key)
		rs := []rune(s)
		if !ok || off > len(rs) {
			return v, ErrBadPath
		}
		if c.SD != nil {
			n := len([]rune(*c.SD))
			if off+n > len(rs) {
				return v, ErrBadPath
			}
			rs = append(rs[:off:off], rs[off+n:]...)
		}
		if c.SI != nil {
			ins := []rune(*c.SI)
			rs = append(rs[:off:off], append(ins, rs[off:]...)...)
		}
		return string(rs), nil
	}

	switch x := v.(type) {
	case []any:
		i, ok := pathIndex(key)
		if !ok {
			return v, ErrBadPath
		}
		return applyList(x, i, c)
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return v, ErrBadPath
		}
		return applyObject(x, k, c)
	case nil:
		// Inserting into a missing container creates it.
		if present(c.OI) {
			if k, ok := key.(string); ok {
				return applyObject(map[string]any{}, k, c)
			}
		}
		if present(c.LI) {
			if i, ok := pathIndex(key); ok && i == 0 {
				return applyList([]any{}, i, c)
			}
		}
	}
	return v, ErrBadPath
}

func applyList(x []any, i int, c Component) (any, error) {
	switch {
	case c.LM != nil:
		to := *c.LM
		if i >= len(x) || to < 0 || to >= len(x) {
			return x, ErrBadPath
		}
		if i == to {
			return x, nil
		}
		item := x[i]
		x = append(x[:i], x[i+1:]...)
		x = append(x[:to], append([]any{item}, x[to:]...)...)
		return x, nil
	case present(c.LI) && present(c.LD):
		if i >= len(x) {
			return x, ErrBadPath
		}
		nv, err := rawValue(c.LI)
		if err != nil {
			return x, err
		}
		x[i] = nv
		return x, nil
	case present(c.LI):
		if i > len(x) {
			return x, ErrBadPath
		}
		nv, err := rawValue(c.LI)
		if err != nil {
			return x, err
		}
		return append(x[:i], append([]any{nv}, x[i:]...)...), nil
	case present(c.LD):
		if i >= len(x) {
			return x, ErrBadPath
		}
		return append(x[:i], x[i+1:]...), nil
	case c.NA != nil:
		if i >= len(x) {
			return x, ErrBadPath
		}
		n, ok := x[i].(float64)
		if !ok {
			return x, ErrBadPath
		}
		x[i] = n + *c.NA
		return x, nil
	}
	return x, nil
}

func applyObject(x map[string]any, k string, c Component) (any, error) {
	switch {
	case present(c.OI):
		nv, err := rawValue(c.OI)
		if err != nil {
			return x, err
		}
		x[k] = nv
	case present(c.OD):
		delete(x, k)
	case c.NA != nil:
		n, _ := x[k].(float64)
		x[k] = n + *c.NA
	}
	return x, nil
}
