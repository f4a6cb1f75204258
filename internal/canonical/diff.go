package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// FieldChange records one field moving between snapshots. From is nil for
// insertions, To is nil for deletions.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Diff compares two entity snapshots and returns field → {from, to}.
// Paths are dotted ("price.amount"). Sequences of objects carrying an
// "external_key" are matched by key ("variants[xlt].title"); a pure
// reordering of a sequence appears as a single "<field>.order" change.
func Diff(prev, next any) (map[string]FieldChange, error) {
	pm, err := toTree(prev)
	if err != nil {
		return nil, err
	}
	nm, err := toTree(next)
	if err != nil {
		return nil, err
	}

	out := make(map[string]FieldChange)
	diffValue("", pm, nm, out)
	return out, nil
}

func toTree(v any) (any, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding canonical form: %w", err)
	}
	return tree, nil
}

func diffValue(path string, a, b any, out map[string]FieldChange) {
	if reflect.DeepEqual(a, b) {
		return
	}

	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		for k := range am {
			diffValue(join(path, k), am[k], bm[k], out)
		}
		for k := range bm {
			if _, seen := am[k]; !seen {
				diffValue(join(path, k), nil, bm[k], out)
			}
		}
		return
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		diffSequence(path, as, bs, out)
		return
	}

	out[path] = FieldChange{From: a, To: b}
}

func diffSequence(path string, a, b []any, out map[string]FieldChange) {
	aKeys, aByKey, aKeyed := keyedElements(a)
	bKeys, bByKey, bKeyed := keyedElements(b)

	if !aKeyed || !bKeyed {
		// Unkeyed sequence: a pure reorder is reported as .order, anything
		// else as a whole-field change.
		if sameMultiset(a, b) {
			out[path+".order"] = FieldChange{From: a, To: b}
		} else {
			out[path] = FieldChange{From: a, To: b}
		}
		return
	}

	for _, k := range aKeys {
		if el, ok := bByKey[k]; ok {
			diffValue(path+"["+k+"]", aByKey[k], el, out)
		} else {
			out[path+"["+k+"]"] = FieldChange{From: aByKey[k], To: nil}
		}
	}
	for _, k := range bKeys {
		if _, ok := aByKey[k]; !ok {
			out[path+"["+k+"]"] = FieldChange{From: nil, To: bByKey[k]}
		}
	}

	// Reordering of the shared keys.
	shared := func(keys []string, other map[string]any) []string {
		var s []string
		for _, k := range keys {
			if _, ok := other[k]; ok {
				s = append(s, k)
			}
		}
		return s
	}
	aShared, bShared := shared(aKeys, bByKey), shared(bKeys, aByKey)
	if !reflect.DeepEqual(aShared, bShared) {
		out[path+".order"] = FieldChange{From: aShared, To: bShared}
	}
}

// keyedElements reports whether every element is an object with a string
// "external_key", and if so returns the key order and a lookup map.
func keyedElements(els []any) ([]string, map[string]any, bool) {
	keys := make([]string, 0, len(els))
	byKey := make(map[string]any, len(els))
	for _, el := range els {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, nil, false
		}
		k, ok := m["external_key"].(string)
		if !ok || k == "" {
			return nil, nil, false
		}
		keys = append(keys, k)
		byKey[k] = m
	}
	return keys, byKey, true
}

func sameMultiset(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, av := range a {
		for i, bv := range b {
			if !used[i] && reflect.DeepEqual(av, bv) {
				used[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
