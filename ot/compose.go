package ot

import "reflect"

// Compose merges adjacent operations of the same type where the merge cannot
// change the observable effect:
//
//   - an insert immediately followed by an insert at the end of the first
//     one's text, with the same attribute bundle, becomes one insert
//   - a delete immediately followed by a delete at the same position (the
//     content collapsed onto it) becomes one delete with summed length
//
// Retains and non-adjacent operations pass through unchanged.
func Compose(ops []Operation) []Operation {
	if len(ops) < 2 {
		return CloneSet(ops)
	}

	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if len(out) == 0 {
			out = append(out, op.Clone())
			continue
		}
		last := &out[len(out)-1]
		switch {
		case last.Type == OpInsert && op.Type == OpInsert &&
			op.Position == last.Position+len(last.Text) &&
			sameAttributes(last.Attributes, op.Attributes):
			last.Text += op.Text
		case last.Type == OpDelete && op.Type == OpDelete &&
			op.Position == last.Position:
			last.Length += op.Length
		default:
			out = append(out, op.Clone())
		}
	}
	return out
}

// sameAttributes compares opaque attribute bundles structurally. Attribute
// values come from decoded JSON and are not guaranteed to be comparable with ==.
func sameAttributes(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}
