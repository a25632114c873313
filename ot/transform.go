package ot

// Transform adjusts operation a so that it can be applied after concurrent
// operation b produced against the same base content. Both orderings of two
// concurrent operations converge:
//
//	Apply(Apply(base, b), Transform(a, b, left)) ==
//	Apply(Apply(base, a), Transform(b, a, !left))
//
// leftPriority breaks the tie between two inserts at the same position: the
// prioritized insert keeps its position and lands before the other.
//
// The result is a slice because a delete whose range straddles a concurrent
// insert splits into two deletes, and an operation fully consumed by a
// concurrent delete drops entirely.
func Transform(a, b Operation, leftPriority bool) []Operation {
	if a.Type == OpRetain || b.Type == OpRetain {
		return []Operation{a.Clone()}
	}

	out := a.Clone()

	switch {
	case a.Type == OpInsert && b.Type == OpInsert:
		if b.Position < a.Position || (b.Position == a.Position && !leftPriority) {
			out.Position += len(b.Text)
		}
		return []Operation{out}

	case a.Type == OpInsert && b.Type == OpDelete:
		if b.Position < a.Position {
			out.Position -= min(a.Position-b.Position, b.Length)
		}
		return []Operation{out}

	case a.Type == OpDelete && b.Type == OpInsert:
		if b.Position <= a.Position {
			out.Position += len(b.Text)
			return []Operation{out}
		}
		if b.Position < a.Position+a.Length {
			// The insert lands inside the deleted range. Splitting keeps the
			// inserted text alive: delete the run before the insertion, then
			// the run after it.
			head := Delete(a.Position, b.Position-a.Position)
			tail := Delete(a.Position+len(b.Text), a.Length-head.Length)
			return []Operation{head, tail}
		}
		return []Operation{out}

	default: // delete vs delete
		aEnd := a.Position + a.Length
		bEnd := b.Position + b.Length
		if bEnd <= a.Position {
			out.Position -= b.Length
			return []Operation{out}
		}
		if b.Position >= aEnd {
			return []Operation{out}
		}
		overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
		out.Length = a.Length - overlap
		out.Position = min(a.Position, b.Position)
		if out.Length <= 0 {
			return nil
		}
		return []Operation{out}
	}
}

// TransformSet transforms each element of set A against each element of set B
// in order. Operations that collapse to nothing are dropped.
func TransformSet(a, b []Operation, leftPriority bool) []Operation {
	result := CloneSet(a)
	for _, bop := range b {
		var next []Operation
		for _, aop := range result {
			next = append(next, Transform(aop, bop, leftPriority)...)
		}
		result = next
	}
	return result
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
