package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyBoth applies two concurrent operations in both orders, transforming the
// later one, and returns the two final strings.
func applyBoth(base string, a, b Operation) (aFirst, bFirst string) {
	aFirst = Apply(Apply(base, []Operation{a}), Transform(b, a, false))
	bFirst = Apply(Apply(base, []Operation{b}), Transform(a, b, true))
	return
}

func TestTransformConcurrentInsertsSamePosition(t *testing.T) {
	base := "Hello World"
	a := Insert(5, " there")
	b := Insert(5, "!")

	// A has left priority: its text lands before B's regardless of order.
	aFirst, bFirst := applyBoth(base, a, b)
	assert.Equal(t, aFirst, bFirst, "both orders must converge")
	assert.Equal(t, "Hello there! World", aFirst)
}

func TestTransformConcurrentInsertsDistinctPositions(t *testing.T) {
	base := "ABCDEF"
	a := Insert(1, "xx")
	b := Insert(4, "yy")

	aFirst, bFirst := applyBoth(base, a, b)
	assert.Equal(t, aFirst, bFirst)
	assert.Equal(t, "AxxBCDyyEF", aFirst)
}

func TestTransformInsertVersusDelete(t *testing.T) {
	// Scenario: base "ABCDEF"; one client inserts "X" at 3, another deletes "BCD".
	base := "ABCDEF"
	ins := Insert(3, "X")
	del := Delete(1, 3)

	insFirst := Apply(Apply(base, []Operation{ins}), Transform(del, ins, false))
	delFirst := Apply(Apply(base, []Operation{del}), Transform(ins, del, true))

	assert.Equal(t, insFirst, delFirst, "both orders must converge")
	assert.Equal(t, "AXEF", insFirst, "the inserted character must survive the concurrent delete")
}

func TestTransformInsertShiftedLeftByPrecedingDelete(t *testing.T) {
	base := "ABCDEF"
	ins := Insert(5, "X")
	del := Delete(0, 2)

	ops := Transform(ins, del, false)
	require.Len(t, ops, 1)
	assert.Equal(t, 3, ops[0].Position)
	assert.Equal(t, "CDEXF", Apply(Apply(base, []Operation{del}), ops))
}

func TestTransformDeleteOverlap(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		a, b  Operation
		final string
	}{
		{
			name:  "partial overlap",
			base:  "ABCDEFG",
			a:     Delete(2, 3),
			b:     Delete(1, 3),
			final: "AFG",
		},
		{
			name:  "b contained in a",
			base:  "ABCDEF",
			a:     Delete(1, 4),
			b:     Delete(2, 2),
			final: "AF",
		},
		{
			name:  "identical deletes collapse",
			base:  "ABCDEF",
			a:     Delete(2, 2),
			b:     Delete(2, 2),
			final: "ABEF",
		},
		{
			name:  "disjoint deletes",
			base:  "ABCDEF",
			a:     Delete(4, 2),
			b:     Delete(0, 2),
			final: "CD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aFirst, bFirst := applyBoth(tt.base, tt.a, tt.b)
			assert.Equal(t, aFirst, bFirst, "both orders must converge")
			assert.Equal(t, tt.final, aFirst)
		})
	}
}

func TestTransformFullyConsumedDeleteDrops(t *testing.T) {
	a := Delete(2, 2)
	b := Delete(0, 6)
	assert.Empty(t, Transform(a, b, false))
}

func TestTransformRetainPassesThrough(t *testing.T) {
	a := Retain(5)
	b := Insert(0, "xyz")
	ops := Transform(a, b, false)
	require.Len(t, ops, 1)
	assert.Equal(t, a, ops[0])

	ops = Transform(b, Retain(3), false)
	require.Len(t, ops, 1)
	assert.Equal(t, b, ops[0])
}

func TestTransformPreservesAttributes(t *testing.T) {
	attrs := map[string]any{"bold": true, "color": "red"}
	a := InsertAttr(4, "hi", attrs)
	b := Insert(0, "___")

	ops := Transform(a, b, false)
	require.Len(t, ops, 1)
	assert.Equal(t, attrs, ops[0].Attributes)
	assert.Equal(t, 7, ops[0].Position)
}

func TestTransformSetThreeWayInsertsPreserveAllText(t *testing.T) {
	// Three clients at the same base each insert ten distinct characters at 0.
	base := ""
	a := []Operation{Insert(0, "aaaaaaaaaa")}
	b := []Operation{Insert(0, "bbbbbbbbbb")}
	c := []Operation{Insert(0, "cccccccccc")}

	// Serialize in arrival order a, b, c; later arrivals transform against
	// everything accepted before them.
	content := Apply(base, a)
	bT := TransformSet(b, a, false)
	content = Apply(content, bT)
	cT := TransformSet(TransformSet(c, a, false), bT, false)
	content = Apply(content, cT)

	assert.Len(t, content, 30)
	assert.Contains(t, content, "aaaaaaaaaa")
	assert.Contains(t, content, "bbbbbbbbbb")
	assert.Contains(t, content, "cccccccccc")
}

func TestTransformSetAgainstHistoryChain(t *testing.T) {
	base := "The quick fox"
	history := [][]Operation{
		{Insert(9, " brown")},  // "The quick brown fox"
		{Delete(0, 4)},         // "quick brown fox"
	}
	// Client op produced against the original base.
	ops := []Operation{Insert(13, " jumps")}

	content := base
	for _, h := range history {
		content = Apply(content, h)
	}

	for _, h := range history {
		ops = TransformSet(ops, h, false)
	}

	assert.Equal(t, "quick brown fox jumps", Apply(content, ops))
}
