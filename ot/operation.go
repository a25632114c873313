// Package ot implements position-based operational transformation for
// plain-text content with opaque attribute payloads.
//
// An operation is one of insert, delete or retain. Operations in a set are
// applied left-to-right against the same document. Attributes are carried
// through transformation untouched; the transformer only looks at positions
// and lengths.
package ot

import (
	"errors"
	"fmt"
)

// OpType identifies the kind of an operation.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
)

var (
	// ErrInvalidOperation is returned when an operation fails validation
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrUnknownOpType is returned for an unrecognized operation type
	ErrUnknownOpType = errors.New("unknown operation type")
)

// Operation is a single edit step. Position and Length are rune-agnostic
// byte offsets into the canonical content string.
//
// Insert uses Position, Text and optionally Attributes.
// Delete uses Position and Length.
// Retain uses Length only and never changes content.
type Operation struct {
	Type       OpType         `json:"type" bson:"type"`
	Position   int            `json:"position" bson:"position"`
	Text       string         `json:"text,omitempty" bson:"text,omitempty"`
	Length     int            `json:"length,omitempty" bson:"length,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// Insert creates an insert operation.
func Insert(position int, text string) Operation {
	return Operation{Type: OpInsert, Position: position, Text: text}
}

// InsertAttr creates an insert operation with an attribute bundle.
func InsertAttr(position int, text string, attrs map[string]any) Operation {
	return Operation{Type: OpInsert, Position: position, Text: text, Attributes: attrs}
}

// Delete creates a delete operation.
func Delete(position, length int) Operation {
	return Operation{Type: OpDelete, Position: position, Length: length}
}

// Retain creates a retain operation.
func Retain(length int) Operation {
	return Operation{Type: OpRetain, Length: length}
}

// Validate checks the operation against content of the given length.
func (op Operation) Validate(contentLen int) error {
	switch op.Type {
	case OpInsert:
		if op.Position < 0 || op.Position > contentLen {
			return fmt.Errorf("%w: insert position %d out of range [0, %d]",
				ErrInvalidOperation, op.Position, contentLen)
		}
		if op.Text == "" {
			return fmt.Errorf("%w: insert with empty text", ErrInvalidOperation)
		}
	case OpDelete:
		if op.Position < 0 {
			return fmt.Errorf("%w: delete position %d is negative", ErrInvalidOperation, op.Position)
		}
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length %d is not positive", ErrInvalidOperation, op.Length)
		}
		if op.Position+op.Length > contentLen {
			return fmt.Errorf("%w: delete range [%d, %d) exceeds content length %d",
				ErrInvalidOperation, op.Position, op.Position+op.Length, contentLen)
		}
	case OpRetain:
		if op.Length <= 0 {
			return fmt.Errorf("%w: retain length %d is not positive", ErrInvalidOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOpType, op.Type)
	}
	return nil
}

// ValidateSet validates an operation set applied left-to-right, tracking the
// content length as each operation is applied.
func ValidateSet(ops []Operation, contentLen int) error {
	length := contentLen
	for i, op := range ops {
		if err := op.Validate(length); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		switch op.Type {
		case OpInsert:
			length += len(op.Text)
		case OpDelete:
			length -= op.Length
		}
	}
	return nil
}

// Apply applies a single operation to content. Positions are clamped to the
// valid range so that a transformed operation near a boundary never panics.
func (op Operation) Apply(content string) string {
	switch op.Type {
	case OpInsert:
		pos := clamp(op.Position, 0, len(content))
		return content[:pos] + op.Text + content[pos:]
	case OpDelete:
		start := clamp(op.Position, 0, len(content))
		end := clamp(op.Position+op.Length, start, len(content))
		return content[:start] + content[end:]
	default:
		return content
	}
}

// Apply applies an operation set left-to-right.
func Apply(content string, ops []Operation) string {
	for _, op := range ops {
		content = op.Apply(content)
	}
	return content
}

// Clone returns a deep copy of the operation, including its attribute bundle.
func (op Operation) Clone() Operation {
	out := op
	if op.Attributes != nil {
		out.Attributes = make(map[string]any, len(op.Attributes))
		for k, v := range op.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// CloneSet deep-copies an operation set.
func CloneSet(ops []Operation) []Operation {
	if ops == nil {
		return nil
	}
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
