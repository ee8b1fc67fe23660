package crdt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Op is one replicated change. Inserts carry a single rune in Value and the
// ID of their left neighbour in Origin; deletes name the tombstoned element in
// Target. Both kinds have their own unique ID so they can be deduplicated.
// Seq numbers the operations of ID.Replica 1, 2, 3, ... in issue order.
type Op struct {
	Kind   OpKind `cbor:"k" json:"k"`
	ID     ID     `cbor:"id" json:"id"`
	Seq    uint64 `cbor:"s" json:"s"`
	Origin ID     `cbor:"o" json:"o"`
	Target ID     `cbor:"t" json:"t"`
	Value  string `cbor:"v" json:"v"`
}

var (
	ErrInvalidOp         = errors.New("invalid operation")
	ErrUnknownDependency = errors.New("operation references unknown element")
)

func (op Op) validate() error {
	if op.ID.Replica == "" || op.ID.Clock == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	if op.Seq == 0 {
		return fmt.Errorf("%w: %s has no sequence number", ErrInvalidOp, op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 || !utf8.ValidString(op.Value) {
			return fmt.Errorf("%w: insert %s must carry exactly one rune", ErrInvalidOp, op.ID)
		}
		if !op.Origin.IsZero() && op.Origin.Clock >= op.ID.Clock {
			return fmt.Errorf("%w: insert %s is not newer than its origin %s", ErrInvalidOp, op.ID, op.Origin)
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: delete %s has no target", ErrInvalidOp, op.ID)
		}
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidOp, op.Kind)
	}
	return nil
}

// Rejection pairs an operation that could not be merged with the reason.
// Held operations are only waiting for a dependency and are retried by every
// later Merge; the others were dropped.
type Rejection struct {
	Op   Op
	Err  error
	Held bool
}

// MergeError lists the operations a Merge call could not apply. Operations
// that were not rejected have already been applied.
type MergeError struct {
	Rejected []Rejection
}

func (e *MergeError) Error() string {
	parts := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		parts = append(parts, fmt.Sprintf("%s %s: %v", r.Op.Kind, r.Op.ID, r.Err))
	}
	return fmt.Sprintf("merge rejected %d operation(s): %s", len(e.Rejected), strings.Join(parts, "; "))
}

func (e *MergeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		errs = append(errs, r.Err)
	}
	return errs
}
