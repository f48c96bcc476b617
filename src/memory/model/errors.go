package model

import (
	"fmt"
	"strings"
)

// ValidationError reports caller input that fails schema rules. It carries
// enough context (field, value, allowed set) for the caller to self-correct.
type ValidationError struct {
	Op      string
	Field   string
	Value   string
	Allowed []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation")
	if e.Op != "" {
		b.WriteString(" [" + e.Op + "]")
	}
	b.WriteString(": " + e.Reason)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %q", e.Field)
		if e.Value != "" {
			fmt.Fprintf(&b, ", got %q", e.Value)
		}
		if len(e.Allowed) > 0 {
			fmt.Fprintf(&b, ", allowed: %s", strings.Join(e.Allowed, ", "))
		}
		b.WriteString(")")
	}
	return b.String()
}

// SchemaError reports a malformed or incomplete entity schema. It is a
// configuration fault: fail fast, never retry.
type SchemaError struct {
	Op         string
	EntityType string
	Reason     string
}

func (e *SchemaError) Error() string {
	msg := "schema"
	if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	msg += ": " + e.Reason
	if e.EntityType != "" {
		msg += fmt.Sprintf(" (entity %q)", e.EntityType)
	}
	return msg
}

// ProcessingError reports an indexing-time failure. The memory is not
// persisted unless both store writes succeeded.
type ProcessingError struct {
	Op         string
	MemoryID   string
	MemoryType string
	Reason     string
	Err        error
}

func (e *ProcessingError) Error() string {
	msg := "processing"
	if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	msg += ": " + e.Reason
	if e.MemoryID != "" {
		msg += fmt.Sprintf(" (memory %s", e.MemoryID)
		if e.MemoryType != "" {
			msg += ", type " + e.MemoryType
		}
		msg += ")"
	} else if e.MemoryType != "" {
		msg += fmt.Sprintf(" (type %s)", e.MemoryType)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// StoreError reports an infrastructure failure in a vector or graph store
// operation. Retrieval treats graph-path store errors as recoverable.
type StoreError struct {
	Op     string
	Key    string
	Reason string
	Err    error
}

func (e *StoreError) Error() string {
	msg := "store"
	if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	msg += ": " + e.Reason
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error { return e.Err }
