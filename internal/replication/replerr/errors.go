// Package replerr holds the failure taxonomy shared by the replication packages.
package replerr

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolOrdering  = errors.New("protocol ordering violation")
	ErrSchema            = errors.New("schema error")
	ErrCapacityOverflow  = errors.New("capacity overflow")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// OrderingError reports an index written at or below the previous one.
type OrderingError struct {
	Index int
	Last  int
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("protocol ordering: index %d written after %d", e.Index, e.Last)
}

func (e *OrderingError) Is(target error) bool { return target == ErrProtocolOrdering }

// SchemaError reports a malformed property tree. It is fatal at startup.
type SchemaError struct {
	Table  string
	Prop   string
	Reason string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Table != "" && e.Prop != "":
		return fmt.Sprintf("schema %s.%s: %s", e.Table, e.Prop, e.Reason)
	case e.Table != "":
		return fmt.Sprintf("schema %s: %s", e.Table, e.Reason)
	}
	return "schema: " + e.Reason
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

func Schemaf(table, prop, format string, args ...any) *SchemaError {
	return &SchemaError{Table: table, Prop: prop, Reason: fmt.Sprintf(format, args...)}
}

// CapacityError reports output that would not fit a fixed per-tick buffer.
type CapacityError struct {
	What  string
	Limit int
	Need  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity overflow: %s needs %d entries, limit %d", e.What, e.Need, e.Limit)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityOverflow }

// IntegrityError reports a decode-path disagreement found by the integrity checker.
type IntegrityError struct {
	Table  string
	Index  int
	Prop   string
	BitPos int
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Prop != "" {
		return fmt.Sprintf("integrity %s[%d] %s at bit %d: %s", e.Table, e.Index, e.Prop, e.BitPos, e.Reason)
	}
	return fmt.Sprintf("integrity %s at bit %d: %s", e.Table, e.BitPos, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrityMismatch }
