// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"fmt"

	"github.com/celldag/celld/types"
)

// RejectCode classifies why a transaction was refused by the pool. Codes are
// part of the admission result surfaced to submitters and the notification
// collaborator; they are never used for internal control flow.
type RejectCode uint8

const (
	// RejectDuplicate means the transaction is already resident in the
	// pool.
	RejectDuplicate RejectCode = iota

	// RejectUnresolved means an input, cell dependency or header
	// dependency could not be resolved against the chain or the pool.
	// The offending out-point or header is carried alongside.
	RejectUnresolved

	// RejectDoubleSpend means the transaction spends a cell already
	// spent by a pooled transaction that it does not dominate.
	RejectDoubleSpend

	// RejectResolvedAsDead marks a pooled transaction removed because a
	// conflicting transaction was admitted or committed; the cell it
	// consumed or depended on no longer exists.
	RejectResolvedAsDead

	// RejectExceedsLimit means the transaction violates a byte or cycle
	// budget, or the pool's resource ceiling forced its eviction.
	RejectExceedsLimit

	// RejectMalformed means the transaction failed structural or
	// verification checks performed by the verifier collaborator.
	RejectMalformed
)

// String returns the code as a human-readable label.
func (c RejectCode) String() string {
	switch c {
	case RejectDuplicate:
		return "duplicate"
	case RejectUnresolved:
		return "unresolved"
	case RejectDoubleSpend:
		return "double-spend"
	case RejectResolvedAsDead:
		return "resolved-as-dead"
	case RejectExceedsLimit:
		return "exceeds-limit"
	case RejectMalformed:
		return "malformed"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// RuleError is a typed rejection produced by pool admission. OutPoint is set
// for RejectUnresolved and RejectDoubleSpend when a specific out-point is to
// blame.
type RuleError struct {
	Code        RejectCode
	OutPoint    *types.OutPoint
	Description string
}

// Error satisfies the error interface.
func (e RuleError) Error() string {
	if e.OutPoint != nil {
		return fmt.Sprintf("%s: %s (out-point %s)", e.Code,
			e.Description, e.OutPoint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ruleError builds a RuleError without an out-point.
func ruleError(code RejectCode, desc string) RuleError {
	return RuleError{Code: code, Description: desc}
}

// outPointError builds a RuleError blaming a specific out-point.
func outPointError(code RejectCode, op types.OutPoint, desc string) RuleError {
	return RuleError{Code: code, OutPoint: &op, Description: desc}
}

// ErrorCode extracts the rejection code from err. The second return is false
// when err is not a pool rule error.
func ErrorCode(err error) (RejectCode, bool) {
	var rerr RuleError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}
