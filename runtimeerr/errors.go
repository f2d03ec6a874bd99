// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package runtimeerr defines the fixed error taxonomy that the runtime
// uses to report failures across the pipeline/operator/query boundary.
package runtimeerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel kinds. Use errors.Is against these, or errors.As against
// the typed wrappers below when the (query, pipeline, operator) triple
// is needed.
var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrFormatting        = errors.New("formatting error")
	ErrOperatorExecution = errors.New("operator execution error")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrCancelled         = errors.New("cancelled")
	ErrInternal          = errors.New("internal error")
)

// Coords identifies where in a running query an error occurred.
// Any field may be zero-valued if not yet known (e.g. OperatorID is
// absent for source-level errors).
type Coords struct {
	QueryID    uuid.UUID
	PipelineID uint64
	OperatorID uint64
}

func (c Coords) String() string {
	return fmt.Sprintf("query=%s pipeline=%d operator=%d", c.QueryID, c.PipelineID, c.OperatorID)
}

// FormattingError wraps ErrFormatting with the origin/sequence
// coordinates of the raw buffer that failed to parse, per spec.md §4.4.
type FormattingError struct {
	Origin   uint64
	Sequence uint64
	Field    string // empty if not field-specific
	Cause    error
}

func (e *FormattingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("formatting: origin=%d sequence=%d field=%q: %v", e.Origin, e.Sequence, e.Field, e.Cause)
	}
	return fmt.Sprintf("formatting: origin=%d sequence=%d: %v", e.Origin, e.Sequence, e.Cause)
}

func (e *FormattingError) Unwrap() error { return errorsJoin(ErrFormatting, e.Cause) }

// OperatorExecutionError wraps ErrOperatorExecution with the triple
// that the Query Manager attaches at the work-item boundary (§7).
type OperatorExecutionError struct {
	Coords Coords
	Cause  error
}

func (e *OperatorExecutionError) Error() string {
	return fmt.Sprintf("operator execution failed (%s): %v", e.Coords, e.Cause)
}

func (e *OperatorExecutionError) Unwrap() error { return errorsJoin(ErrOperatorExecution, e.Cause) }

// errorsJoin wraps errors.Join so that Unwrap() chains to both the
// sentinel and the cause: both errors.Is(err, ErrOperatorExecution)
// and errors.Is(err, cause) succeed.
func errorsJoin(errs ...error) error {
	return errors.Join(errs...)
}

// ResourceExhaustedError reports a pool that could not satisfy an
// acquisition after its retry budget elapsed.
type ResourceExhaustedError struct {
	Pool    string
	Retries int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: pool %q gave up after %d retries", e.Pool, e.Retries)
}

func (e *ResourceExhaustedError) Unwrap() error { return ErrResourceExhausted }

// InvalidConfigError is raised during query registration; the query
// never starts.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string { return "invalid config: " + e.Reason }

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }
