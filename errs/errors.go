/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDerivation is returned when a method name or declaration cannot be
	// turned into a query plan.
	ErrDerivation = errors.New("query derivation failed")

	// ErrConflictingFetch is returned when fetch directives of one method
	// cannot be applied together.
	ErrConflictingFetch = errors.New("conflicting fetch directives")

	// ErrInvalidPageRequest is returned for a negative page index or a
	// non-positive page size.
	ErrInvalidPageRequest = errors.New("invalid page request")

	// ErrNonUniqueResult is returned when a single-result query matched
	// more than one row.
	ErrNonUniqueResult = errors.New("query did not return a unique result")

	// ErrLockTimeout is returned when a pessimistic lock was not granted in time.
	ErrLockTimeout = errors.New("pessimistic lock not acquired in time")

	// ErrExecution wraps failures reported by the data-access driver.
	ErrExecution = errors.New("query execution failed")

	// ErrSessionInUse is returned when a second operation is started on a
	// session that already has one in flight.
	ErrSessionInUse = errors.New("session already has an operation in flight")

	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrTransactionRequired is returned when an operation needs an active
	// unit of work, such as a pessimistic lock.
	ErrTransactionRequired = errors.New("an active unit of work is required")

	// ErrUnknownMethod is returned when a repository is called with a method
	// it does not declare.
	ErrUnknownMethod = errors.New("repository method not declared")
)

// DerivationError reports the method and the offending part of its name.
type DerivationError struct {
	Method   string
	Fragment string
	Reason   string
}

func (e *DerivationError) Error() string {
	if e.Fragment != "" {
		return fmt.Sprintf("cannot derive query for %q at %q: %s", e.Method, e.Fragment, e.Reason)
	}
	return fmt.Sprintf("cannot derive query for %q: %s", e.Method, e.Reason)
}

func (e *DerivationError) Is(target error) bool {
	return target == ErrDerivation
}

// ConflictingFetchError names the relation path whose directives clash.
type ConflictingFetchError struct {
	Method string
	Path   string
	Reason string
}

func (e *ConflictingFetchError) Error() string {
	return fmt.Sprintf("conflicting fetch directive on %q for %q: %s", e.Path, e.Method, e.Reason)
}

func (e *ConflictingFetchError) Is(target error) bool {
	return target == ErrConflictingFetch
}

type InvalidPageRequestError struct {
	Page   int
	Size   int
	Reason string
}

func (e *InvalidPageRequestError) Error() string {
	return fmt.Sprintf("invalid page request (page=%d, size=%d): %s", e.Page, e.Size, e.Reason)
}

func (e *InvalidPageRequestError) Is(target error) bool {
	return target == ErrInvalidPageRequest
}

type NonUniqueResultError struct {
	Plan string
	Rows int
}

func (e *NonUniqueResultError) Error() string {
	return fmt.Sprintf("%s: expected at most one row, got %d", e.Plan, e.Rows)
}

func (e *NonUniqueResultError) Is(target error) bool {
	return target == ErrNonUniqueResult
}

// LockTimeoutError is transient; callers decide whether to retry.
type LockTimeoutError struct {
	Plan    string
	Timeout time.Duration
	Err     error
}

func (e *LockTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: lock not acquired within %s: %v", e.Plan, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%s: lock not acquired within %s", e.Plan, e.Timeout)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

func (e *LockTimeoutError) Unwrap() error {
	return e.Err
}

// ExecutionError carries the identity of the plan whose execution failed.
type ExecutionError struct {
	Plan string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Plan, e.Err)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func NewDerivationError(method, fragment, reason string) error {
	return &DerivationError{Method: method, Fragment: fragment, Reason: reason}
}

func NewConflictingFetchError(method, path, reason string) error {
	return &ConflictingFetchError{Method: method, Path: path, Reason: reason}
}

func NewInvalidPageRequestError(page, size int, reason string) error {
	return &InvalidPageRequestError{Page: page, Size: size, Reason: reason}
}

func NewNonUniqueResultError(plan string, rows int) error {
	return &NonUniqueResultError{Plan: plan, Rows: rows}
}

func NewLockTimeoutError(plan string, timeout time.Duration, err error) error {
	return &LockTimeoutError{Plan: plan, Timeout: timeout, Err: err}
}

// NewExecutionError wraps err with the plan identity. Errors that already
// belong to the taxonomy are returned unchanged.
func NewExecutionError(plan string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return &ExecutionError{Plan: plan, Err: err}
}

// Classified reports whether err is already one of the engine's own errors.
func Classified(err error) bool {
	for _, target := range []error{
		ErrDerivation, ErrConflictingFetch, ErrInvalidPageRequest, ErrNonUniqueResult,
		ErrLockTimeout, ErrExecution, ErrSessionInUse, ErrSessionClosed, ErrTransactionRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func IsDerivation(err error) bool {
	return errors.Is(err, ErrDerivation)
}

func IsConflictingFetch(err error) bool {
	return errors.Is(err, ErrConflictingFetch)
}

func IsInvalidPageRequest(err error) bool {
	return errors.Is(err, ErrInvalidPageRequest)
}

func IsNonUniqueResult(err error) bool {
	return errors.Is(err, ErrNonUniqueResult)
}

func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

func IsExecution(err error) bool {
	return errors.Is(err, ErrExecution)
}
