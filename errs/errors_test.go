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
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"derivation", NewDerivationError("findByNope", "Nope", "unknown property"), IsDerivation},
		{"fetch", NewConflictingFetchError("findAll", "Team", "duplicate"), IsConflictingFetch},
		{"page", NewInvalidPageRequestError(-1, 3, "negative page"), IsInvalidPageRequest},
		{"nonunique", NewNonUniqueResultError("Member.findOptionalByUsername", 2), IsNonUniqueResult},
		{"lock", NewLockTimeoutError("Member.findLockByUsername", time.Second, context.DeadlineExceeded), IsLockTimeout},
		{"execution", NewExecutionError("Member.findAll", errors.New("boom")), IsExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("call failed: %w", tt.err)
			if !tt.check(wrapped) {
				t.Fatalf("expected %v to match its sentinel", wrapped)
			}
		})
	}
}

func TestExecutionErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewExecutionError("Member.findByAge", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if !strings.Contains(err.Error(), "Member.findByAge") {
		t.Fatalf("plan identity missing: %v", err)
	}
}

func TestExecutionErrorDoesNotRewrapTaxonomy(t *testing.T) {
	nonUnique := NewNonUniqueResultError("Member.findOptionalByUsername", 2)
	if got := NewExecutionError("Member.findOptionalByUsername", nonUnique); got != nonUnique {
		t.Fatalf("expected the original error, got %v", got)
	}
	if NewExecutionError("x", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestLockTimeoutUnwrap(t *testing.T) {
	err := NewLockTimeoutError("Member.findLockByUsername", 50*time.Millisecond, context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain: %v", err)
	}
}
