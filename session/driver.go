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

package session

import (
	"context"
	"time"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
)

// Request is one plan execution handed to a Driver. Args holds the bound
// slot values in slot order.
type Request struct {
	Plan     *query.Plan
	Registry *metadata.Registry
	Args     []any

	// Sort replaces the static sort of the plan when set.
	Sort   []query.SortKey
	Limit  int
	Offset int

	Lock        query.LockMode
	LockTimeout time.Duration
}

// OrderBy returns the effective sort of the request.
func (r *Request) OrderBy() []query.SortKey {
	if len(r.Sort) > 0 {
		return r.Sort
	}
	return r.Plan.Sort
}

// Driver is the data-access facility the engine runs on. Select scans into
// dest, a pointer to a slice of entity pointers or of projection structs.
type Driver interface {
	Select(ctx context.Context, req *Request, dest any) error
	Count(ctx context.Context, req *Request) (int64, error)
	Exists(ctx context.Context, req *Request) (bool, error)
	// Exec runs derived deletes and modifying statements and returns the
	// number of affected rows.
	Exec(ctx context.Context, req *Request) (int64, error)

	Insert(ctx context.Context, desc *metadata.EntityDescriptor, model any) error
	// Update writes the given columns of model; all columns when empty.
	Update(ctx context.Context, desc *metadata.EntityDescriptor, model any, columns []string) error
	Delete(ctx context.Context, desc *metadata.EntityDescriptor, model any) error
	// Merge inserts model or updates the row with the same identifier.
	Merge(ctx context.Context, desc *metadata.EntityDescriptor, model any) error

	Begin(ctx context.Context) (Tx, error)
}

// Tx is a Driver bound to a database transaction.
type Tx interface {
	Driver
	Commit() error
	Rollback() error
}

// PrePersister is implemented by entities that need a callback before
// their first insert.
type PrePersister interface {
	PrePersist()
}

// PreUpdater is implemented by entities that need a callback before an
// update is written.
type PreUpdater interface {
	PreUpdate()
}
