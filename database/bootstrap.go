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

package database

import (
	"context"
	"fmt"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/uptrace/bun"
)

// CreateTables creates the table of every model unless it exists.
func CreateTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table %T: %w", model, err)
		}
	}
	return nil
}

// CreateEntityTables creates the tables of every registered entity bound to
// a Go type.
func CreateEntityTables(ctx context.Context, db bun.IDB, registry *metadata.Registry) error {
	var models []any
	for _, desc := range registry.Entities() {
		if desc.Reflective() {
			models = append(models, desc.New())
		}
	}
	return CreateTables(ctx, db, models...)
}
