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

package repository

import (
	"context"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/types"
)

// CrudRepository defines the base operations every repository carries.
type CrudRepository[T any] interface {
	// Save inserts a new entity, or merges a detached one, and returns the
	// managed instance.
	Save(ctx context.Context, sess *session.Session, entity *T) (*T, error)

	SaveAll(ctx context.Context, sess *session.Session, entities ...*T) ([]*T, error)

	// FindByID returns nil when no row has the identifier.
	FindByID(ctx context.Context, sess *session.Session, id any) (*T, error)

	FindAll(ctx context.Context, sess *session.Session) ([]*T, error)

	Count(ctx context.Context, sess *session.Session) (int64, error)

	ExistsByID(ctx context.Context, sess *session.Session, id any) (bool, error)

	Delete(ctx context.Context, sess *session.Session, entity *T) error

	DeleteByID(ctx context.Context, sess *session.Session, id any) error
}

// PageQueryRepository defines paging and sorting over all entities.
type PageQueryRepository[T any] interface {
	FindAllPage(ctx context.Context, sess *session.Session, page types.PageRequest) (*types.Page[*T], error)
	FindAllSorted(ctx context.Context, sess *session.Session, sort types.Sort) ([]*T, error)
}

// MethodRepository calls declared methods by name. Arguments are positional
// in declaration order, page and sort arguments included.
type MethodRepository[T any] interface {
	List(ctx context.Context, sess *session.Session, method string, args ...any) ([]*T, error)
	One(ctx context.Context, sess *session.Session, method string, args ...any) (*T, error)
	Optional(ctx context.Context, sess *session.Session, method string, args ...any) (types.Optional[*T], error)
	Page(ctx context.Context, sess *session.Session, method string, args ...any) (*types.Page[*T], error)
	Slice(ctx context.Context, sess *session.Session, method string, args ...any) (*types.Slice[*T], error)
	CountBy(ctx context.Context, sess *session.Session, method string, args ...any) (int64, error)
	ExistsBy(ctx context.Context, sess *session.Session, method string, args ...any) (bool, error)
	// Modify runs a delete or modifying method and returns the affected rows.
	Modify(ctx context.Context, sess *session.Session, method string, args ...any) (int64, error)
	// Invoke calls any method and returns its untyped result.
	Invoke(ctx context.Context, sess *session.Session, method string, args ...any) (any, error)
}

// Repository combines the base, paging and method surfaces.
type Repository[T any] interface {
	CrudRepository[T]
	PageQueryRepository[T]
	MethodRepository[T]
	Entity() *metadata.EntityDescriptor
	// Methods lists the callable method names, custom ones included.
	Methods() []string
}

// CustomFunc is a hand-written repository method. It works on the session
// directly and is called with the arguments given to the repository.
type CustomFunc func(ctx context.Context, sess *session.Session, args ...any) (any, error)

// Fragment is a set of custom methods contributed to a repository.
type Fragment interface {
	RepositoryMethods() map[string]CustomFunc
}
