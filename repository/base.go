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
	"fmt"
	"reflect"
	"sort"

	"github.com/tomoncle/datamapper/compiler"
	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/executor"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/types"
	"github.com/tomoncle/datamapper/utils"
)

var _ Repository[struct{}] = (*Base[struct{}])(nil)

type options struct {
	custom map[string]CustomFunc
	log    utils.Logger
}

type Option func(*options)

// WithCustom registers a hand-written method under name.
func WithCustom(name string, fn CustomFunc) Option {
	return func(o *options) { o.custom[name] = fn }
}

// WithFragment registers every method of f.
func WithFragment(f Fragment) Option {
	return func(o *options) {
		for name, fn := range f.RepositoryMethods() {
			o.custom[name] = fn
		}
	}
}

func WithLogger(log utils.Logger) Option {
	return func(o *options) { o.log = log }
}

// Base is the repository of entity type T. Embed it to add methods with
// static dispatch; the embedding type's methods win over Base's.
type Base[T any] struct {
	entity *metadata.EntityDescriptor
	coord  *executor.Coordinator
	plans  map[string]*query.Plan
	custom map[string]CustomFunc
	log    utils.Logger

	findAll       *query.Plan
	findAllPage   *query.Plan
	findAllSorted *query.Plan
	count         *query.Plan
	existsByID    *query.Plan
}

// New compiles methods for the entity registered for T. Every declaration
// error is reported at once; a repository is never built half compiled.
// Declared methods shadowed by a custom method of the same name are not
// compiled.
func New[T any](c *compiler.Compiler, coord *executor.Coordinator, methods []query.Method, opts ...Option) (*Base[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	entity, ok := c.Registry().LookupType(t)
	if !ok {
		return nil, fmt.Errorf("repository: %s is not a registered entity", t)
	}
	if !entity.Reflective() {
		return nil, fmt.Errorf("repository: entity %s is not bound to a Go type", entity.Name())
	}
	o := options{custom: make(map[string]CustomFunc)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = utils.Named("REPOSITORY")
	}

	r := &Base[T]{
		entity: entity,
		coord:  coord,
		plans:  make(map[string]*query.Plan, len(methods)),
		custom: o.custom,
		log:    o.log,
	}

	seen := make(map[string]bool, len(methods))
	declared := make([]query.Method, 0, len(methods))
	var findAll *query.Method
	for i, m := range methods {
		if seen[m.Name] {
			return nil, errs.NewDerivationError(m.Name, "", "method declared more than once")
		}
		seen[m.Name] = true
		if _, ok := r.custom[m.Name]; ok {
			r.log.Debug("declared method shadowed by custom method", "entity", entity.Name(), "method", m.Name)
			continue
		}
		if m.Name == "findAll" {
			findAll = &methods[i]
		}
		declared = append(declared, m)
	}
	plans, err := c.CompileAll(entity, declared)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		r.plans[p.Method] = p
	}
	if err := r.compileBuiltins(c, findAll); err != nil {
		return nil, err
	}
	r.log.Debug("repository created", "entity", entity.Name(), "methods", len(r.plans), "custom", len(r.custom))
	return r, nil
}

// compileBuiltins compiles the plans behind the base operations. A declared
// findAll replaces the built-in one so its fetch directives apply.
func (r *Base[T]) compileBuiltins(c *compiler.Compiler, findAll *query.Method) error {
	id := r.entity.ID()
	builtins := []struct {
		dest   **query.Plan
		method query.Method
	}{
		{&r.findAll, query.Method{Name: "findAll"}},
		{&r.findAllPage, query.Method{Name: "findAll", Params: []query.Param{query.Pageable()}, Returns: query.Return{Kind: query.ReturnPage}}},
		{&r.findAllSorted, query.Method{Name: "findAll", Params: []query.Param{query.Sorting()}}},
		{&r.count, query.Method{Name: "count"}},
		{&r.existsByID, query.Method{Name: "existsBy" + id.Name, Params: []query.Param{query.Value(id.Name, id.Type)}}},
	}
	if findAll != nil {
		if p, ok := r.plans["findAll"]; ok && p.Kind == query.KindSelect && p.Shape == query.List && p.ParamCount == 0 {
			r.findAll = p
			builtins = builtins[1:]
		}
	}
	for _, b := range builtins {
		plan, err := c.Compile(r.entity, b.method)
		if err != nil {
			return err
		}
		*b.dest = plan
	}
	return nil
}

func (r *Base[T]) Entity() *metadata.EntityDescriptor { return r.entity }

func (r *Base[T]) Methods() []string {
	names := make([]string, 0, len(r.plans)+len(r.custom))
	for name := range r.plans {
		names = append(names, name)
	}
	for name := range r.custom {
		if _, ok := r.plans[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Plan returns the compiled plan of a declared method.
func (r *Base[T]) Plan(method string) (*query.Plan, bool) {
	p, ok := r.plans[method]
	return p, ok
}

func (r *Base[T]) Save(ctx context.Context, sess *session.Session, entity *T) (*T, error) {
	if entity == nil {
		return nil, fmt.Errorf("%s: cannot save a nil entity", r.entity.Name())
	}
	out, err := sess.Persist(ctx, entity)
	if err != nil {
		return nil, err
	}
	return out.(*T), nil
}

func (r *Base[T]) SaveAll(ctx context.Context, sess *session.Session, entities ...*T) ([]*T, error) {
	out := make([]*T, 0, len(entities))
	for _, e := range entities {
		saved, err := r.Save(ctx, sess, e)
		if err != nil {
			return out, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (r *Base[T]) FindByID(ctx context.Context, sess *session.Session, id any) (*T, error) {
	out, err := sess.Find(ctx, r.entity, id)
	if err != nil || out == nil {
		return nil, err
	}
	return out.(*T), nil
}

func (r *Base[T]) FindAll(ctx context.Context, sess *session.Session) ([]*T, error) {
	res, err := r.coord.Execute(ctx, sess, r.findAll, nil)
	if err != nil {
		return nil, err
	}
	return entities[T](res.Rows), nil
}

func (r *Base[T]) FindAllPage(ctx context.Context, sess *session.Session, page types.PageRequest) (*types.Page[*T], error) {
	res, err := r.coord.Execute(ctx, sess, r.findAllPage, []any{page})
	if err != nil {
		return nil, err
	}
	return types.NewPage(entities[T](res.Rows), res.Page, res.Total), nil
}

func (r *Base[T]) FindAllSorted(ctx context.Context, sess *session.Session, order types.Sort) ([]*T, error) {
	res, err := r.coord.Execute(ctx, sess, r.findAllSorted, []any{order})
	if err != nil {
		return nil, err
	}
	return entities[T](res.Rows), nil
}

func (r *Base[T]) Count(ctx context.Context, sess *session.Session) (int64, error) {
	res, err := r.coord.Execute(ctx, sess, r.count, nil)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (r *Base[T]) ExistsByID(ctx context.Context, sess *session.Session, id any) (bool, error) {
	res, err := r.coord.Execute(ctx, sess, r.existsByID, []any{id})
	if err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (r *Base[T]) Delete(ctx context.Context, sess *session.Session, entity *T) error {
	if entity == nil {
		return fmt.Errorf("%s: cannot delete a nil entity", r.entity.Name())
	}
	return sess.Remove(ctx, entity)
}

// DeleteByID removes the entity with the identifier; a missing row is not
// an error.
func (r *Base[T]) DeleteByID(ctx context.Context, sess *session.Session, id any) error {
	entity, err := r.FindByID(ctx, sess, id)
	if err != nil || entity == nil {
		return err
	}
	return sess.Remove(ctx, entity)
}

func (r *Base[T]) List(ctx context.Context, sess *session.Session, method string, args ...any) ([]*T, error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[[]*T](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindSelect, query.List)
	if err != nil {
		return nil, err
	}
	return entities[T](res.Rows), nil
}

// One returns the single match or nil. More than one match is a
// NonUniqueResultError.
func (r *Base[T]) One(ctx context.Context, sess *session.Session, method string, args ...any) (*T, error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[*T](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindSelect, query.Single, query.OptionalSingle)
	if err != nil {
		return nil, err
	}
	if row := res.One(); row != nil {
		return row.(*T), nil
	}
	return nil, nil
}

func (r *Base[T]) Optional(ctx context.Context, sess *session.Session, method string, args ...any) (types.Optional[*T], error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[types.Optional[*T]](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindSelect, query.OptionalSingle, query.Single)
	if err != nil {
		return types.None[*T](), err
	}
	if row := res.One(); row != nil {
		return types.Some(row.(*T)), nil
	}
	return types.None[*T](), nil
}

func (r *Base[T]) Page(ctx context.Context, sess *session.Session, method string, args ...any) (*types.Page[*T], error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[*types.Page[*T]](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindSelect, query.PageShape)
	if err != nil {
		return nil, err
	}
	return types.NewPage(entities[T](res.Rows), res.Page, res.Total), nil
}

func (r *Base[T]) Slice(ctx context.Context, sess *session.Session, method string, args ...any) (*types.Slice[*T], error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[*types.Slice[*T]](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindSelect, query.SliceShape)
	if err != nil {
		return nil, err
	}
	return types.NewSlice(entities[T](res.Rows), res.Page, res.HasNext), nil
}

func (r *Base[T]) CountBy(ctx context.Context, sess *session.Session, method string, args ...any) (int64, error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[int64](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindCount)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (r *Base[T]) ExistsBy(ctx context.Context, sess *session.Session, method string, args ...any) (bool, error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[bool](ctx, sess, r.entity, method, fn, args)
	}
	res, err := r.execute(ctx, sess, method, args, query.KindExists)
	if err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (r *Base[T]) Modify(ctx context.Context, sess *session.Session, method string, args ...any) (int64, error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[int64](ctx, sess, r.entity, method, fn, args)
	}
	plan, err := r.plan(method)
	if err != nil {
		return 0, err
	}
	if !plan.Kind.Bulk() {
		return 0, fmt.Errorf("%s is a %s method, not a modifying one", plan.ID, plan.Kind)
	}
	res, err := r.coord.Execute(ctx, sess, plan, args)
	if err != nil {
		return 0, err
	}
	return res.Affected, nil
}

// Invoke calls method and returns its result as the typed call would:
// []*T, *T, types.Optional[*T], *types.Page[*T], *types.Slice[*T], int64
// or bool. Projections return []any of DTO values.
func (r *Base[T]) Invoke(ctx context.Context, sess *session.Session, method string, args ...any) (any, error) {
	if fn, ok := r.custom[method]; ok {
		return fn(ctx, sess, args...)
	}
	plan, err := r.plan(method)
	if err != nil {
		return nil, err
	}
	res, err := r.coord.Execute(ctx, sess, plan, args)
	if err != nil {
		return nil, err
	}
	switch plan.Kind {
	case query.KindCount:
		return res.Count, nil
	case query.KindExists:
		return res.Exists, nil
	case query.KindDelete, query.KindModify:
		return res.Affected, nil
	}
	if plan.Projection != nil {
		return res.Rows, nil
	}
	switch plan.Shape {
	case query.Single:
		if row := res.One(); row != nil {
			return row.(*T), nil
		}
		return (*T)(nil), nil
	case query.OptionalSingle:
		if row := res.One(); row != nil {
			return types.Some(row.(*T)), nil
		}
		return types.None[*T](), nil
	case query.PageShape:
		return types.NewPage(entities[T](res.Rows), res.Page, res.Total), nil
	case query.SliceShape:
		return types.NewSlice(entities[T](res.Rows), res.Page, res.HasNext), nil
	}
	return entities[T](res.Rows), nil
}

func (r *Base[T]) plan(method string) (*query.Plan, error) {
	p, ok := r.plans[method]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", r.entity.Name(), method, errs.ErrUnknownMethod)
	}
	return p, nil
}

// execute runs a declared method after checking that its kind and shape
// fit the typed call.
func (r *Base[T]) execute(ctx context.Context, sess *session.Session, method string, args []any, kind query.Kind, shapes ...query.Shape) (*executor.Result, error) {
	plan, err := r.plan(method)
	if err != nil {
		return nil, err
	}
	if plan.Kind != kind {
		return nil, fmt.Errorf("%s is a %s method, not %s", plan.ID, plan.Kind, kind)
	}
	if len(shapes) > 0 && !containsShape(shapes, plan.Shape) {
		return nil, fmt.Errorf("%s returns %s, not %s", plan.ID, plan.Shape, shapes[0])
	}
	if kind == query.KindSelect && plan.Projection != nil {
		return nil, fmt.Errorf("%s returns %s values; call Project", plan.ID, plan.Projection.Type)
	}
	return r.coord.Execute(ctx, sess, plan, args)
}

// Project runs a list method with a DTO projection and returns the DTOs.
func Project[D any, T any](ctx context.Context, r *Base[T], sess *session.Session, method string, args ...any) ([]D, error) {
	if fn, ok := r.custom[method]; ok {
		return callCustom[[]D](ctx, sess, r.entity, method, fn, args)
	}
	plan, err := r.plan(method)
	if err != nil {
		return nil, err
	}
	if plan.Projection == nil {
		return nil, fmt.Errorf("%s returns entities, not %T values", plan.ID, *new(D))
	}
	res, err := r.coord.Execute(ctx, sess, plan, args)
	if err != nil {
		return nil, err
	}
	out := make([]D, 0, len(res.Rows))
	for _, row := range res.Rows {
		d, ok := row.(D)
		if !ok {
			return nil, fmt.Errorf("%s returns %T values, not %T", plan.ID, row, *new(D))
		}
		out = append(out, d)
	}
	return out, nil
}

func callCustom[R any](ctx context.Context, sess *session.Session, entity *metadata.EntityDescriptor, method string, fn CustomFunc, args []any) (R, error) {
	var zero R
	out, err := fn(ctx, sess, args...)
	if err != nil || out == nil {
		return zero, err
	}
	v, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("%s.%s: custom method returned %T, want %T", entity.Name(), method, out, zero)
	}
	return v, nil
}

func entities[T any](rows []any) []*T {
	out := make([]*T, len(rows))
	for i, row := range rows {
		out[i] = row.(*T)
	}
	return out
}

func containsShape(shapes []query.Shape, s query.Shape) bool {
	for _, x := range shapes {
		if x == s {
			return true
		}
	}
	return false
}
