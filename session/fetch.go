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
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
)

// ByColumn builds a select of entity rows whose field f is one of the
// bound values (slot 0, a collection).
func ByColumn(entity *metadata.EntityDescriptor, f metadata.Field, id string) *query.Plan {
	return &query.Plan{
		ID:     id,
		Method: id,
		Entity: entity,
		Kind:   query.KindSelect,
		Shape:  query.List,
		Predicate: query.Comparison{
			Path:     metadata.Path{Root: entity, Owner: entity, Field: f},
			Operator: query.In,
			Slot:     0,
		},
		Slots:     []query.Slot{{Index: 0, Name: f.Name, Type: f.Type, Collection: true}},
		PageParam: -1,
		SortParam: -1,
	}
}

// selectIn loads the rows of entity whose field f is in keys.
func (s *Session) selectIn(ctx context.Context, entity *metadata.EntityDescriptor, f metadata.Field, keys []any, id string) ([]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if !entity.Reflective() {
		return nil, fmt.Errorf("entity %s is not bound to a Go type", entity.Name())
	}
	dest := reflect.New(reflect.SliceOf(reflect.PointerTo(entity.Type())))
	req := &Request{Plan: ByColumn(entity, f, id), Registry: s.registry, Args: []any{keys}}
	if err := s.current().Select(ctx, req, dest.Interface()); err != nil {
		return nil, err
	}
	rows := dest.Elem()
	out := make([]any, rows.Len())
	for i := range out {
		out[i] = rows.Index(i).Interface()
	}
	return out, nil
}

// Find returns the managed instance with identifier id, loading it when it
// is not managed yet. It returns nil, nil when no row matches.
func (o *Op) Find(ctx context.Context, desc *metadata.EntityDescriptor, id any) (any, error) {
	if managed, ok := o.Lookup(desc, id); ok {
		return managed, nil
	}
	if err := o.AutoFlush(ctx); err != nil {
		return nil, err
	}
	rows, err := o.s.selectIn(ctx, desc, desc.ID(), []any{id}, desc.Name()+".findById")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return o.s.attach(desc, rows[0], false)
}

// Fetch loads relation of model unless it is loaded already.
func (o *Op) Fetch(ctx context.Context, model any, relation string) error {
	desc, ok := o.s.registry.LookupModel(model)
	if !ok {
		return fmt.Errorf("%T is not a registered entity", model)
	}
	head, _, _ := strings.Cut(relation, ".")
	rel, ok := desc.Relation(head)
	if !ok {
		return fmt.Errorf("%s has no relation %s", desc.Name(), head)
	}
	rv, err := desc.RelationValue(model, rel)
	if err != nil {
		return err
	}
	if !rv.IsNil() && !strings.Contains(relation, ".") {
		return nil
	}
	readOnly := false
	if e, ok := o.s.lookupModel(desc, model); ok {
		readOnly = e.readOnly
	}
	return o.Hydrate(ctx, desc, []any{model}, []string{relation}, readOnly)
}

// Hydrate loads the relation paths of models with one query per relation
// and level. Loaded entities are attached to the session.
func (o *Op) Hydrate(ctx context.Context, desc *metadata.EntityDescriptor, models []any, paths []string, readOnly bool) error {
	for _, p := range paths {
		if err := o.s.hydrate(ctx, desc, models, strings.Split(p, "."), readOnly); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) hydrate(ctx context.Context, desc *metadata.EntityDescriptor, models []any, segs []string, readOnly bool) error {
	if len(models) == 0 || len(segs) == 0 {
		return nil
	}
	rel, ok := desc.Relation(segs[0])
	if !ok {
		return fmt.Errorf("%s has no relation %s", desc.Name(), segs[0])
	}
	target, ok := s.registry.Lookup(rel.Target)
	if !ok {
		return fmt.Errorf("relation target %s is not registered", rel.Target)
	}

	var loaded []any
	var err error
	if rel.ToMany() {
		loaded, err = s.loadToMany(ctx, desc, target, rel, models, readOnly)
	} else {
		loaded, err = s.loadToOne(ctx, desc, target, rel, models, readOnly)
	}
	if err != nil {
		return err
	}
	return s.hydrate(ctx, target, loaded, segs[1:], readOnly)
}

func (s *Session) loadToOne(ctx context.Context, desc, target *metadata.EntityDescriptor, rel metadata.Relation, models []any, readOnly bool) ([]any, error) {
	local, ok := desc.FieldByColumn(rel.LocalColumn)
	if !ok {
		return nil, fmt.Errorf("%s has no column %s for relation %s", desc.Name(), rel.LocalColumn, rel.Name)
	}
	refs := make([]any, len(models))
	seen := make(map[any]bool)
	var keys []any
	for i, m := range models {
		v, err := desc.Value(m, local)
		if err != nil {
			return nil, err
		}
		if v.IsZero() {
			continue
		}
		k := metadata.IdentityKey(v.Interface())
		if k == nil {
			continue
		}
		refs[i] = k
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	remote, ok := target.FieldByColumn(rel.TargetColumn)
	if !ok {
		return nil, fmt.Errorf("%s has no column %s for relation %s.%s", target.Name(), rel.TargetColumn, desc.Name(), rel.Name)
	}
	rows, err := s.selectIn(ctx, target, remote, keys, desc.Name()+"."+rel.Name+".fetch")
	if err != nil {
		return nil, err
	}
	byKey := make(map[any]any, len(rows))
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		managed, err := s.attach(target, row, readOnly)
		if err != nil {
			return nil, err
		}
		v, err := target.Value(managed, remote)
		if err != nil {
			return nil, err
		}
		byKey[metadata.IdentityKey(v.Interface())] = managed
		out = append(out, managed)
	}
	for i, m := range models {
		if refs[i] == nil {
			continue
		}
		rv, err := desc.RelationValue(m, rel)
		if err != nil {
			return nil, err
		}
		if related, ok := byKey[refs[i]]; ok {
			rv.Set(reflect.ValueOf(related))
		}
	}
	return out, nil
}

func (s *Session) loadToMany(ctx context.Context, desc, target *metadata.EntityDescriptor, rel metadata.Relation, models []any, readOnly bool) ([]any, error) {
	back, ok := target.FieldByColumn(rel.TargetColumn)
	if !ok {
		return nil, fmt.Errorf("%s has no column %s for relation %s.%s", target.Name(), rel.TargetColumn, desc.Name(), rel.Name)
	}
	local, ok := desc.FieldByColumn(rel.LocalColumn)
	if !ok {
		return nil, fmt.Errorf("%s has no column %s for relation %s", desc.Name(), rel.LocalColumn, rel.Name)
	}
	keys := make([]any, 0, len(models))
	for _, m := range models {
		v, err := desc.Value(m, local)
		if err != nil {
			return nil, err
		}
		keys = append(keys, metadata.IdentityKey(v.Interface()))
	}

	rows, err := s.selectIn(ctx, target, back, keys, desc.Name()+"."+rel.Name+".fetch")
	if err != nil {
		return nil, err
	}
	groups := make(map[any][]any)
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		managed, err := s.attach(target, row, readOnly)
		if err != nil {
			return nil, err
		}
		v, err := target.Value(managed, back)
		if err != nil {
			return nil, err
		}
		k := metadata.IdentityKey(v.Interface())
		groups[k] = append(groups[k], managed)
		out = append(out, managed)
	}
	for i, m := range models {
		rv, err := desc.RelationValue(m, rel)
		if err != nil {
			return nil, err
		}
		items := groups[keys[i]]
		list := reflect.MakeSlice(rv.Type(), 0, len(items))
		for _, item := range items {
			list = reflect.Append(list, reflect.ValueOf(item))
		}
		rv.Set(list)
	}
	return out, nil
}
