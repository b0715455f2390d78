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
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/vmihailenco/msgpack/v5"
)

type identity struct {
	entity string
	id     any
}

// entry is one managed entity. Read-only entries carry no snapshot and are
// never flushed.
type entry struct {
	desc     *metadata.EntityDescriptor
	value    any
	readOnly bool
	snapshot [][]byte
	seq      uint64
}

func keyOf(desc *metadata.EntityDescriptor, id any) identity {
	return identity{entity: desc.Name(), id: metadata.IdentityKey(id)}
}

func (s *Session) lookupModel(desc *metadata.EntityDescriptor, model any) (*entry, bool) {
	id, err := desc.IDOf(model)
	if err != nil {
		return nil, false
	}
	e, ok := s.managed[keyOf(desc, id)]
	return e, ok
}

// Lookup returns the managed instance of desc with identifier id.
func (o *Op) Lookup(desc *metadata.EntityDescriptor, id any) (any, bool) {
	e, ok := o.s.managed[keyOf(desc, id)]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Attach puts a loaded entity under management and returns the managed
// instance, which is an earlier loaded instance when the identifier is
// already known. Loaded relations are attached too, and copied into the
// managed instance where it has none.
func (o *Op) Attach(desc *metadata.EntityDescriptor, model any, readOnly bool) (any, error) {
	return o.s.attach(desc, model, readOnly)
}

func (s *Session) attach(desc *metadata.EntityDescriptor, model any, readOnly bool) (any, error) {
	rv := reflect.ValueOf(model)
	if model == nil || (rv.Kind() == reflect.Ptr && rv.IsNil()) {
		return model, nil
	}
	id, err := desc.IDOf(model)
	if err != nil {
		return nil, err
	}
	key := keyOf(desc, id)
	if e, ok := s.managed[key]; ok {
		if e.value != model {
			if err := s.mergeRelations(desc, e.value, model, readOnly); err != nil {
				return nil, err
			}
		}
		return e.value, nil
	}

	e := &entry{desc: desc, value: model, readOnly: readOnly}
	if !readOnly {
		if e.snapshot, err = snapshot(desc, model); err != nil {
			return nil, err
		}
	}
	s.seq++
	e.seq = s.seq
	s.managed[key] = e
	if err := s.attachRelations(desc, model, readOnly); err != nil {
		return nil, err
	}
	return model, nil
}

// attachRelations replaces loaded related instances with their managed
// counterparts.
func (s *Session) attachRelations(desc *metadata.EntityDescriptor, model any, readOnly bool) error {
	if !desc.Reflective() {
		return nil
	}
	for _, rel := range desc.Relations() {
		rv, err := desc.RelationValue(model, rel)
		if err != nil {
			continue
		}
		target, ok := s.registry.Lookup(rel.Target)
		if !ok {
			return fmt.Errorf("relation target %s is not registered", rel.Target)
		}
		switch rv.Kind() {
		case reflect.Ptr:
			if rv.IsNil() {
				continue
			}
			managed, err := s.attach(target, rv.Interface(), readOnly)
			if err != nil {
				return err
			}
			rv.Set(reflect.ValueOf(managed))
		case reflect.Slice:
			for i := 0; i < rv.Len(); i++ {
				item := rv.Index(i)
				if item.Kind() != reflect.Ptr || item.IsNil() {
					continue
				}
				managed, err := s.attach(target, item.Interface(), readOnly)
				if err != nil {
					return err
				}
				item.Set(reflect.ValueOf(managed))
			}
		}
	}
	return nil
}

func (s *Session) mergeRelations(desc *metadata.EntityDescriptor, managed, loaded any, readOnly bool) error {
	if !desc.Reflective() {
		return nil
	}
	if err := s.attachRelations(desc, loaded, readOnly); err != nil {
		return err
	}
	for _, rel := range desc.Relations() {
		dst, err := desc.RelationValue(managed, rel)
		if err != nil {
			continue
		}
		src, _ := desc.RelationValue(loaded, rel)
		if dst.IsNil() && !src.IsNil() {
			dst.Set(src)
		}
	}
	return nil
}

func (o *Op) Clear() { o.s.clear() }

func (s *Session) clear() {
	s.managed = make(map[identity]*entry)
}

// Evict detaches model. Pending changes of model are dropped.
func (o *Op) Evict(model any) {
	desc, ok := o.s.registry.LookupModel(model)
	if !ok {
		return
	}
	id, err := desc.IDOf(model)
	if err != nil {
		return
	}
	delete(o.s.managed, keyOf(desc, id))
}

// ClearEntity detaches every managed instance of the named entity type and
// returns how many were detached.
func (o *Op) ClearEntity(name string) int {
	n := 0
	for key := range o.s.managed {
		if key.entity == name {
			delete(o.s.managed, key)
			n++
		}
	}
	if n > 0 {
		o.s.log.Debug("managed entities cleared", "entity", name, "count", n)
	}
	return n
}

// Persist saves model and returns the managed instance.
//
// An entity without identifier is inserted; string identifiers generated
// automatically receive a random UUID first. An entity with identifier is
// merged: when another instance with that identifier is managed, the state
// of model is copied into it and the managed instance is returned.
func (o *Op) Persist(ctx context.Context, model any) (any, error) {
	s := o.s
	desc, ok := s.registry.LookupModel(model)
	if !ok {
		return nil, fmt.Errorf("%T is not a registered entity", model)
	}
	zero, err := desc.HasZeroID(model)
	if err != nil {
		return nil, err
	}
	drv := s.current()

	if zero {
		id := desc.ID()
		if id.Generation == metadata.GenerationNone {
			return nil, fmt.Errorf("identifier %s.%s must be assigned before save", desc.Name(), id.Name)
		}
		if id.Type == metadata.TypeString {
			if err := desc.SetID(model, uuid.NewString()); err != nil {
				return nil, err
			}
		}
		if p, ok := model.(PrePersister); ok {
			p.PrePersist()
		}
		if err := drv.Insert(ctx, desc, model); err != nil {
			return nil, fmt.Errorf("insert %s: %w", desc.Name(), err)
		}
		return s.attach(desc, model, false)
	}

	if e, ok := s.lookupModel(desc, model); ok {
		if e.value != model {
			reflect.ValueOf(e.value).Elem().Set(reflect.ValueOf(model).Elem())
		}
		if e.readOnly {
			e.readOnly = false
			if err := s.merge(ctx, e); err != nil {
				return nil, err
			}
			return e.value, nil
		}
		if err := s.flushEntry(ctx, e); err != nil {
			return nil, err
		}
		return e.value, nil
	}

	// Detached instance: assigned identifiers are most likely new rows.
	if desc.ID().Generation == metadata.GenerationNone {
		if p, ok := model.(PrePersister); ok {
			p.PrePersist()
		}
	} else if u, ok := model.(PreUpdater); ok {
		u.PreUpdate()
	}
	if err := drv.Merge(ctx, desc, model); err != nil {
		return nil, fmt.Errorf("merge %s: %w", desc.Name(), err)
	}
	return s.attach(desc, model, false)
}

func (s *Session) merge(ctx context.Context, e *entry) error {
	if u, ok := e.value.(PreUpdater); ok {
		u.PreUpdate()
	}
	if err := s.current().Merge(ctx, e.desc, e.value); err != nil {
		return fmt.Errorf("merge %s: %w", e.desc.Name(), err)
	}
	var err error
	e.snapshot, err = snapshot(e.desc, e.value)
	return err
}

// Remove deletes model and detaches it.
func (o *Op) Remove(ctx context.Context, model any) error {
	s := o.s
	desc, ok := s.registry.LookupModel(model)
	if !ok {
		return fmt.Errorf("%T is not a registered entity", model)
	}
	if zero, err := desc.HasZeroID(model); err != nil {
		return err
	} else if zero {
		return fmt.Errorf("cannot remove %s without identifier", desc.Name())
	}
	target := model
	if e, ok := s.lookupModel(desc, model); ok {
		target = e.value
	}
	if err := s.current().Delete(ctx, desc, target); err != nil {
		return fmt.Errorf("delete %s: %w", desc.Name(), err)
	}
	o.Evict(target)
	return nil
}

func (s *Session) flush(ctx context.Context) error {
	entries := make([]*entry, 0, len(s.managed))
	for _, e := range s.managed {
		if !e.readOnly {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	updates := 0
	for _, e := range entries {
		changed, err := dirtyColumns(e)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			continue
		}
		if err := s.write(ctx, e); err != nil {
			return err
		}
		updates++
	}
	if updates > 0 {
		s.log.Debug("session flushed", "updates", updates, "managed", len(s.managed))
	}
	return nil
}

func (s *Session) flushEntry(ctx context.Context, e *entry) error {
	changed, err := dirtyColumns(e)
	if err != nil || len(changed) == 0 {
		return err
	}
	return s.write(ctx, e)
}

// write runs the update callback and writes the columns that differ from
// the snapshot, then takes a new snapshot.
func (s *Session) write(ctx context.Context, e *entry) error {
	if u, ok := e.value.(PreUpdater); ok {
		u.PreUpdate()
	}
	changed, err := dirtyColumns(e)
	if err != nil {
		return err
	}
	if err := s.current().Update(ctx, e.desc, e.value, changed); err != nil {
		return fmt.Errorf("update %s: %w", e.desc.Name(), err)
	}
	e.snapshot, err = snapshot(e.desc, e.value)
	return err
}

// snapshot encodes every column of model with msgpack, identifier first.
func snapshot(desc *metadata.EntityDescriptor, model any) ([][]byte, error) {
	cols := desc.Columns()
	out := make([][]byte, len(cols))
	for i, f := range cols {
		v, err := desc.Value(model, f)
		if err != nil {
			return nil, err
		}
		b, err := msgpack.Marshal(v.Interface())
		if err != nil {
			return nil, fmt.Errorf("snapshot %s.%s: %w", desc.Name(), f.Name, err)
		}
		out[i] = b
	}
	return out, nil
}

// dirtyColumns lists the non-identifier columns whose value changed since
// the snapshot.
func dirtyColumns(e *entry) ([]string, error) {
	if e.readOnly {
		return nil, nil
	}
	current, err := snapshot(e.desc, e.value)
	if err != nil {
		return nil, err
	}
	var changed []string
	for i, f := range e.desc.Columns() {
		if f.Identifier {
			continue
		}
		if i >= len(e.snapshot) || !bytes.Equal(e.snapshot[i], current[i]) {
			changed = append(changed, f.Column)
		}
	}
	return changed, nil
}
