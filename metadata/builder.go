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

package metadata

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/datamapper/errs"
)

// FieldOption customizes a field declared on a Builder.
type FieldOption func(*Field)

// Column overrides the default snake_case column name.
func Column(name string) FieldOption {
	return func(f *Field) { f.Column = name }
}

func Nullable() FieldOption {
	return func(f *Field) { f.Nullable = true }
}

// Builder assembles an EntityDescriptor for manual registration.
//
//	desc, err := metadata.Describe("Member").
//		Model((*Member)(nil)).
//		ID("ID", metadata.TypeInt, metadata.GenerationAuto).
//		Field("Username", metadata.TypeString).
//		ManyToOne("Team", "Team", "team_id", metadata.FetchLazy).
//		Build()
type Builder struct {
	desc EntityDescriptor
	ids  []Field
}

func Describe(name string) *Builder {
	return &Builder{desc: EntityDescriptor{name: name}}
}

// Model binds the descriptor to the Go type of model (a struct or a pointer to one).
func (b *Builder) Model(model any) *Builder {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	b.desc.goType = t
	return b
}

func (b *Builder) Table(name string) *Builder {
	b.desc.table = name
	return b
}

func (b *Builder) Alias(alias string) *Builder {
	b.desc.alias = alias
	return b
}

// ID declares the identifier field. Declaring it twice makes Build fail.
func (b *Builder) ID(name string, t SemanticType, gen Generation, opts ...FieldOption) *Builder {
	f := Field{Name: name, Column: Underscore(name), Type: t, Identifier: true, Generation: gen}
	for _, opt := range opts {
		opt(&f)
	}
	b.ids = append(b.ids, f)
	return b
}

func (b *Builder) Field(name string, t SemanticType, opts ...FieldOption) *Builder {
	f := Field{Name: name, Column: Underscore(name), Type: t}
	for _, opt := range opts {
		opt(&f)
	}
	b.desc.fields = append(b.desc.fields, f)
	return b
}

// ManyToOne declares a relation whose foreign key localColumn lives on
// this entity and references the target's identifier.
func (b *Builder) ManyToOne(name, target, localColumn string, fetch FetchMode) *Builder {
	b.desc.relations = append(b.desc.relations, Relation{
		Name:         name,
		Alias:        Underscore(name),
		Target:       target,
		Cardinality:  ManyToOne,
		Fetch:        fetch,
		LocalColumn:  localColumn,
		TargetColumn: "id",
	})
	return b
}

// OneToMany declares a collection relation whose foreign key targetColumn
// lives on the target entity.
func (b *Builder) OneToMany(name, target, targetColumn string, fetch FetchMode) *Builder {
	b.desc.relations = append(b.desc.relations, Relation{
		Name:         name,
		Alias:        Underscore(name),
		Target:       target,
		Cardinality:  OneToMany,
		Fetch:        fetch,
		TargetColumn: targetColumn,
	})
	return b
}

// Build validates the declaration and returns the immutable descriptor.
func (b *Builder) Build() (*EntityDescriptor, error) {
	d := b.desc
	if d.name == "" {
		return nil, errs.NewDerivationError("", "", "entity name is required")
	}
	switch len(b.ids) {
	case 0:
		return nil, errs.NewDerivationError(d.name, "", "entity must declare exactly one identifier field")
	case 1:
		d.id = b.ids[0]
	default:
		return nil, errs.NewDerivationError(d.name, b.ids[1].Name,
			fmt.Sprintf("entity must declare exactly one identifier field, %s is already the identifier", b.ids[0].Name))
	}
	if d.table == "" {
		d.table = Underscore(d.name)
	}
	if d.alias == "" {
		d.alias = Underscore(d.name)
	}

	seen := map[string]bool{strings.ToLower(d.id.Name): true}
	d.fields = append([]Field(nil), d.fields...)
	for _, f := range d.fields {
		key := strings.ToLower(f.Name)
		if seen[key] {
			return nil, errs.NewDerivationError(d.name, f.Name, "duplicate field")
		}
		seen[key] = true
	}
	d.relations = append([]Relation(nil), d.relations...)
	for i := range d.relations {
		r := &d.relations[i]
		key := strings.ToLower(r.Name)
		if seen[key] {
			return nil, errs.NewDerivationError(d.name, r.Name, "relation name collides with another property")
		}
		seen[key] = true
		if r.Cardinality == OneToMany && r.LocalColumn == "" {
			r.LocalColumn = d.id.Column
		}
	}

	if d.goType != nil {
		if err := bindIndexes(&d); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func bindIndexes(d *EntityDescriptor) error {
	if d.goType.Kind() != reflect.Struct {
		return fmt.Errorf("entity %s: model must be a struct, got %s", d.name, d.goType)
	}
	lookup := func(name string) ([]int, error) {
		sf, ok := d.goType.FieldByName(name)
		if !ok {
			return nil, errs.NewDerivationError(d.name, name, fmt.Sprintf("no such field on %s", d.goType))
		}
		return sf.Index, nil
	}
	var err error
	if d.id.index, err = lookup(d.id.Name); err != nil {
		return err
	}
	for i := range d.fields {
		if d.fields[i].index, err = lookup(d.fields[i].Name); err != nil {
			return err
		}
	}
	for i := range d.relations {
		if d.relations[i].index, err = lookup(d.relations[i].Name); err != nil {
			return err
		}
	}
	return nil
}
