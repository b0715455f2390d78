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
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// SemanticType is the engine's view of a field type, independent of the
// Go representation and of the database column type.
type SemanticType string

const (
	TypeString SemanticType = "string"
	TypeInt    SemanticType = "int"
	TypeFloat  SemanticType = "float"
	TypeBool   SemanticType = "bool"
	TypeTime   SemanticType = "time"
	TypeBytes  SemanticType = "bytes"
	TypeAny    SemanticType = "any"
)

var (
	timeType       = reflect.TypeOf(time.Time{})
	nullStringType = reflect.TypeOf(sql.NullString{})
	nullInt64Type  = reflect.TypeOf(sql.NullInt64{})
	nullInt32Type  = reflect.TypeOf(sql.NullInt32{})
	nullFloatType  = reflect.TypeOf(sql.NullFloat64{})
	nullBoolType   = reflect.TypeOf(sql.NullBool{})
	nullTimeType   = reflect.TypeOf(sql.NullTime{})
)

// TypeOf maps a Go type to its semantic type.
func TypeOf(t reflect.Type) SemanticType {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t {
	case timeType, nullTimeType:
		return TypeTime
	case nullStringType:
		return TypeString
	case nullInt64Type, nullInt32Type:
		return TypeInt
	case nullFloatType:
		return TypeFloat
	case nullBoolType:
		return TypeBool
	}
	switch t.Kind() {
	case reflect.String:
		return TypeString
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInt
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeBytes
		}
	}
	return TypeAny
}

// ParseType parses the names used in YAML manifests.
func ParseType(s string) (SemanticType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text":
		return TypeString, nil
	case "int", "integer", "long":
		return TypeInt, nil
	case "float", "double", "decimal":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "time", "timestamp", "datetime":
		return TypeTime, nil
	case "bytes", "binary":
		return TypeBytes, nil
	case "any", "":
		return TypeAny, nil
	default:
		return TypeAny, fmt.Errorf("unknown semantic type %q", s)
	}
}

// Accepts reports whether a value of type other can be bound where t is expected.
func (t SemanticType) Accepts(other SemanticType) bool {
	return t == other || t == TypeAny || other == TypeAny
}

// Generation is the identifier generation strategy.
type Generation int

const (
	GenerationNone Generation = iota
	GenerationAuto
)

func (g Generation) String() string {
	if g == GenerationAuto {
		return "auto"
	}
	return "none"
}

type Cardinality int

const (
	ManyToOne Cardinality = iota
	OneToMany
)

func (c Cardinality) String() string {
	if c == OneToMany {
		return "one-to-many"
	}
	return "many-to-one"
}

// FetchMode is the default loading strategy of a relation.
type FetchMode int

const (
	FetchLazy FetchMode = iota
	FetchEager
)

func (f FetchMode) String() string {
	if f == FetchEager {
		return "eager"
	}
	return "lazy"
}

// Field is a persistable field. Name is the Go field name, Column the
// database column.
type Field struct {
	Name       string
	Column     string
	Type       SemanticType
	Nullable   bool
	Identifier bool
	Generation Generation
	index      []int
}

// Relation describes a many-to-one or one-to-many association. LocalColumn
// lives on the owning entity, TargetColumn on the target entity.
type Relation struct {
	Name         string
	Alias        string
	Target       string
	Cardinality  Cardinality
	Fetch        FetchMode
	LocalColumn  string
	TargetColumn string
	index        []int
}

func (r Relation) ToMany() bool { return r.Cardinality == OneToMany }

// EntityDescriptor is the immutable metadata of one entity type.
type EntityDescriptor struct {
	name      string
	table     string
	alias     string
	goType    reflect.Type
	id        Field
	fields    []Field
	relations []Relation
}

func (d *EntityDescriptor) Name() string { return d.name }

func (d *EntityDescriptor) Table() string { return d.table }

// Alias is the table alias used in generated statements.
func (d *EntityDescriptor) Alias() string { return d.alias }

// Type returns the Go struct type, or nil for descriptors loaded from a
// manifest without a model.
func (d *EntityDescriptor) Type() reflect.Type { return d.goType }

func (d *EntityDescriptor) ID() Field { return d.id }

// Fields returns the non-identifier persistable fields in declaration order.
func (d *EntityDescriptor) Fields() []Field {
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out
}

// Columns returns the identifier followed by every persistable field.
func (d *EntityDescriptor) Columns() []Field {
	out := make([]Field, 0, len(d.fields)+1)
	out = append(out, d.id)
	return append(out, d.fields...)
}

func (d *EntityDescriptor) Relations() []Relation {
	out := make([]Relation, len(d.relations))
	copy(out, d.relations)
	return out
}

// Field looks a field up by Go name, ignoring case.
func (d *EntityDescriptor) Field(name string) (Field, bool) {
	if strings.EqualFold(d.id.Name, name) {
		return d.id, true
	}
	for _, f := range d.fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

func (d *EntityDescriptor) FieldByColumn(column string) (Field, bool) {
	if d.id.Column == column {
		return d.id, true
	}
	for _, f := range d.fields {
		if f.Column == column {
			return f, true
		}
	}
	return Field{}, false
}

// Relation looks a relation up by Go name, ignoring case.
func (d *EntityDescriptor) Relation(name string) (Relation, bool) {
	for _, r := range d.relations {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Relation{}, false
}

// Reflective reports whether the descriptor is bound to a Go type.
func (d *EntityDescriptor) Reflective() bool { return d.goType != nil }

// New allocates a zero entity and returns a pointer to it.
func (d *EntityDescriptor) New() any {
	return reflect.New(d.goType).Interface()
}

func (d *EntityDescriptor) structValue(model any) (reflect.Value, error) {
	if d.goType == nil {
		return reflect.Value{}, fmt.Errorf("entity %s is not bound to a Go type", d.name)
	}
	rv := reflect.ValueOf(model)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Type() != d.goType {
		return reflect.Value{}, fmt.Errorf("expected *%s, got %T", d.goType.Name(), model)
	}
	return rv.Elem(), nil
}

// Value returns the addressable value of field f inside model.
func (d *EntityDescriptor) Value(model any, f Field) (reflect.Value, error) {
	rv, err := d.structValue(model)
	if err != nil {
		return reflect.Value{}, err
	}
	return rv.FieldByIndex(f.index), nil
}

// IDOf returns the identifier value of model.
func (d *EntityDescriptor) IDOf(model any) (any, error) {
	v, err := d.Value(model, d.id)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// HasZeroID reports whether the identifier of model is unset.
func (d *EntityDescriptor) HasZeroID(model any) (bool, error) {
	v, err := d.Value(model, d.id)
	if err != nil {
		return false, err
	}
	return v.IsZero(), nil
}

// SetID assigns id to the identifier of model, converting numeric kinds.
func (d *EntityDescriptor) SetID(model any, id any) error {
	v, err := d.Value(model, d.id)
	if err != nil {
		return err
	}
	iv := reflect.ValueOf(id)
	if !iv.Type().ConvertibleTo(v.Type()) {
		return fmt.Errorf("cannot assign %T to %s.%s", id, d.name, d.id.Name)
	}
	v.Set(iv.Convert(v.Type()))
	return nil
}

// RelationValue returns the addressable value of relation r inside model.
func (d *EntityDescriptor) RelationValue(model any, r Relation) (reflect.Value, error) {
	rv, err := d.structValue(model)
	if err != nil {
		return reflect.Value{}, err
	}
	if r.index == nil {
		return reflect.Value{}, fmt.Errorf("relation %s.%s is not bound to a Go field", d.name, r.Name)
	}
	return rv.FieldByIndex(r.index), nil
}

func (d *EntityDescriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.name, d.table)
}

// IdentityKey normalizes identifier values so that int, int32 and int64
// forms of the same number map to the same key.
func IdentityKey(id any) any {
	rv := reflect.ValueOf(id)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	}
	return rv.Interface()
}
