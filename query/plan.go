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

package query

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/types"
)

// Shape is the result shape of a select plan.
type Shape int

const (
	Single Shape = iota
	OptionalSingle
	List
	PageShape
	SliceShape
)

var _ types.BaseEnum = Single

var shapeNames = [...]string{"Single", "OptionalSingle", "List", "Page", "Slice"}

func (s Shape) IsValid() bool { return s >= Single && s <= SliceShape }

func (s Shape) Number() int {
	if !s.IsValid() {
		return types.IllegalValue
	}
	return int(s)
}

func (s Shape) String() string {
	if !s.IsValid() {
		return types.IllegalName
	}
	return shapeNames[s]
}

func (s Shape) Name() string { return s.String() }

func (s Shape) Desc() string {
	switch s {
	case Single:
		return "at most one entity, nil when absent"
	case OptionalSingle:
		return "an optional entity"
	case List:
		return "every matching entity"
	case PageShape:
		return "one page with the total count"
	case SliceShape:
		return "one page with a next-page flag"
	default:
		return types.IllegalDesc
	}
}

// Paged reports whether the shape needs a page request.
func (s Shape) Paged() bool { return s == PageShape || s == SliceShape }

// Kind is the statement kind of a plan.
type Kind int

const (
	KindSelect Kind = iota
	KindCount
	KindExists
	KindDelete
	KindModify
)

var _ types.BaseEnum = KindSelect

var kindNames = [...]string{"SELECT", "COUNT", "EXISTS", "DELETE", "MODIFY"}

func (k Kind) IsValid() bool { return k >= KindSelect && k <= KindModify }

func (k Kind) Number() int {
	if !k.IsValid() {
		return types.IllegalValue
	}
	return int(k)
}

func (k Kind) String() string {
	if !k.IsValid() {
		return types.IllegalName
	}
	return kindNames[k]
}

func (k Kind) Name() string { return k.String() }

func (k Kind) Desc() string {
	switch k {
	case KindSelect:
		return "loads entities or projections"
	case KindCount:
		return "counts matching rows"
	case KindExists:
		return "checks whether a row matches"
	case KindDelete:
		return "deletes matching rows"
	case KindModify:
		return "runs an update or delete statement"
	default:
		return types.IllegalDesc
	}
}

// Bulk reports whether the plan bypasses the identity map.
func (k Kind) Bulk() bool { return k == KindDelete || k == KindModify }

// LockMode is the row lock acquired by a select plan.
type LockMode int

const (
	LockNone LockMode = iota
	LockPessimisticWrite
)

var _ types.BaseEnum = LockNone

func (m LockMode) IsValid() bool { return m == LockNone || m == LockPessimisticWrite }

func (m LockMode) Number() int {
	if !m.IsValid() {
		return types.IllegalValue
	}
	return int(m)
}

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockPessimisticWrite:
		return "pessimistic_write"
	default:
		return types.IllegalName
	}
}

func (m LockMode) Name() string { return m.String() }

func (m LockMode) Desc() string {
	switch m {
	case LockNone:
		return "no row lock"
	case LockPessimisticWrite:
		return "row level write lock held until the transaction ends"
	default:
		return types.IllegalDesc
	}
}

// ParseLockMode accepts "none", "pessimistic_write" and "PESSIMISTIC-WRITE" style names.
func ParseLockMode(s string) (LockMode, error) {
	if strings.TrimSpace(s) == "" {
		return LockNone, nil
	}
	m, ok := types.EnumByName([]LockMode{LockNone, LockPessimisticWrite}, s)
	if !ok {
		return LockNone, fmt.Errorf("unknown lock mode %q", s)
	}
	return m, nil
}

// Slot is one bound parameter of a plan. Index is the position of the
// argument in the call.
type Slot struct {
	Index      int
	Name       string
	Type       metadata.SemanticType
	Collection bool
}

// SortKey is a resolved order-by entry.
type SortKey struct {
	Path      metadata.Path
	Direction types.Direction
}

func (k SortKey) String() string {
	return k.Path.String() + " " + k.Direction.String()
}

// ProjectedColumn selects Path into the DTO column Alias.
type ProjectedColumn struct {
	Path  metadata.Path
	Alias string
}

// ProjectionPlan is a compiled DTO projection.
type ProjectionPlan struct {
	Type    reflect.Type
	Columns []ProjectedColumn
}

// Plan is an immutable compiled query. Derived plans carry a Predicate;
// annotated plans carry Text. Plans are shared between goroutines once
// compiled and must not be modified.
type Plan struct {
	ID     string
	Method string
	Entity *metadata.EntityDescriptor
	Kind   Kind
	Shape  Shape

	Text      string
	Predicate Node
	Slots     []Slot

	// Fetch lists relation paths loaded with the result, e.g. "Team".
	Fetch    []string
	Sort     []SortKey
	Limit    int
	Distinct bool
	Hints    Hints

	Projection *ProjectionPlan
	// Count is the count plan of a Page plan.
	Count *Plan

	Fingerprint uint64
	PageParam   int
	SortParam   int
	ParamCount  int
}

// Annotated reports whether the plan runs caller supplied text.
func (p *Plan) Annotated() bool { return p.Text != "" }

// Paths returns every property path the plan touches, predicate first.
func (p *Plan) Paths() []metadata.Path {
	var out []metadata.Path
	Walk(p.Predicate, func(c Comparison) { out = append(out, c.Path) })
	for _, k := range p.Sort {
		out = append(out, k.Path)
	}
	return out
}

func (p *Plan) String() string {
	var b strings.Builder
	b.WriteString(p.ID)
	b.WriteString(": ")
	b.WriteString(p.Kind.String())
	if p.Distinct {
		b.WriteString(" DISTINCT")
	}
	if p.Entity != nil {
		b.WriteByte(' ')
		b.WriteString(p.Entity.Name())
	}
	if p.Projection != nil && p.Projection.Type != nil {
		fmt.Fprintf(&b, " AS %s", p.Projection.Type.Name())
	}
	if p.Annotated() {
		fmt.Fprintf(&b, " QUERY %q", p.Text)
	} else if p.Predicate != nil {
		b.WriteString(" WHERE ")
		b.WriteString(p.Predicate.String())
	}
	if len(p.Sort) > 0 {
		keys := make([]string, len(p.Sort))
		for i, k := range p.Sort {
			keys[i] = k.String()
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(keys, ", "))
	}
	if p.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", p.Limit)
	}
	var attrs []string
	if p.Kind == KindSelect {
		attrs = append(attrs, "shape="+p.Shape.String())
	}
	if len(p.Fetch) > 0 {
		attrs = append(attrs, "fetch="+strings.Join(p.Fetch, ","))
	}
	if p.Hints.ReadOnly {
		attrs = append(attrs, "readOnly")
	}
	if p.Hints.Lock != LockNone {
		lock := "lock=" + p.Hints.Lock.String()
		if p.Hints.LockTimeout > 0 {
			lock += "/" + p.Hints.LockTimeout.Round(time.Millisecond).String()
		}
		attrs = append(attrs, lock)
	}
	if p.Hints.ClearAutomatically {
		attrs = append(attrs, "clear")
	}
	if len(attrs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(attrs, " "))
	}
	return b.String()
}
