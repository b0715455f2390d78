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
)

// ParamKind separates value parameters from the trailing paging and sort
// parameters of a method.
type ParamKind int

const (
	ParamValue ParamKind = iota
	ParamPage
	ParamSort
)

// Param declares one positional parameter of a repository method.
type Param struct {
	Name       string
	Type       metadata.SemanticType
	Collection bool
	Kind       ParamKind
}

// Value declares a scalar parameter.
func Value(name string, t metadata.SemanticType) Param {
	return Param{Name: name, Type: t}
}

// Values declares a collection parameter, bound by In and NotIn.
func Values(name string, t metadata.SemanticType) Param {
	return Param{Name: name, Type: t, Collection: true}
}

// Pageable declares the types.PageRequest parameter of a paged method.
func Pageable() Param {
	return Param{Name: "pageable", Kind: ParamPage}
}

// Sorting declares a types.Sort parameter.
func Sorting() Param {
	return Param{Name: "sort", Kind: ParamSort}
}

func (p Param) String() string {
	switch p.Kind {
	case ParamPage:
		return p.Name + ":pageable"
	case ParamSort:
		return p.Name + ":sort"
	}
	if p.Collection {
		return fmt.Sprintf("%s:[]%s", p.Name, p.Type)
	}
	return fmt.Sprintf("%s:%s", p.Name, p.Type)
}

// Layout is the parameter layout of a method once validated: value
// parameters first, then at most one page and one sort parameter.
type Layout struct {
	Values    []int
	PageParam int
	SortParam int
	Count     int
}

// LayoutOf validates that paging and sort parameters only appear after the
// value parameters.
func LayoutOf(params []Param) (Layout, error) {
	l := Layout{PageParam: -1, SortParam: -1, Count: len(params)}
	trailing := false
	for i, p := range params {
		switch p.Kind {
		case ParamValue:
			if trailing {
				return l, fmt.Errorf("value parameter %s declared after a paging or sort parameter", p.Name)
			}
			l.Values = append(l.Values, i)
		case ParamPage:
			if l.PageParam >= 0 {
				return l, fmt.Errorf("more than one page request parameter")
			}
			trailing = true
			l.PageParam = i
		case ParamSort:
			if l.SortParam >= 0 {
				return l, fmt.Errorf("more than one sort parameter")
			}
			trailing = true
			l.SortParam = i
		default:
			return l, fmt.Errorf("parameter %s has unknown kind %d", p.Name, p.Kind)
		}
	}
	return l, nil
}

// ReturnKind is the declared return type of a method. ReturnDefault lets
// the verb decide: a list for find, a count for count and delete, a bool
// for exists.
type ReturnKind int

const (
	ReturnDefault ReturnKind = iota
	ReturnEntity
	ReturnOptional
	ReturnList
	ReturnPage
	ReturnSlice
	ReturnCount
	ReturnBool
	ReturnVoid
)

var returnNames = [...]string{
	ReturnDefault:  "default",
	ReturnEntity:   "entity",
	ReturnOptional: "optional",
	ReturnList:     "list",
	ReturnPage:     "page",
	ReturnSlice:    "slice",
	ReturnCount:    "count",
	ReturnBool:     "bool",
	ReturnVoid:     "void",
}

func (k ReturnKind) String() string {
	if k < ReturnDefault || k > ReturnVoid {
		return "unknown"
	}
	return returnNames[k]
}

// ParseReturnKind accepts the names printed by String.
func ParseReturnKind(s string) (ReturnKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ReturnDefault, nil
	}
	for i, name := range returnNames {
		if name == s {
			return ReturnKind(i), nil
		}
	}
	return ReturnDefault, fmt.Errorf("unknown return kind %q", s)
}

// Return is the declared result of a method; Projection is set for DTO results.
type Return struct {
	Kind       ReturnKind
	Projection *Projection
}

// Projection maps query columns onto a DTO struct. For derived methods
// Columns are entity properties mapped positionally onto the exported DTO
// fields; left empty, DTO fields are matched to properties by name. For
// annotated methods the query's column names are matched to the DTO.
type Projection struct {
	Type    reflect.Type
	Columns []string
}

// NewProjection describes the DTO type of dto (a struct or pointer to one).
func NewProjection(dto any, columns ...string) *Projection {
	t := reflect.TypeOf(dto)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return &Projection{Type: t, Columns: columns}
}

// FetchMode of a fetch directive.
type FetchMode int

const (
	FetchJoin FetchMode = iota
	FetchLazy
)

func (m FetchMode) String() string {
	if m == FetchLazy {
		return "lazy"
	}
	return "join"
}

// FetchDirective asks for a relation path to be loaded with the result
// (Join) or explicitly left unloaded (Lazy).
type FetchDirective struct {
	Path string
	Mode FetchMode
}

// JoinFetch is shorthand for a Join directive on path.
func JoinFetch(path string) FetchDirective {
	return FetchDirective{Path: path, Mode: FetchJoin}
}

// LazyFetch is shorthand for a Lazy directive on path.
func LazyFetch(path string) FetchDirective {
	return FetchDirective{Path: path, Mode: FetchLazy}
}

// Hints is the per-method execution configuration.
type Hints struct {
	// ReadOnly loads entities without snapshots; they are never flushed.
	ReadOnly bool
	Lock     LockMode
	// LockTimeout overrides the engine default for this method.
	LockTimeout time.Duration
	// ClearAutomatically evicts managed entities of the entity type after a
	// modifying query.
	ClearAutomatically bool
	// FlushAutomatically flushes the session before a modifying query even
	// when the flush mode is commit.
	FlushAutomatically bool
	// ForCounting applies ReadOnly to the derived count query as well.
	ForCounting bool
}

// Method is the declaration of one repository method.
type Method struct {
	Name    string
	Params  []Param
	Returns Return

	// Query is annotated query text; empty for derived methods. Positional
	// placeholders (?0, ?1) bind value parameters in declaration order.
	Query string
	// CountQuery overrides the count query of annotated page methods.
	CountQuery string
	// Modifying marks an annotated update or delete statement.
	Modifying bool

	Fetch []FetchDirective
	Hints Hints
}

// Annotated reports whether the method carries its own query text.
func (m Method) Annotated() bool { return strings.TrimSpace(m.Query) != "" }

// Canonical is the stable textual form of the declaration used for plan
// cache keys and fingerprints.
func (m Method) Canonical() string {
	var b strings.Builder
	b.WriteString(m.Name)
	b.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.String())
	}
	b.WriteString(")->")
	b.WriteString(m.Returns.Kind.String())
	if pr := m.Returns.Projection; pr != nil {
		if pr.Type != nil {
			fmt.Fprintf(&b, "<%s.%s>", pr.Type.PkgPath(), pr.Type.Name())
		}
		fmt.Fprintf(&b, "[%s]", strings.Join(pr.Columns, ","))
	}
	fmt.Fprintf(&b, "|q=%s|cq=%s|mod=%t|", m.Query, m.CountQuery, m.Modifying)
	for _, f := range m.Fetch {
		fmt.Fprintf(&b, "%s:%s;", f.Path, f.Mode)
	}
	h := m.Hints
	fmt.Fprintf(&b, "|ro=%t,lock=%s,lt=%s,clear=%t,flush=%t,fc=%t",
		h.ReadOnly, h.Lock, h.LockTimeout, h.ClearAutomatically, h.FlushAutomatically, h.ForCounting)
	return b.String()
}
