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

package derive

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/types"
)

var verbs = []struct {
	prefix string
	kind   query.Kind
}{
	{"find", query.KindSelect},
	{"get", query.KindSelect},
	{"read", query.KindSelect},
	{"query", query.KindSelect},
	{"search", query.KindSelect},
	{"stream", query.KindSelect},
	{"count", query.KindCount},
	{"exists", query.KindExists},
	{"delete", query.KindDelete},
	{"remove", query.KindDelete},
}

// suffixes are tried in order, longest first.
var suffixes = []struct {
	keyword  string
	operator query.Operator
}{
	{"GreaterThanEqual", query.GreaterThanEqual},
	{"LessThanEqual", query.LessThanEqual},
	{"GreaterThan", query.GreaterThan},
	{"IsNotNull", query.IsNotNull},
	{"LessThan", query.LessThan},
	{"NotNull", query.IsNotNull},
	{"Equals", query.Equals},
	{"IsNull", query.IsNull},
	{"IsNot", query.NotEquals},
	{"NotIn", query.NotIn},
	{"Like", query.Like},
	{"Null", query.IsNull},
	{"Not", query.NotEquals},
	{"In", query.In},
	{"Is", query.Equals},
}

var limitMarker = regexp.MustCompile(`(First|Top)(\d*)`)

// Derive parses the method name into a plan skeleton: kind, shape,
// predicate, slots, static sort, limit and distinct flag. The compiler
// completes it with fetch directives, hints and the count plan.
func Derive(reg *metadata.Registry, entity *metadata.EntityDescriptor, m query.Method) (*query.Plan, error) {
	d := &deriver{reg: reg, entity: entity, method: m}
	return d.derive()
}

type deriver struct {
	reg    *metadata.Registry
	entity *metadata.EntityDescriptor
	method query.Method

	layout query.Layout
	next   int
	slots  []query.Slot
}

func (d *deriver) fail(fragment, reason string) error {
	return errs.NewDerivationError(d.method.Name, fragment, reason)
}

func (d *deriver) derive() (*query.Plan, error) {
	name := d.method.Name
	kind, rest, ok := splitVerb(name)
	if !ok {
		return nil, d.fail(name, "method name must start with find, get, read, query, search, stream, count, exists, delete or remove")
	}

	layout, err := query.LayoutOf(d.method.Params)
	if err != nil {
		return nil, d.fail("", err.Error())
	}
	d.layout = layout

	rest, orderPart, hasOrder := cutKeyword(rest, "OrderBy")
	subject, criteria, hasBy := cutKeyword(rest, "By")
	if hasBy && criteria == "" && !hasOrder {
		return nil, d.fail(name, "missing criteria after By")
	}
	if hasOrder && orderPart == "" {
		return nil, d.fail(name, "missing property after OrderBy")
	}

	plan := &query.Plan{
		Method:     name,
		Entity:     d.entity,
		Kind:       kind,
		PageParam:  layout.PageParam,
		SortParam:  layout.SortParam,
		ParamCount: layout.Count,
	}
	if err := d.parseSubject(plan, subject); err != nil {
		return nil, err
	}
	if criteria != "" {
		if plan.Predicate, err = d.parseCriteria(criteria); err != nil {
			return nil, err
		}
	}
	if d.next != len(layout.Values) {
		return nil, d.fail(criteria, fmt.Sprintf("method declares %d value parameters but its criteria bind %d", len(layout.Values), d.next))
	}
	plan.Slots = d.slots
	if hasOrder {
		if plan.Sort, err = d.parseOrder(orderPart); err != nil {
			return nil, err
		}
	}
	if err := d.shape(plan); err != nil {
		return nil, err
	}
	if kind == query.KindDelete {
		for _, c := range query.Comparisons(plan.Predicate) {
			if len(c.Path.Relations) > 0 {
				return nil, d.fail(c.Path.String(), "derived delete cannot filter on a relation path")
			}
		}
	}
	return plan, nil
}

func splitVerb(name string) (query.Kind, string, bool) {
	for _, v := range verbs {
		if !strings.HasPrefix(name, v.prefix) {
			continue
		}
		rest := name[len(v.prefix):]
		if rest != "" && !startsUpper(rest) {
			continue
		}
		return v.kind, rest, true
	}
	return query.KindSelect, "", false
}

// cutKeyword splits s around the first occurrence of keyword that starts at
// a word boundary and is followed by an upper-case letter or the end.
func cutKeyword(s, keyword string) (before, after string, found bool) {
	for i := 0; i+len(keyword) <= len(s); i++ {
		if !strings.HasPrefix(s[i:], keyword) {
			continue
		}
		end := i + len(keyword)
		if end < len(s) && !startsUpper(s[end:]) {
			continue
		}
		return s[:i], s[end:], true
	}
	return s, "", false
}

// splitKeyword splits s on every keyword that sits between two words.
func splitKeyword(s, keyword string) []string {
	var parts []string
	start := 0
	for i := 1; i+len(keyword) < len(s); i++ {
		if !strings.HasPrefix(s[i:], keyword) || !startsUpper(s[i+len(keyword):]) {
			continue
		}
		parts = append(parts, s[start:i])
		start = i + len(keyword)
		i = start
	}
	return append(parts, s[start:])
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

// parseSubject reads Distinct and First<N>/Top<N>; other words are ignored.
func (d *deriver) parseSubject(plan *query.Plan, subject string) error {
	if strings.Contains(subject, "Distinct") {
		plan.Distinct = true
	}
	if match := limitMarker.FindStringSubmatch(subject); match != nil {
		limit := 1
		if match[2] != "" {
			n, err := strconv.Atoi(match[2])
			if err != nil || n <= 0 {
				return d.fail(match[0], "limit must be a positive number")
			}
			limit = n
		}
		if plan.Kind != query.KindSelect {
			return d.fail(match[0], "limits only apply to find methods")
		}
		plan.Limit = limit
	}
	return nil
}

// parseCriteria splits on Or, then And; And binds tighter and both fold left.
func (d *deriver) parseCriteria(criteria string) (query.Node, error) {
	var branches []query.Node
	for _, branch := range splitKeyword(criteria, "Or") {
		if branch == "" {
			return nil, d.fail(criteria, "empty clause around Or")
		}
		var atoms []query.Node
		for _, atom := range splitKeyword(branch, "And") {
			if atom == "" {
				return nil, d.fail(branch, "empty clause around And")
			}
			c, err := d.parseAtom(atom)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, c)
		}
		branches = append(branches, query.Conjoin(atoms...))
	}
	return query.Disjoin(branches...), nil
}

func (d *deriver) parseAtom(atom string) (query.Node, error) {
	path, op, err := d.resolveAtom(atom)
	if err != nil {
		return nil, err
	}
	if path.ToMany() {
		return nil, d.fail(atom, "cannot compare through a collection relation")
	}
	c := query.Comparison{Path: path, Operator: op, Slot: -1}
	if op.Arity() == 0 {
		return c, nil
	}
	if d.next >= len(d.layout.Values) {
		return nil, d.fail(atom, "no parameter left to bind")
	}
	idx := d.layout.Values[d.next]
	param := d.method.Params[idx]
	if op.Collection() != param.Collection {
		if op.Collection() {
			return nil, d.fail(atom, fmt.Sprintf("%s needs a collection parameter, %s is scalar", op, param.Name))
		}
		return nil, d.fail(atom, fmt.Sprintf("parameter %s is a collection, use In or NotIn", param.Name))
	}
	if param.Type != "" && !path.Field.Type.Accepts(param.Type) {
		return nil, d.fail(atom, fmt.Sprintf("parameter %s of type %s does not match %s of type %s", param.Name, param.Type, path, path.Field.Type))
	}
	if op == query.Like && !path.Field.Type.Accepts(metadata.TypeString) {
		return nil, d.fail(atom, "Like only applies to string properties")
	}
	c.Slot = d.next
	d.slots = append(d.slots, query.Slot{Index: idx, Name: param.Name, Type: path.Field.Type, Collection: param.Collection})
	d.next++
	return c, nil
}

// resolveAtom tries each operator suffix whose remainder resolves to a
// property, then the whole atom as an implicit Equals.
func (d *deriver) resolveAtom(atom string) (metadata.Path, query.Operator, error) {
	for _, s := range suffixes {
		if len(atom) <= len(s.keyword) || !strings.HasSuffix(atom, s.keyword) {
			continue
		}
		path, err := d.reg.Resolve(d.entity, atom[:len(atom)-len(s.keyword)])
		if err == nil {
			return path, s.operator, nil
		}
		var pe *metadata.PathError
		if errors.As(err, &pe) && pe.Ambiguous {
			return metadata.Path{}, 0, d.fail(atom, pe.Reason)
		}
	}
	path, err := d.reg.Resolve(d.entity, atom)
	if err != nil {
		var pe *metadata.PathError
		if errors.As(err, &pe) {
			return metadata.Path{}, 0, d.fail(atom, pe.Reason)
		}
		return metadata.Path{}, 0, d.fail(atom, err.Error())
	}
	return path, query.Equals, nil
}

// parseOrder reads "UsernameDescAgeAsc"; a property without direction sorts
// ascending.
func (d *deriver) parseOrder(order string) ([]query.SortKey, error) {
	var keys []query.SortKey
	rest := order
	for rest != "" {
		idx, dir, n := nextDirection(rest)
		prop := rest
		if idx < 0 {
			rest = ""
		} else {
			prop, rest = rest[:idx], rest[idx+n:]
		}
		if prop == "" {
			return nil, d.fail(order, "missing property before direction")
		}
		path, err := d.reg.Resolve(d.entity, prop)
		if err != nil {
			return nil, d.fail(prop, err.Error())
		}
		if path.ToMany() {
			return nil, d.fail(prop, "cannot sort by a collection relation")
		}
		keys = append(keys, query.SortKey{Path: path, Direction: dir})
	}
	return keys, nil
}

func nextDirection(s string) (int, types.Direction, int) {
	for i := 1; i < len(s); i++ {
		for _, kw := range []struct {
			word string
			dir  types.Direction
		}{{"Desc", types.Descending}, {"Asc", types.Ascending}} {
			if !strings.HasPrefix(s[i:], kw.word) {
				continue
			}
			end := i + len(kw.word)
			if end == len(s) || startsUpper(s[end:]) {
				return i, kw.dir, len(kw.word)
			}
		}
	}
	return -1, types.Ascending, 0
}

// shape validates the declared return against the verb and paging
// parameters and sets the plan shape.
func (d *deriver) shape(plan *query.Plan) error {
	ret := d.method.Returns.Kind
	paged := plan.PageParam >= 0
	switch plan.Kind {
	case query.KindCount:
		if ret != query.ReturnDefault && ret != query.ReturnCount {
			return d.fail("", "count methods return a count")
		}
		return d.rejectPaging(paged)
	case query.KindExists:
		if ret != query.ReturnDefault && ret != query.ReturnBool {
			return d.fail("", "exists methods return a bool")
		}
		return d.rejectPaging(paged)
	case query.KindDelete:
		if ret != query.ReturnDefault && ret != query.ReturnCount && ret != query.ReturnVoid {
			return d.fail("", "delete methods return the deleted row count or nothing")
		}
		return d.rejectPaging(paged)
	}
	return SelectShape(d.method, plan)
}

func (d *deriver) rejectPaging(paged bool) error {
	if paged {
		return d.fail("", "page requests only apply to find methods")
	}
	return nil
}

// SelectShape maps the declared return of a select method to a shape.
// Page and Slice need a page request parameter; a List with one is paged
// without a count query.
func SelectShape(m query.Method, plan *query.Plan) error {
	paged := plan.PageParam >= 0
	fail := func(reason string) error { return errs.NewDerivationError(m.Name, "", reason) }
	switch m.Returns.Kind {
	case query.ReturnDefault, query.ReturnList:
		plan.Shape = query.List
	case query.ReturnEntity:
		plan.Shape = query.Single
	case query.ReturnOptional:
		plan.Shape = query.OptionalSingle
	case query.ReturnPage:
		plan.Shape = query.PageShape
	case query.ReturnSlice:
		plan.Shape = query.SliceShape
	default:
		return fail(fmt.Sprintf("find methods cannot return %s", m.Returns.Kind))
	}
	if plan.Shape.Paged() && !paged {
		return fail(fmt.Sprintf("%s results need a page request parameter", plan.Shape))
	}
	if paged && (plan.Shape == query.Single || plan.Shape == query.OptionalSingle) {
		return fail("single results cannot take a page request")
	}
	if paged && plan.Limit > 0 {
		return fail("First/Top cannot be combined with a page request")
	}
	return nil
}
