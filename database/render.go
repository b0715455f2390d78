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
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/session"
	"github.com/uptrace/bun"
)

// clause is a bun query fragment with its arguments.
type clause struct {
	sql  string
	args []any
}

// columnRef renders the column of path. Root columns are qualified with
// ?TableAlias unless qualify is false; joined columns use the join alias.
func columnRef(p metadata.Path, qualify bool) clause {
	switch {
	case len(p.Relations) > 0:
		return clause{"?.?", []any{bun.Ident(p.Alias()), bun.Ident(p.Field.Column)}}
	case qualify:
		return clause{"?TableAlias.?", []any{bun.Ident(p.Field.Column)}}
	default:
		return clause{"?", []any{bun.Ident(p.Field.Column)}}
	}
}

// renderPredicate turns a predicate tree into one WHERE fragment. args are
// the slot values in slot order.
func renderPredicate(node query.Node, args []any, qualify bool) (clause, error) {
	switch n := node.(type) {
	case nil:
		return clause{}, nil
	case query.And:
		return renderJunction(n.Left, n.Right, "AND", args, qualify)
	case query.Or:
		return renderJunction(n.Left, n.Right, "OR", args, qualify)
	case query.Comparison:
		return renderComparison(n, args, qualify)
	}
	return clause{}, fmt.Errorf("unsupported predicate node %T", node)
}

func renderJunction(left, right query.Node, op string, args []any, qualify bool) (clause, error) {
	l, err := renderPredicate(left, args, qualify)
	if err != nil {
		return clause{}, err
	}
	r, err := renderPredicate(right, args, qualify)
	if err != nil {
		return clause{}, err
	}
	return clause{
		sql:  "(" + l.sql + " " + op + " " + r.sql + ")",
		args: append(append([]any{}, l.args...), r.args...),
	}, nil
}

func renderComparison(c query.Comparison, args []any, qualify bool) (clause, error) {
	col := columnRef(c.Path, qualify)
	with := func(tail string, extra ...any) (clause, error) {
		return clause{sql: col.sql + tail, args: append(append([]any{}, col.args...), extra...)}, nil
	}
	var arg any
	if c.Operator.Arity() > 0 {
		if c.Slot < 0 || c.Slot >= len(args) {
			return clause{}, fmt.Errorf("predicate %s: slot %d is not bound", c, c.Slot)
		}
		arg = args[c.Slot]
	}

	switch c.Operator {
	case query.IsNull:
		return with(" IS NULL")
	case query.IsNotNull:
		return with(" IS NOT NULL")
	case query.Equals:
		if isNil(arg) {
			return with(" IS NULL")
		}
	case query.NotEquals:
		if isNil(arg) {
			return with(" IS NOT NULL")
		}
	case query.In:
		if length(arg) == 0 {
			return clause{sql: "1 = 0"}, nil
		}
		return with(" IN (?)", bun.In(arg))
	case query.NotIn:
		if length(arg) == 0 {
			return clause{sql: "1 = 1"}, nil
		}
		return with(" NOT IN (?)", bun.In(arg))
	}
	return with(" "+c.Operator.Symbol()+" ?", arg)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func length(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Len()
	}
	return 1
}

// joins returns the LEFT JOINs needed by paths whose relations are not
// already joined by a fetch.
func joins(req *session.Request, paths []metadata.Path) ([]clause, error) {
	fetched := make(map[string]bool)
	for _, f := range req.Plan.Fetch {
		aliases, err := fetchAliases(req, f)
		if err != nil {
			return nil, err
		}
		for _, a := range aliases {
			fetched[a] = true
		}
	}
	done := make(map[string]bool)
	var out []clause
	for _, p := range paths {
		for i := range p.Relations {
			rel := p.Relations[i]
			alias := metadata.JoinAlias(p.Relations[:i+1])
			if fetched[alias] || done[alias] {
				continue
			}
			done[alias] = true
			target, ok := req.Registry.Lookup(rel.Target)
			if !ok {
				return nil, fmt.Errorf("relation target %s is not registered", rel.Target)
			}
			parent := clause{"?TableAlias", nil}
			if i > 0 {
				parent = clause{"?", []any{bun.Ident(metadata.JoinAlias(p.Relations[:i]))}}
			}
			out = append(out, clause{
				sql: "LEFT JOIN ? AS ? ON ?.? = " + parent.sql + ".?",
				args: append(append([]any{bun.Ident(target.Table()), bun.Ident(alias), bun.Ident(alias), bun.Ident(rel.TargetColumn)},
					parent.args...), bun.Ident(rel.LocalColumn)),
			})
		}
	}
	return out, nil
}

// fetchAliases lists the join aliases bun gives the to-one relations of a
// fetch path such as "Team.Lead".
func fetchAliases(req *session.Request, path string) ([]string, error) {
	cur := req.Plan.Entity
	var rels []metadata.Relation
	var out []string
	for _, seg := range strings.Split(path, ".") {
		rel, ok := cur.Relation(seg)
		if !ok {
			return nil, fmt.Errorf("%s has no relation %s", cur.Name(), seg)
		}
		if rel.ToMany() {
			break
		}
		rels = append(rels, rel)
		out = append(out, metadata.JoinAlias(rels))
		if cur, ok = req.Registry.Lookup(rel.Target); !ok {
			return nil, fmt.Errorf("relation target %s is not registered", rel.Target)
		}
	}
	return out, nil
}

func orderClause(key query.SortKey) clause {
	col := columnRef(key.Path, true)
	return clause{sql: col.sql + " " + key.Direction.String(), args: col.args}
}

// rawArgs wraps collection slots with bun.In so "IN (?)" expands.
func rawArgs(plan *query.Plan, args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if i < len(plan.Slots) && plan.Slots[i].Collection {
			out[i] = bun.In(a)
			continue
		}
		out[i] = a
	}
	return out
}
