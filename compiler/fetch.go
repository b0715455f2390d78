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

package compiler

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
)

// fetch validates the fetch directives of m and returns the relation paths
// to load: Join directives in declaration order, then eager relations of
// the entity that no directive mentions.
func (c *Compiler) fetch(entity *metadata.EntityDescriptor, m query.Method, plan *query.Plan) ([]string, error) {
	if len(m.Fetch) > 0 {
		if plan.Kind != query.KindSelect {
			return nil, errs.NewDerivationError(m.Name, "", "fetch directives only apply to select methods")
		}
		if plan.Projection != nil {
			return nil, errs.NewDerivationError(m.Name, "", "fetch directives do not apply to projections")
		}
	}

	modes := make(map[string]query.FetchMode, len(m.Fetch))
	var joins []string
	for _, fd := range m.Fetch {
		path, err := c.relationPath(entity, m.Name, fd.Path)
		if err != nil {
			return nil, err
		}
		if prev, ok := modes[path]; ok {
			if prev == fd.Mode {
				return nil, errs.NewConflictingFetchError(m.Name, path, "declared more than once")
			}
			return nil, errs.NewConflictingFetchError(m.Name, path, "declared both join and lazy")
		}
		modes[path] = fd.Mode
		if fd.Mode == query.FetchJoin {
			joins = append(joins, path)
		}
	}
	for _, path := range joins {
		for prefix := parent(path); prefix != ""; prefix = parent(prefix) {
			if mode, ok := modes[prefix]; ok && mode == query.FetchLazy {
				return nil, errs.NewConflictingFetchError(m.Name, path, fmt.Sprintf("parent %s is declared lazy", prefix))
			}
		}
	}

	if plan.Kind != query.KindSelect || plan.Projection != nil {
		return nil, nil
	}
	out := joins
	for _, rel := range entity.Relations() {
		if rel.Fetch != metadata.FetchEager {
			continue
		}
		if _, ok := modes[rel.Name]; ok {
			continue
		}
		out = append(out, rel.Name)
	}
	return out, nil
}

// relationPath resolves "team.members" style paths to canonical relation
// names ("Team.Members").
func (c *Compiler) relationPath(entity *metadata.EntityDescriptor, method, expr string) (string, error) {
	segs := strings.FieldsFunc(expr, func(r rune) bool { return r == '.' || r == '_' })
	if len(segs) == 0 {
		return "", errs.NewDerivationError(method, expr, "empty fetch path")
	}
	cur := entity
	names := make([]string, 0, len(segs))
	for i, seg := range segs {
		rel, ok := cur.Relation(seg)
		if !ok {
			return "", errs.NewDerivationError(method, expr, fmt.Sprintf("%s has no relation %s", cur.Name(), seg))
		}
		names = append(names, rel.Name)
		if i == len(segs)-1 {
			break
		}
		target, ok := c.registry.Lookup(rel.Target)
		if !ok {
			return "", errs.NewDerivationError(method, expr, fmt.Sprintf("relation target %s is not registered", rel.Target))
		}
		cur = target
	}
	return strings.Join(names, "."), nil
}

func parent(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i]
	}
	return ""
}

type dtoField struct {
	name  string
	alias string
}

// projection compiles a DTO projection. Annotated plans scan their own
// columns by name, so only the DTO type is kept.
func (c *Compiler) projection(entity *metadata.EntityDescriptor, m query.Method, plan *query.Plan) (*query.ProjectionPlan, error) {
	pr := m.Returns.Projection
	fail := func(fragment, reason string) error { return errs.NewDerivationError(m.Name, fragment, reason) }
	if plan.Kind != query.KindSelect {
		return nil, fail("", "projections only apply to select methods")
	}
	if pr.Type == nil || pr.Type.Kind() != reflect.Struct {
		return nil, fail("", "projection type must be a struct")
	}
	pp := &query.ProjectionPlan{Type: pr.Type}
	if plan.Annotated() {
		return pp, nil
	}

	fields := dtoFields(pr.Type)
	if len(fields) == 0 {
		return nil, fail(pr.Type.Name(), "projection has no exported fields")
	}
	if len(pr.Columns) > 0 && len(pr.Columns) != len(fields) {
		return nil, fail(pr.Type.Name(), fmt.Sprintf("projection lists %d columns for %d fields", len(pr.Columns), len(fields)))
	}
	for i, f := range fields {
		expr := f.name
		if len(pr.Columns) > 0 {
			expr = pr.Columns[i]
		}
		path, err := c.registry.Resolve(entity, expr)
		if err != nil {
			return nil, fail(expr, err.Error())
		}
		if path.ToMany() {
			return nil, fail(expr, "cannot project a collection relation")
		}
		pp.Columns = append(pp.Columns, query.ProjectedColumn{Path: path, Alias: f.alias})
	}
	return pp, nil
}

func dtoFields(t reflect.Type) []dtoField {
	var out []dtoField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" || sf.Anonymous {
			continue
		}
		tag := sf.Tag.Get("bun")
		if tag == "-" {
			continue
		}
		alias := metadata.Underscore(sf.Name)
		if name := strings.Split(tag, ",")[0]; name != "" && !strings.Contains(name, ":") {
			alias = name
		}
		out = append(out, dtoField{name: sf.Name, alias: alias})
	}
	return out
}
