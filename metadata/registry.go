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
	"sync"
	"unicode"
)

// Registry owns the entity descriptors of one engine. Descriptors are
// immutable, so lookups hand out shared pointers.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*EntityDescriptor
	byType map[reflect.Type]*EntityDescriptor
	order  []*EntityDescriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*EntityDescriptor),
		byType: make(map[reflect.Type]*EntityDescriptor),
	}
}

// Register adds descriptors in order. A name or Go type can be registered once.
func (r *Registry) Register(descs ...*EntityDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		if d == nil {
			return fmt.Errorf("nil entity descriptor")
		}
		key := strings.ToLower(d.name)
		if _, ok := r.byName[key]; ok {
			return fmt.Errorf("entity %s already registered", d.name)
		}
		if d.goType != nil {
			if other, ok := r.byType[d.goType]; ok {
				return fmt.Errorf("type %s already registered as %s", d.goType, other.name)
			}
			r.byType[d.goType] = d
		}
		r.byName[key] = d
		r.order = append(r.order, d)
	}
	return nil
}

func (r *Registry) Lookup(name string) (*EntityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[strings.ToLower(name)]
	return d, ok
}

// LookupType accepts T, *T, []T, []*T and pointers to those.
func (r *Registry) LookupType(t reflect.Type) (*EntityDescriptor, bool) {
	for t != nil && (t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice) {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	return d, ok
}

func (r *Registry) LookupModel(model any) (*EntityDescriptor, bool) {
	return r.LookupType(reflect.TypeOf(model))
}

// Entities returns descriptors in registration order.
func (r *Registry) Entities() []*EntityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityDescriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Validate checks that every relation points at a registered entity and
// that its join columns exist.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.order {
		for _, rel := range d.relations {
			target, ok := r.byName[strings.ToLower(rel.Target)]
			if !ok {
				return fmt.Errorf("relation %s.%s targets unregistered entity %s", d.name, rel.Name, rel.Target)
			}
			if _, ok := d.FieldByColumn(rel.LocalColumn); !ok {
				return fmt.Errorf("relation %s.%s: column %s not found on %s", d.name, rel.Name, rel.LocalColumn, d.name)
			}
			if _, ok := target.FieldByColumn(rel.TargetColumn); !ok {
				return fmt.Errorf("relation %s.%s: column %s not found on %s", d.name, rel.Name, rel.TargetColumn, target.name)
			}
		}
	}
	return nil
}

// Path is a resolved property path: zero or more relation hops followed by
// a field of the last entity.
type Path struct {
	Root      *EntityDescriptor
	Relations []Relation
	Owner     *EntityDescriptor
	Field     Field
}

// String returns the canonical dotted form, e.g. "Team.Name".
func (p Path) String() string {
	parts := make([]string, 0, len(p.Relations)+1)
	for _, rel := range p.Relations {
		parts = append(parts, rel.Name)
	}
	return strings.Join(append(parts, p.Field.Name), ".")
}

// Alias is the join alias of the entity owning the field; empty for the root.
func (p Path) Alias() string {
	return JoinAlias(p.Relations)
}

func (p Path) ToMany() bool {
	for _, rel := range p.Relations {
		if rel.ToMany() {
			return true
		}
	}
	return false
}

// JoinAlias joins relation aliases the way bun names nested joins.
func JoinAlias(rels []Relation) string {
	parts := make([]string, len(rels))
	for i, rel := range rels {
		parts[i] = rel.Alias
	}
	return strings.Join(parts, "__")
}

// PathError explains why a property expression did not resolve.
type PathError struct {
	Entity    string
	Expr      string
	Reason    string
	Ambiguous bool
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: cannot resolve property %q: %s", e.Entity, e.Expr, e.Reason)
}

// Resolve maps a property expression to a Path. Accepted forms are a field
// name or column ("username"), dotted or underscored traversal ("Team.Name",
// "Team_Name") and camel-case traversal ("TeamName"). Matching ignores case.
func (r *Registry) Resolve(root *EntityDescriptor, expr string) (Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Path{}, &PathError{Entity: root.name, Expr: expr, Reason: "empty property"}
	}
	if f, ok := root.Field(expr); ok {
		return Path{Root: root, Owner: root, Field: f}, nil
	}
	if f, ok := root.FieldByColumn(expr); ok {
		return Path{Root: root, Owner: root, Field: f}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.ContainsAny(expr, "._") {
		segs := strings.FieldsFunc(expr, func(c rune) bool { return c == '.' || c == '_' })
		return r.resolveSegments(root, expr, segs)
	}

	found := r.resolveCamel(root, root, expr, nil)
	switch len(found) {
	case 0:
		return Path{}, &PathError{Entity: root.name, Expr: expr, Reason: "no such property"}
	case 1:
		return found[0], nil
	default:
		alternatives := make([]string, len(found))
		for i, p := range found {
			alternatives[i] = p.String()
		}
		return Path{}, &PathError{Entity: root.name, Expr: expr, Ambiguous: true,
			Reason: "ambiguous property, matches " + strings.Join(alternatives, " and ")}
	}
}

func (r *Registry) resolveSegments(root *EntityDescriptor, expr string, segs []string) (Path, error) {
	cur := root
	var rels []Relation
	for i, seg := range segs {
		if i == len(segs)-1 {
			f, ok := cur.Field(seg)
			if !ok {
				return Path{}, &PathError{Entity: root.name, Expr: expr, Reason: fmt.Sprintf("%s has no field %s", cur.name, seg)}
			}
			return Path{Root: root, Relations: rels, Owner: cur, Field: f}, nil
		}
		rel, ok := cur.Relation(seg)
		if !ok {
			return Path{}, &PathError{Entity: root.name, Expr: expr, Reason: fmt.Sprintf("%s has no relation %s", cur.name, seg)}
		}
		target, ok := r.byName[strings.ToLower(rel.Target)]
		if !ok {
			return Path{}, &PathError{Entity: root.name, Expr: expr, Reason: fmt.Sprintf("relation target %s is not registered", rel.Target)}
		}
		rels = append(rels, rel)
		cur = target
	}
	return Path{}, &PathError{Entity: root.name, Expr: expr, Reason: "empty property"}
}

// resolveCamel tries every upper-case boundary as a relation/field split.
// A whole-segment field match on an entity wins over deeper splits.
func (r *Registry) resolveCamel(root, cur *EntityDescriptor, s string, via []Relation) []Path {
	if f, ok := cur.Field(s); ok {
		return []Path{{Root: root, Relations: via, Owner: cur, Field: f}}
	}
	var out []Path
	runes := []rune(s)
	for i := len(runes) - 1; i > 0; i-- {
		if !unicode.IsUpper(runes[i]) {
			continue
		}
		rel, ok := cur.Relation(string(runes[:i]))
		if !ok {
			continue
		}
		target, ok := r.byName[strings.ToLower(rel.Target)]
		if !ok {
			continue
		}
		next := make([]Relation, len(via), len(via)+1)
		copy(next, via)
		out = append(out, r.resolveCamel(root, target, string(runes[i:]), append(next, rel))...)
	}
	return out
}
