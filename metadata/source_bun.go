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
	"sort"
	"strings"

	"github.com/uptrace/bun/schema"
)

// TagName is the struct tag read in addition to the bun tag. Supported
// options: "generated" on the identifier, "eager" on a relation.
//
//	ID   string `bun:"id,pk" datamapper:"generated"`
//	Team *Team  `bun:"rel:belongs-to,join:team_id=id" datamapper:"eager"`
const TagName = "datamapper"

// TableProvider exposes bun's table metadata; *bun.DB satisfies it.
type TableProvider interface {
	Table(typ reflect.Type) *schema.Table
}

// FromModel builds a descriptor from the bun table metadata of model.
// Belongs-to relations become many-to-one, has-many relations one-to-many;
// other relation kinds are ignored.
func FromModel(tables TableProvider, model any) (*EntityDescriptor, error) {
	typ := reflect.TypeOf(model)
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct or a pointer to one, got %T", model)
	}
	table := tables.Table(typ)
	if table == nil {
		return nil, fmt.Errorf("no bun table metadata for %s", typ)
	}

	b := Describe(typ.Name()).Model(model).Table(table.Name).Alias(table.Alias)
	for _, f := range table.Fields {
		sf, ok := typ.FieldByName(f.GoName)
		if !ok {
			continue
		}
		st := TypeOf(sf.Type)
		if f.IsPK {
			gen := GenerationNone
			if f.AutoIncrement || hasOption(sf.Tag, "generated") {
				gen = GenerationAuto
			}
			b.ID(f.GoName, st, gen, Column(f.Name))
			continue
		}
		opts := []FieldOption{Column(f.Name)}
		if !f.NotNull {
			opts = append(opts, Nullable())
		}
		b.Field(f.GoName, st, opts...)
	}

	names := make([]string, 0, len(table.Relations))
	for name := range table.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rel := table.Relations[name]
		sf, ok := typ.FieldByName(rel.Field.GoName)
		if !ok || rel.JoinTable == nil {
			continue
		}
		fetch := FetchLazy
		if hasOption(sf.Tag, "eager") {
			fetch = FetchEager
		}
		target := rel.JoinTable.Type.Name()
		local, remote, hasJoin := parseJoin(sf.Tag.Get("bun"))
		switch rel.Type {
		case schema.BelongsToRelation:
			if !hasJoin {
				local, remote = Underscore(rel.Field.GoName)+"_id", "id"
			}
			b.desc.relations = append(b.desc.relations, Relation{
				Name: rel.Field.GoName, Alias: rel.Field.Name, Target: target, Cardinality: ManyToOne,
				Fetch: fetch, LocalColumn: local, TargetColumn: remote,
			})
		case schema.HasManyRelation:
			if !hasJoin {
				local, remote = "id", Underscore(typ.Name())+"_id"
			}
			b.desc.relations = append(b.desc.relations, Relation{
				Name: rel.Field.GoName, Alias: rel.Field.Name, Target: target, Cardinality: OneToMany,
				Fetch: fetch, LocalColumn: local, TargetColumn: remote,
			})
		}
	}
	return b.Build()
}

// parseJoin reads the first "join:base=join" option of a bun tag.
func parseJoin(tag string) (local, remote string, ok bool) {
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "join:") {
			continue
		}
		pair := strings.SplitN(strings.TrimPrefix(part, "join:"), "=", 2)
		if len(pair) != 2 {
			return "", "", false
		}
		return strings.TrimSpace(pair[0]), strings.TrimSpace(pair[1]), true
	}
	return "", "", false
}

func hasOption(tag reflect.StructTag, option string) bool {
	for _, opt := range strings.Split(tag.Get(TagName), ",") {
		if strings.EqualFold(strings.TrimSpace(opt), option) {
			return true
		}
	}
	return false
}
