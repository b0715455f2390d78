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
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityFile is the YAML layout of an entity manifest:
//
//	entities:
//	  - name: Member
//	    table: members
//	    id: {name: ID, type: int, generation: auto}
//	    fields:
//	      - {name: Username, type: string}
//	      - {name: TeamID, column: team_id, type: int, nullable: true}
//	    relations:
//	      - {name: Team, target: Team, cardinality: many-to-one, local_column: team_id}
type EntityFile struct {
	Entities []EntitySpec `yaml:"entities"`
}

type EntitySpec struct {
	Name      string         `yaml:"name"`
	Table     string         `yaml:"table"`
	Alias     string         `yaml:"alias"`
	ID        *FieldSpec     `yaml:"id"`
	Fields    []FieldSpec    `yaml:"fields"`
	Relations []RelationSpec `yaml:"relations"`
}

type FieldSpec struct {
	Name       string `yaml:"name"`
	Column     string `yaml:"column"`
	Type       string `yaml:"type"`
	Nullable   bool   `yaml:"nullable"`
	Identifier bool   `yaml:"identifier"`
	Generation string `yaml:"generation"`
}

type RelationSpec struct {
	Name         string `yaml:"name"`
	Target       string `yaml:"target"`
	Cardinality  string `yaml:"cardinality"`
	Fetch        string `yaml:"fetch"`
	LocalColumn  string `yaml:"local_column"`
	TargetColumn string `yaml:"target_column"`
}

// LoadFile reads an entity manifest from disk.
func LoadFile(path string) ([]*EntityDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes an entity manifest and builds one descriptor per entry.
func Parse(data []byte) ([]*EntityDescriptor, error) {
	var file EntityFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entity manifest: %w", err)
	}
	out := make([]*EntityDescriptor, 0, len(file.Entities))
	for _, spec := range file.Entities {
		d, err := spec.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Build turns the spec into a descriptor. Fields flagged identifier count
// as additional identifiers, so a spec with two fails like a builder would.
func (s EntitySpec) Build() (*EntityDescriptor, error) {
	b := Describe(s.Name).Table(s.Table).Alias(s.Alias)
	if s.ID != nil {
		if err := addIdentifier(b, *s.ID); err != nil {
			return nil, err
		}
	}
	for _, f := range s.Fields {
		if f.Identifier {
			if err := addIdentifier(b, f); err != nil {
				return nil, err
			}
			continue
		}
		st, err := ParseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("entity %s field %s: %w", s.Name, f.Name, err)
		}
		opts := columnOptions(f)
		if f.Nullable {
			opts = append(opts, Nullable())
		}
		b.Field(f.Name, st, opts...)
	}
	for _, r := range s.Relations {
		fetch := FetchLazy
		if strings.EqualFold(r.Fetch, "eager") {
			fetch = FetchEager
		}
		switch strings.ToLower(strings.ReplaceAll(r.Cardinality, "_", "-")) {
		case "many-to-one", "":
			local := r.LocalColumn
			if local == "" {
				local = Underscore(r.Name) + "_id"
			}
			b.ManyToOne(r.Name, r.Target, local, fetch)
			if r.TargetColumn != "" {
				b.desc.relations[len(b.desc.relations)-1].TargetColumn = r.TargetColumn
			}
		case "one-to-many":
			target := r.TargetColumn
			if target == "" {
				target = Underscore(s.Name) + "_id"
			}
			b.OneToMany(r.Name, r.Target, target, fetch)
			if r.LocalColumn != "" {
				b.desc.relations[len(b.desc.relations)-1].LocalColumn = r.LocalColumn
			}
		default:
			return nil, fmt.Errorf("entity %s relation %s: unknown cardinality %q", s.Name, r.Name, r.Cardinality)
		}
	}
	return b.Build()
}

func addIdentifier(b *Builder, f FieldSpec) error {
	st, err := ParseType(f.Type)
	if err != nil {
		return fmt.Errorf("identifier %s: %w", f.Name, err)
	}
	gen := GenerationNone
	if strings.EqualFold(f.Generation, "auto") {
		gen = GenerationAuto
	}
	b.ID(f.Name, st, gen, columnOptions(f)...)
	return nil
}

func columnOptions(f FieldSpec) []FieldOption {
	if f.Column == "" {
		return nil
	}
	return []FieldOption{Column(f.Column)}
}
