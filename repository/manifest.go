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

package repository

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the YAML layout of a repository manifest:
//
//	repositories:
//	  - entity: member
//	    methods:
//	      - name: findByTeamName
//	        params:
//	          - {name: team, type: string}
//	          - {kind: page}
//	        returns: page
//	        fetch: [{path: Team, mode: join}]
//	        hints: {read_only: true}
//
// DTO projections need a Go type and are declared in code only.
type ManifestFile struct {
	Repositories []Manifest `yaml:"repositories"`
}

type Manifest struct {
	Entity  string       `yaml:"entity"`
	Methods []MethodSpec `yaml:"methods"`
}

type MethodSpec struct {
	Name       string      `yaml:"name"`
	Params     []ParamSpec `yaml:"params"`
	Returns    string      `yaml:"returns"`
	Query      string      `yaml:"query"`
	CountQuery string      `yaml:"count_query"`
	Modifying  bool        `yaml:"modifying"`
	Fetch      []FetchSpec `yaml:"fetch"`
	Hints      HintSpec    `yaml:"hints"`
}

type ParamSpec struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Collection bool   `yaml:"collection"`
	// Kind is value (the default), page or sort.
	Kind string `yaml:"kind"`
}

type FetchSpec struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"`
}

type HintSpec struct {
	ReadOnly           bool   `yaml:"read_only"`
	Lock               string `yaml:"lock"`
	LockTimeout        string `yaml:"lock_timeout"`
	ClearAutomatically bool   `yaml:"clear_automatically"`
	FlushAutomatically bool   `yaml:"flush_automatically"`
	ForCounting        bool   `yaml:"for_counting"`
}

// LoadManifest reads a repository manifest from disk.
func LoadManifest(path string) ([]Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) ([]Manifest, error) {
	var file ManifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse repository manifest: %w", err)
	}
	for _, m := range file.Repositories {
		if strings.TrimSpace(m.Entity) == "" {
			return nil, fmt.Errorf("repository manifest entry without entity")
		}
	}
	return file.Repositories, nil
}

// Declarations converts the method specs into method declarations.
func (m Manifest) Declarations() ([]query.Method, error) {
	out := make([]query.Method, 0, len(m.Methods))
	for _, spec := range m.Methods {
		method, err := spec.Method()
		if err != nil {
			return nil, fmt.Errorf("repository %s method %s: %w", m.Entity, spec.Name, err)
		}
		out = append(out, method)
	}
	return out, nil
}

func (s MethodSpec) Method() (query.Method, error) {
	m := query.Method{
		Name:       s.Name,
		Query:      s.Query,
		CountQuery: s.CountQuery,
		Modifying:  s.Modifying,
	}
	for _, p := range s.Params {
		param, err := p.param()
		if err != nil {
			return m, err
		}
		m.Params = append(m.Params, param)
	}
	ret, err := query.ParseReturnKind(s.Returns)
	if err != nil {
		return m, err
	}
	m.Returns = query.Return{Kind: ret}
	for _, f := range s.Fetch {
		switch strings.ToLower(strings.TrimSpace(f.Mode)) {
		case "join", "":
			m.Fetch = append(m.Fetch, query.JoinFetch(f.Path))
		case "lazy":
			m.Fetch = append(m.Fetch, query.LazyFetch(f.Path))
		default:
			return m, fmt.Errorf("fetch %s: unknown mode %q", f.Path, f.Mode)
		}
	}
	if m.Hints, err = s.Hints.hints(); err != nil {
		return m, err
	}
	return m, nil
}

func (p ParamSpec) param() (query.Param, error) {
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case "page", "pageable":
		param := query.Pageable()
		if p.Name != "" {
			param.Name = p.Name
		}
		return param, nil
	case "sort":
		param := query.Sorting()
		if p.Name != "" {
			param.Name = p.Name
		}
		return param, nil
	case "value", "":
	default:
		return query.Param{}, fmt.Errorf("parameter %s: unknown kind %q", p.Name, p.Kind)
	}
	if p.Name == "" {
		return query.Param{}, fmt.Errorf("value parameter without name")
	}
	t, err := metadata.ParseType(p.Type)
	if err != nil {
		return query.Param{}, fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	if p.Collection {
		return query.Values(p.Name, t), nil
	}
	return query.Value(p.Name, t), nil
}

func (h HintSpec) hints() (query.Hints, error) {
	out := query.Hints{
		ReadOnly:           h.ReadOnly,
		ClearAutomatically: h.ClearAutomatically,
		FlushAutomatically: h.FlushAutomatically,
		ForCounting:        h.ForCounting,
	}
	lock, err := query.ParseLockMode(h.Lock)
	if err != nil {
		return out, err
	}
	out.Lock = lock
	if h.LockTimeout != "" {
		d, err := time.ParseDuration(h.LockTimeout)
		if err != nil {
			return out, fmt.Errorf("lock timeout: %w", err)
		}
		out.LockTimeout = d
	}
	return out, nil
}
