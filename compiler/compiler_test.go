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
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/utils"
)

type memberDTO struct {
	Username string
	TeamName string `bun:"team_name"`
}

func newCompiler(t *testing.T, teamFetch metadata.FetchMode) (*Compiler, *metadata.EntityDescriptor) {
	t.Helper()
	team, err := metadata.Describe("Team").
		ID("ID", metadata.TypeInt, metadata.GenerationAuto).
		Field("Name", metadata.TypeString).
		OneToMany("Members", "Member", "team_id", metadata.FetchLazy).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	member, err := metadata.Describe("Member").
		ID("ID", metadata.TypeInt, metadata.GenerationAuto).
		Field("Username", metadata.TypeString).
		Field("Age", metadata.TypeInt).
		Field("TeamID", metadata.TypeInt, metadata.Nullable()).
		ManyToOne("Team", "Team", "team_id", teamFetch).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	reg := metadata.NewRegistry()
	if err := reg.Register(team, member); err != nil {
		t.Fatal(err)
	}
	return New(reg, Options{Logger: utils.Discard()}), member
}

func byAgePage() query.Method {
	return query.Method{
		Name:    "findByAge",
		Params:  []query.Param{query.Value("age", metadata.TypeInt), query.Pageable()},
		Returns: query.Return{Kind: query.ReturnPage},
		Fetch:   []query.FetchDirective{query.JoinFetch("team")},
		Hints:   query.Hints{ReadOnly: true, ForCounting: true},
	}
}

func TestCompileDerivesCountPlan(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	plan, err := c.Compile(member, byAgePage())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if plan.ID != "Member.findByAge" || plan.Shape != query.PageShape {
		t.Fatalf("plan = %s", plan)
	}
	if !reflect.DeepEqual(plan.Fetch, []string{"Team"}) {
		t.Fatalf("fetch = %v", plan.Fetch)
	}
	cp := plan.Count
	if cp == nil {
		t.Fatal("page plan without count plan")
	}
	if cp.Kind != query.KindCount || len(cp.Fetch) != 0 || len(cp.Sort) != 0 || cp.Limit != 0 {
		t.Fatalf("count plan = %s", cp)
	}
	if cp.Predicate.String() != plan.Predicate.String() || !reflect.DeepEqual(cp.Slots, plan.Slots) {
		t.Fatalf("count plan filter %s differs from %s", cp.Predicate, plan.Predicate)
	}
	if !cp.Hints.ReadOnly {
		t.Fatal("ForCounting should carry the read-only hint to the count plan")
	}
}

func TestCompileAnnotatedCountQuery(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	m := query.Method{
		Name:    "findMembersByAge",
		Query:   "SELECT m.* FROM members AS m WHERE m.age = ?0",
		Params:  []query.Param{query.Value("age", metadata.TypeInt), query.Pageable()},
		Returns: query.Return{Kind: query.ReturnPage},
	}
	plan, err := c.Compile(member, m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "SELECT COUNT(*) FROM (SELECT m.* FROM members AS m WHERE m.age = ?0) AS count_source"
	if plan.Count.Text != want {
		t.Fatalf("count text = %q", plan.Count.Text)
	}

	m.Name = "findMembersByAgeWithOverride"
	m.CountQuery = "SELECT COUNT(m.id) FROM members AS m WHERE m.age = ?0"
	plan, err = c.Compile(member, m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if plan.Count.Text != m.CountQuery {
		t.Fatalf("override not kept verbatim: %q", plan.Count.Text)
	}

	m.Returns = query.Return{Kind: query.ReturnList}
	m.Params = m.Params[:1]
	if _, err := c.Compile(member, m); !errs.IsDerivation(err) {
		t.Fatalf("count query on a list method should fail, got %v", err)
	}
}

func TestDistinctCountPlan(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	plan, err := c.Compile(member, query.Method{
		Name:    "findDistinctByAgeGreaterThan",
		Params:  []query.Param{query.Value("age", metadata.TypeInt), query.Pageable()},
		Returns: query.Return{Kind: query.ReturnPage, Projection: query.NewProjection(memberDTO{}, "username", "Team.Name")},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cp := plan.Count
	if !cp.Distinct || cp.Projection != plan.Projection {
		t.Fatalf("count plan of a distinct page should count distinct projected rows: %s", cp)
	}

	plan, err = c.Compile(member, byAgePage())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if plan.Count.Distinct || plan.Count.Projection != nil {
		t.Fatalf("plain page count plan = %s", plan.Count)
	}
}

func TestAnnotatedTextWithTrailingClauses(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	byAge := query.Value("age", metadata.TypeInt)

	tests := []struct {
		name     string
		m        query.Method
		fragment string
	}{
		{"page with order by", query.Method{
			Query:   "SELECT * FROM members WHERE age = ?0 ORDER BY username",
			Params:  []query.Param{byAge, query.Pageable()},
			Returns: query.Return{Kind: query.ReturnPage},
		}, "ORDER BY"},
		{"single with limit", query.Method{
			Query:   "select * from members where age = ?0 limit 1",
			Params:  []query.Param{byAge},
			Returns: query.Return{Kind: query.ReturnEntity},
		}, "limit"},
		{"sorted list", query.Method{
			Query:  "SELECT * FROM members WHERE age = ?0 OFFSET 0",
			Params: []query.Param{byAge, query.Sorting()},
		}, "OFFSET"},
		{"locked list", query.Method{
			Query:  "SELECT * FROM members WHERE age = ?0 FOR UPDATE",
			Params: []query.Param{byAge},
			Hints:  query.Hints{Lock: query.LockPessimisticWrite},
		}, "FOR UPDATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.m.Name = "findAged"
			_, err := c.Compile(member, tt.m)
			var de *errs.DerivationError
			if !errors.As(err, &de) {
				t.Fatalf("expected DerivationError, got %v", err)
			}
			if de.Fragment != tt.fragment {
				t.Fatalf("fragment = %q, want %q", de.Fragment, tt.fragment)
			}
		})
	}

	// unsorted lists run as written; subqueries and literals may carry clauses
	for _, text := range []string{
		"SELECT * FROM members WHERE age = ?0 ORDER BY username",
		"SELECT * FROM members WHERE id IN (SELECT id FROM members ORDER BY age LIMIT 3) AND age = ?0",
		"SELECT * FROM members WHERE username <> 'limit' AND age = ?0",
	} {
		if _, err := c.Compile(member, query.Method{Name: "findListed", Query: text, Params: []query.Param{byAge}}); err != nil {
			t.Fatalf("compile %q: %v", text, err)
		}
	}
	if _, err := c.Compile(member, query.Method{
		Name:    "findOldest",
		Query:   "SELECT * FROM members WHERE age = (SELECT MAX(age) FROM members ORDER BY 1 LIMIT 1) AND age > ?0",
		Params:  []query.Param{byAge},
		Returns: query.Return{Kind: query.ReturnEntity},
	}); err != nil {
		t.Fatalf("limit inside a subquery should compile: %v", err)
	}
}

func TestCompileAnnotatedKinds(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	plan, err := c.Compile(member, query.Method{
		Name:      "bulkAgePlus",
		Query:     "UPDATE members SET age = age + 1 WHERE age >= ?0",
		Params:    []query.Param{query.Value("age", metadata.TypeInt)},
		Modifying: true,
		Hints:     query.Hints{ClearAutomatically: true},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if plan.Kind != query.KindModify || len(plan.Slots) != 1 || plan.Slots[0].Type != metadata.TypeInt {
		t.Fatalf("plan = %s slots=%v", plan, plan.Slots)
	}

	plan, err = c.Compile(member, query.Method{
		Name:    "findByNames",
		Query:   "SELECT * FROM members WHERE username IN (?0)",
		Params:  []query.Param{query.Values("names", metadata.TypeString)},
		Returns: query.Return{Kind: query.ReturnList},
	})
	if err != nil || !plan.Slots[0].Collection || plan.Kind != query.KindSelect {
		t.Fatalf("plan = %v, %v", plan, err)
	}

	if _, err := c.Compile(member, query.Method{Name: "bulkAgePlus", Modifying: true}); !errs.IsDerivation(err) {
		t.Fatalf("modifying without query should fail, got %v", err)
	}
	if _, err := c.Compile(member, query.Method{
		Name: "findByAge", Params: []query.Param{query.Value("age", metadata.TypeInt)},
		Hints: query.Hints{ClearAutomatically: true},
	}); !errs.IsDerivation(err) {
		t.Fatalf("clear hint on select should fail, got %v", err)
	}
}

func TestFetchConflicts(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	base := query.Method{Name: "findByUsername", Params: []query.Param{query.Value("u", metadata.TypeString)}}

	tests := []struct {
		name  string
		fetch []query.FetchDirective
		path  string
	}{
		{"duplicate join", []query.FetchDirective{query.JoinFetch("Team"), query.JoinFetch("team")}, "Team"},
		{"join and lazy", []query.FetchDirective{query.JoinFetch("Team"), query.LazyFetch("Team")}, "Team"},
		{"lazy parent", []query.FetchDirective{query.LazyFetch("Team"), query.JoinFetch("Team.Members")}, "Team.Members"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			m.Fetch = tt.fetch
			_, err := c.Compile(member, m)
			var cf *errs.ConflictingFetchError
			if !errors.As(err, &cf) {
				t.Fatalf("expected ConflictingFetchError, got %v", err)
			}
			if cf.Path != tt.path {
				t.Fatalf("path = %q, want %q", cf.Path, tt.path)
			}
		})
	}

	m := base
	m.Fetch = []query.FetchDirective{query.JoinFetch("Manager")}
	if _, err := c.Compile(member, m); !errs.IsDerivation(err) {
		t.Fatalf("unknown relation should fail derivation, got %v", err)
	}
}

func TestEagerRelationsAreFetchedUnlessLazy(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchEager)
	m := query.Method{Name: "findByUsername", Params: []query.Param{query.Value("u", metadata.TypeString)}}
	plan, err := c.Compile(member, m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !reflect.DeepEqual(plan.Fetch, []string{"Team"}) {
		t.Fatalf("fetch = %v", plan.Fetch)
	}

	m.Name = "findByAge"
	m.Params = []query.Param{query.Value("a", metadata.TypeInt)}
	m.Fetch = []query.FetchDirective{query.LazyFetch("Team")}
	plan, err = c.Compile(member, m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Fetch) != 0 {
		t.Fatalf("lazy directive should suppress eager fetch, got %v", plan.Fetch)
	}

	count, err := c.Compile(member, query.Method{Name: "countByAge", Params: m.Params})
	if err != nil || len(count.Fetch) != 0 {
		t.Fatalf("count plan fetch = %v, %v", count, err)
	}
}

func TestProjection(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	plan, err := c.Compile(member, query.Method{
		Name:    "findMemberDtoByAge",
		Params:  []query.Param{query.Value("age", metadata.TypeInt)},
		Returns: query.Return{Kind: query.ReturnList, Projection: query.NewProjection(memberDTO{}, "username", "Team.Name")},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cols := plan.Projection.Columns
	if len(cols) != 2 || cols[0].Alias != "username" || cols[1].Alias != "team_name" || cols[1].Path.String() != "Team.Name" {
		t.Fatalf("columns = %+v", cols)
	}

	plan, err = c.Compile(member, query.Method{
		Name:    "findByUsername",
		Params:  []query.Param{query.Value("u", metadata.TypeString)},
		Returns: query.Return{Kind: query.ReturnList, Projection: query.NewProjection(&memberDTO{})},
	})
	if err != nil {
		t.Fatalf("compile by name: %v", err)
	}
	if plan.Projection.Columns[1].Path.String() != "Team.Name" {
		t.Fatalf("TeamName should resolve through the relation: %+v", plan.Projection.Columns)
	}

	_, err = c.Compile(member, query.Method{
		Name:    "findByAge",
		Params:  []query.Param{query.Value("a", metadata.TypeInt)},
		Returns: query.Return{Kind: query.ReturnList, Projection: query.NewProjection(memberDTO{}, "username")},
	})
	if !errs.IsDerivation(err) {
		t.Fatalf("column count mismatch should fail, got %v", err)
	}
}

func TestCacheReturnsSamePlan(t *testing.T) {
	c, member := newCompiler(t, metadata.FetchLazy)
	var wg sync.WaitGroup
	plans := make([]*query.Plan, 8)
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Compile(member, byAgePage())
			if err != nil {
				t.Errorf("compile: %v", err)
				return
			}
			plans[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range plans[1:] {
		if p != plans[0] {
			t.Fatal("concurrent compiles should share one cached plan")
		}
	}
	if c.Cache().Len() != 1 {
		t.Fatalf("cache len = %d", c.Cache().Len())
	}

	other := byAgePage()
	other.Hints.LockTimeout = time.Second
	if Key(member, other) == Key(member, byAgePage()) {
		t.Fatal("hints must be part of the key")
	}

	uncached := New(c.Registry(), Options{DisableCache: true, Logger: utils.Discard()})
	a, _ := uncached.Compile(member, byAgePage())
	b, _ := uncached.Compile(member, byAgePage())
	if a == b || !reflect.DeepEqual(a, b) {
		t.Fatal("uncached compiles should produce equal but distinct plans")
	}
	if !strings.HasPrefix(a.String(), "Member.findByAge: SELECT Member WHERE Age = ?0") {
		t.Fatalf("String() = %s", a.String())
	}
}
