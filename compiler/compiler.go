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
	"fmt"
	"regexp"
	"strings"

	"github.com/tomoncle/datamapper/derive"
	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/utils"
)

// Options configures a Compiler.
type Options struct {
	// DisableCache compiles every declaration again instead of reusing plans.
	DisableCache bool
	Logger       utils.Logger
}

// Compiler turns method declarations into immutable plans. It is safe for
// concurrent use.
type Compiler struct {
	registry *metadata.Registry
	cache    *Cache
	log      utils.Logger
}

func New(registry *metadata.Registry, opts Options) *Compiler {
	c := &Compiler{registry: registry, log: opts.Logger}
	if !opts.DisableCache {
		c.cache = NewCache()
	}
	if c.log == nil {
		c.log = utils.Named("COMPILER")
	}
	return c
}

func (c *Compiler) Registry() *metadata.Registry { return c.registry }

// Cache returns the plan cache, nil when disabled.
func (c *Compiler) Cache() *Cache { return c.cache }

// Compile returns the plan of m on entity. Compilation is deterministic, so
// a cached plan is returned for a declaration seen before.
func (c *Compiler) Compile(entity *metadata.EntityDescriptor, m query.Method) (*query.Plan, error) {
	if entity == nil {
		return nil, errs.NewDerivationError(m.Name, "", "no entity descriptor")
	}
	key := Key(entity, m)
	if c.cache != nil {
		if plan, ok := c.cache.Get(key); ok {
			return plan, nil
		}
	}
	plan, err := c.compile(entity, m)
	if err != nil {
		return nil, err
	}
	plan.Fingerprint = key
	if plan.Count != nil {
		plan.Count.Fingerprint = key
	}
	if c.cache != nil {
		plan = c.cache.Put(key, plan)
	}
	c.log.Debug("plan compiled", "plan", plan.String(), "fingerprint", fmt.Sprintf("%016x", key))
	return plan, nil
}

// CompileAll compiles every method and reports all failures together.
func (c *Compiler) CompileAll(entity *metadata.EntityDescriptor, methods []query.Method) ([]*query.Plan, error) {
	plans := make([]*query.Plan, 0, len(methods))
	var failures []error
	for _, m := range methods {
		plan, err := c.Compile(entity, m)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		plans = append(plans, plan)
	}
	return plans, errors.Join(failures...)
}

func (c *Compiler) compile(entity *metadata.EntityDescriptor, m query.Method) (*query.Plan, error) {
	fail := func(fragment, reason string) error { return errs.NewDerivationError(m.Name, fragment, reason) }
	if strings.TrimSpace(m.Name) == "" {
		return nil, fail("", "method name is required")
	}

	var (
		plan *query.Plan
		err  error
	)
	if m.Annotated() {
		plan, err = annotated(entity, m)
	} else {
		if m.Modifying {
			return nil, fail("", "modifying methods need query text")
		}
		plan, err = derive.Derive(c.registry, entity, m)
	}
	if err != nil {
		return nil, err
	}
	plan.ID = entity.Name() + "." + m.Name
	plan.Hints = m.Hints

	if err := checkHints(m, plan); err != nil {
		return nil, err
	}
	if m.Returns.Projection != nil {
		if plan.Projection, err = c.projection(entity, m, plan); err != nil {
			return nil, err
		}
	}
	if plan.Fetch, err = c.fetch(entity, m, plan); err != nil {
		return nil, err
	}
	if m.CountQuery != "" && (plan.Shape != query.PageShape || plan.Kind != query.KindSelect || !plan.Annotated()) {
		return nil, fail("", "a count query only applies to annotated page methods")
	}
	if plan.Kind == query.KindSelect && plan.Shape == query.PageShape {
		plan.Count = countPlan(plan, m)
	}
	return plan, nil
}

// annotated builds the plan of a method with query text. Slots pass value
// parameters through in declaration order; the text itself is not parsed.
func annotated(entity *metadata.EntityDescriptor, m query.Method) (*query.Plan, error) {
	layout, err := query.LayoutOf(m.Params)
	if err != nil {
		return nil, errs.NewDerivationError(m.Name, "", err.Error())
	}
	plan := &query.Plan{
		Method:     m.Name,
		Entity:     entity,
		Text:       strings.TrimSpace(m.Query),
		PageParam:  layout.PageParam,
		SortParam:  layout.SortParam,
		ParamCount: layout.Count,
	}
	for _, idx := range layout.Values {
		p := m.Params[idx]
		plan.Slots = append(plan.Slots, query.Slot{Index: idx, Name: p.Name, Type: p.Type, Collection: p.Collection})
	}
	ret := m.Returns.Kind
	switch {
	case m.Modifying:
		if ret != query.ReturnDefault && ret != query.ReturnCount && ret != query.ReturnVoid {
			return nil, errs.NewDerivationError(m.Name, "", "modifying methods return the affected row count or nothing")
		}
		if layout.PageParam >= 0 || layout.SortParam >= 0 {
			return nil, errs.NewDerivationError(m.Name, "", "modifying methods cannot take page or sort parameters")
		}
		plan.Kind = query.KindModify
	case ret == query.ReturnCount:
		plan.Kind = query.KindCount
	case ret == query.ReturnBool:
		plan.Kind = query.KindExists
	default:
		plan.Kind = query.KindSelect
		if err := derive.SelectShape(m, plan); err != nil {
			return nil, err
		}
		if appendsClauses(m, plan) {
			if c := tailClause.FindString(topLevel(plan.Text)); c != "" {
				return nil, errs.NewDerivationError(m.Name, c,
					"the executor appends ordering, limits and locks to this query, so the text must not carry its own")
			}
		}
	}
	return plan, nil
}

var tailClause = regexp.MustCompile(`(?i)\b(order\s+by|limit|offset|fetch\s+(first|next)|for\s+(update|share))\b`)

// appendsClauses reports whether running plan adds ORDER BY, LIMIT, OFFSET
// or FOR UPDATE to its text. Only unsorted, unlocked list queries run as
// written.
func appendsClauses(m query.Method, plan *query.Plan) bool {
	return plan.Shape != query.List || plan.PageParam >= 0 || plan.SortParam >= 0 ||
		m.Hints.Lock != query.LockNone
}

// topLevel blanks out quoted literals and parenthesized parts of text, so
// clauses of subqueries are not mistaken for those of the statement.
func topLevel(text string) string {
	b := []byte(text)
	var (
		depth int
		quote byte
	)
	for i, c := range b {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			continue
		}
		b[i] = ' '
	}
	return string(b)
}

func checkHints(m query.Method, plan *query.Plan) error {
	h := m.Hints
	fail := func(reason string) error { return errs.NewDerivationError(m.Name, "", reason) }
	if !h.Lock.IsValid() {
		return fail(fmt.Sprintf("unknown lock mode %d", h.Lock))
	}
	if h.Lock != query.LockNone && plan.Kind != query.KindSelect {
		return fail("locks only apply to select methods")
	}
	if h.LockTimeout < 0 {
		return fail("lock timeout must not be negative")
	}
	if (h.ClearAutomatically || h.FlushAutomatically) && !plan.Kind.Bulk() {
		return fail("clear and flush hints only apply to modifying methods")
	}
	return nil
}

// countPlan keeps the filter of plan and drops sort, fetch, limit and lock.
// A distinct plan counts distinct rows of its projection or entity.
// Annotated plans count over their own text unless a count query is given.
func countPlan(plan *query.Plan, m query.Method) *query.Plan {
	cp := &query.Plan{
		ID:         plan.ID + ".count",
		Method:     plan.Method,
		Entity:     plan.Entity,
		Kind:       query.KindCount,
		Shape:      query.Single,
		Predicate:  plan.Predicate,
		Slots:      plan.Slots,
		PageParam:  plan.PageParam,
		SortParam:  plan.SortParam,
		ParamCount: plan.ParamCount,
	}
	if plan.Distinct {
		cp.Distinct = true
		cp.Projection = plan.Projection
	}
	if plan.Hints.ForCounting {
		cp.Hints.ReadOnly = plan.Hints.ReadOnly
	}
	if plan.Annotated() {
		if m.CountQuery != "" {
			cp.Text = strings.TrimSpace(m.CountQuery)
		} else {
			cp.Text = "SELECT COUNT(*) FROM (" + plan.Text + ") AS count_source"
		}
	}
	return cp
}
