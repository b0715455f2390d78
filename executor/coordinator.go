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

package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/types"
	"github.com/tomoncle/datamapper/utils"
)

type Options struct {
	// LockTimeout bounds lock acquisition for plans that set no timeout of
	// their own. Zero leaves the wait to the database.
	LockTimeout time.Duration
	// MaxPageSize rejects larger page requests. Zero means no limit.
	MaxPageSize int
	Metrics     *Metrics
	Logger      utils.Logger
}

// Coordinator executes compiled plans within a session. It holds no state
// between calls and is safe for concurrent use with different sessions.
type Coordinator struct {
	registry    *metadata.Registry
	lockTimeout time.Duration
	maxPageSize int
	metrics     *Metrics
	log         utils.Logger
}

func New(registry *metadata.Registry, opts Options) *Coordinator {
	c := &Coordinator{
		registry:    registry,
		lockTimeout: opts.LockTimeout,
		maxPageSize: opts.MaxPageSize,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
	if c.log == nil {
		c.log = utils.Named("EXECUTOR")
	}
	return c
}

// Result is the outcome of one execution. Rows holds managed entities, or
// DTO values for projections.
type Result struct {
	Rows []any
	// Total is set for Page results only.
	Total   int64
	HasNext bool
	Page    types.PageRequest

	Count    int64
	Exists   bool
	Affected int64
}

// One returns the first row or nil.
func (r *Result) One() any {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Execute runs plan with the call arguments args, given in declaration
// order including page and sort arguments. The session is held for the
// whole call.
func (c *Coordinator) Execute(ctx context.Context, sess *session.Session, plan *query.Plan, args []any) (*Result, error) {
	op, err := sess.Acquire()
	if err != nil {
		return nil, err
	}
	defer op.Release()
	return c.Run(ctx, op, plan, args)
}

// Run executes plan within an operation the caller already holds.
func (c *Coordinator) Run(ctx context.Context, op *session.Op, plan *query.Plan, args []any) (res *Result, err error) {
	start := time.Now()
	defer func() { c.observe(plan, start, res, err) }()

	req, page, err := c.bind(plan, args)
	if err != nil {
		return nil, err
	}
	if err := c.flush(ctx, op, plan); err != nil {
		return nil, errs.NewExecutionError(plan.ID, err)
	}

	drv := op.Driver()
	switch plan.Kind {
	case query.KindCount:
		n, err := drv.Count(ctx, req)
		if err != nil {
			return nil, errs.NewExecutionError(plan.ID, err)
		}
		return &Result{Count: n}, nil
	case query.KindExists:
		ok, err := drv.Exists(ctx, req)
		if err != nil {
			return nil, errs.NewExecutionError(plan.ID, err)
		}
		return &Result{Exists: ok}, nil
	case query.KindDelete, query.KindModify:
		n, err := drv.Exec(ctx, req)
		if err != nil {
			return nil, errs.NewExecutionError(plan.ID, err)
		}
		if plan.Kind == query.KindDelete || plan.Hints.ClearAutomatically {
			op.ClearEntity(plan.Entity.Name())
		}
		return &Result{Affected: n, Count: n}, nil
	case query.KindSelect:
		return c.selectRows(ctx, op, req, page)
	}
	return nil, errs.NewExecutionError(plan.ID, fmt.Errorf("unsupported plan kind %s", plan.Kind))
}

// bind maps call arguments onto the slots of plan and resolves the page
// and sort arguments.
func (c *Coordinator) bind(plan *query.Plan, args []any) (*session.Request, *types.PageRequest, error) {
	if len(args) != plan.ParamCount {
		return nil, nil, errs.NewExecutionError(plan.ID, fmt.Errorf("expected %d arguments, got %d", plan.ParamCount, len(args)))
	}
	req := &session.Request{
		Plan:     plan,
		Registry: c.registry,
		Args:     make([]any, len(plan.Slots)),
		Limit:    plan.Limit,
	}
	for i, s := range plan.Slots {
		req.Args[i] = args[s.Index]
	}

	var (
		page  *types.PageRequest
		order types.Sort
	)
	if plan.PageParam >= 0 {
		var p types.PageRequest
		switch v := args[plan.PageParam].(type) {
		case types.PageRequest:
			p = v
		case *types.PageRequest:
			if v == nil {
				return nil, nil, errs.NewInvalidPageRequestError(0, 0, "page request is required")
			}
			p = *v
		default:
			return nil, nil, errs.NewExecutionError(plan.ID, fmt.Errorf("argument %d must be a page request, got %T", plan.PageParam, v))
		}
		if err := p.Validate(); err != nil {
			return nil, nil, err
		}
		if c.maxPageSize > 0 && p.Size() > c.maxPageSize {
			return nil, nil, errs.NewInvalidPageRequestError(p.Page(), p.Size(), fmt.Sprintf("page size must not exceed %d", c.maxPageSize))
		}
		page = &p
		order = p.Sort()
	}
	if plan.SortParam >= 0 {
		switch v := args[plan.SortParam].(type) {
		case types.Sort:
			order = order.And(v)
		case nil:
		default:
			return nil, nil, errs.NewExecutionError(plan.ID, fmt.Errorf("argument %d must be a sort, got %T", plan.SortParam, v))
		}
	}
	if len(order) > 0 {
		keys, err := c.sortKeys(plan, order)
		if err != nil {
			return nil, nil, err
		}
		req.Sort = append(append([]query.SortKey{}, plan.Sort...), keys...)
	}

	if plan.Hints.Lock != query.LockNone {
		req.Lock = plan.Hints.Lock
		req.LockTimeout = c.lockTimeoutOf(plan)
	}
	return req, page, nil
}

func (c *Coordinator) sortKeys(plan *query.Plan, order types.Sort) ([]query.SortKey, error) {
	keys := make([]query.SortKey, 0, len(order))
	for _, o := range order {
		path, err := c.registry.Resolve(plan.Entity, o.Property)
		if err != nil {
			return nil, errs.NewExecutionError(plan.ID, fmt.Errorf("sort by %s: %w", o.Property, err))
		}
		if path.ToMany() {
			return nil, errs.NewExecutionError(plan.ID, fmt.Errorf("cannot sort by collection property %s", o.Property))
		}
		keys = append(keys, query.SortKey{Path: path, Direction: o.Direction})
	}
	return keys, nil
}

func (c *Coordinator) lockTimeoutOf(plan *query.Plan) time.Duration {
	if plan.Hints.LockTimeout > 0 {
		return plan.Hints.LockTimeout
	}
	return c.lockTimeout
}

// flush writes pending changes before the plan runs: always for plans with
// FlushAutomatically, otherwise as the session's flush mode says.
func (c *Coordinator) flush(ctx context.Context, op *session.Op, plan *query.Plan) error {
	if plan.Kind.Bulk() && plan.Hints.FlushAutomatically {
		return op.Flush(ctx)
	}
	return op.AutoFlush(ctx)
}

func (c *Coordinator) selectRows(ctx context.Context, op *session.Op, req *session.Request, page *types.PageRequest) (*Result, error) {
	plan := req.Plan
	switch plan.Shape {
	case query.Single, query.OptionalSingle:
		req.Limit = 2
		if plan.Limit == 1 {
			req.Limit = 1
		}
	case query.PageShape:
		req.Limit, req.Offset = page.Size(), page.Offset()
	case query.SliceShape:
		req.Limit, req.Offset = page.Size()+1, page.Offset()
	}

	rows, err := c.load(ctx, op, req)
	if err != nil {
		return nil, err
	}
	res := &Result{Rows: rows}
	switch plan.Shape {
	case query.Single, query.OptionalSingle:
		if len(rows) > 1 {
			return nil, errs.NewNonUniqueResultError(plan.ID, len(rows))
		}
	case query.SliceShape:
		res.Page = *page
		if len(rows) > page.Size() {
			res.HasNext = true
			res.Rows = rows[:page.Size()]
		}
	case query.PageShape:
		res.Page = *page
		if plan.Count == nil {
			return nil, errs.NewExecutionError(plan.ID, errors.New("page plan without count plan"))
		}
		countReq := &session.Request{Plan: plan.Count, Registry: req.Registry, Args: req.Args}
		total, err := op.Driver().Count(ctx, countReq)
		if err != nil {
			return nil, errs.NewExecutionError(plan.Count.ID, err)
		}
		if c.metrics != nil {
			c.metrics.CountQueries.WithLabelValues(plan.Entity.Name()).Inc()
		}
		res.Total = total
		res.HasNext = int64(page.Offset()+len(rows)) < total
	}
	return res, nil
}

// load runs a select and puts the loaded entities under management.
func (c *Coordinator) load(ctx context.Context, op *session.Op, req *session.Request) ([]any, error) {
	plan := req.Plan
	var elem reflect.Type
	switch {
	case plan.Projection != nil:
		elem = plan.Projection.Type
	case plan.Entity.Reflective():
		elem = reflect.PointerTo(plan.Entity.Type())
	default:
		return nil, errs.NewExecutionError(plan.ID, fmt.Errorf("entity %s is not bound to a Go type", plan.Entity.Name()))
	}
	dest := reflect.New(reflect.SliceOf(elem))

	if err := c.selectInto(ctx, op, req, dest.Interface()); err != nil {
		return nil, err
	}
	list := dest.Elem()
	rows := make([]any, list.Len())
	for i := range rows {
		rows[i] = list.Index(i).Interface()
	}
	if plan.Projection != nil {
		return rows, nil
	}

	readOnly := plan.Hints.ReadOnly
	for i, row := range rows {
		managed, err := op.Attach(plan.Entity, row, readOnly)
		if err != nil {
			return nil, errs.NewExecutionError(plan.ID, err)
		}
		rows[i] = managed
	}
	if plan.Annotated() && len(plan.Fetch) > 0 {
		if err := op.Hydrate(ctx, plan.Entity, rows, plan.Fetch, readOnly); err != nil {
			return nil, errs.NewExecutionError(plan.ID, err)
		}
	}
	return rows, nil
}

// selectInto runs the select, bounding a pessimistic lock by its timeout.
func (c *Coordinator) selectInto(ctx context.Context, op *session.Op, req *session.Request, dest any) error {
	plan := req.Plan
	if req.Lock == query.LockNone {
		if err := op.Driver().Select(ctx, req, dest); err != nil {
			return errs.NewExecutionError(plan.ID, err)
		}
		return nil
	}

	if !op.InTransaction() {
		return fmt.Errorf("%s: %w", plan.ID, errs.ErrTransactionRequired)
	}
	lockCtx := ctx
	if req.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, req.LockTimeout)
		defer cancel()
	}
	err := op.Driver().Select(lockCtx, req, dest)
	if err == nil {
		return nil
	}
	expired := errors.Is(lockCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if errors.Is(err, errs.ErrLockTimeout) || expired {
		if c.metrics != nil {
			c.metrics.LockTimeouts.WithLabelValues(plan.Entity.Name()).Inc()
		}
		c.log.Warn("lock not acquired in time", "plan", plan.ID, "timeout", req.LockTimeout)
		return errs.NewLockTimeoutError(plan.ID, req.LockTimeout, unwrapLock(err))
	}
	return errs.NewExecutionError(plan.ID, err)
}

// unwrapLock strips the ErrLockTimeout marker the driver adds, keeping the
// database error.
func unwrapLock(err error) error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range u.Unwrap() {
			if e != errs.ErrLockTimeout {
				return e
			}
		}
	}
	return err
}

func (c *Coordinator) observe(plan *query.Plan, start time.Time, res *Result, err error) {
	elapsed := time.Since(start)
	status := "ok"
	switch {
	case errs.IsLockTimeout(err):
		status = "lock_timeout"
	case err != nil:
		status = "error"
	}
	if c.metrics != nil {
		entity, kind := plan.Entity.Name(), plan.Kind.String()
		c.metrics.Executions.WithLabelValues(entity, kind, status).Inc()
		c.metrics.Duration.WithLabelValues(entity, kind).Observe(elapsed.Seconds())
	}
	if err != nil {
		c.log.Debug("plan failed", "plan", plan.ID, "error", err)
		return
	}
	c.log.Debug("plan executed", "plan", plan.ID, "rows", len(res.Rows), "elapsed", elapsed)
}
