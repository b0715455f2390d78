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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/session"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/feature"
)

// Driver runs plans on a bun database. It implements session.Driver.
type Driver struct {
	db  *bun.DB
	idb bun.IDB
}

var _ session.Driver = (*Driver)(nil)

func NewDriver(db *bun.DB) *Driver {
	return &Driver{db: db, idb: db}
}

func (d *Driver) DB() *bun.DB { return d.db }

// IDB returns the transaction of a Tx driver, the database otherwise.
func (d *Driver) IDB() bun.IDB { return d.idb }

func (d *Driver) dialect() dialect.Name { return d.db.Dialect().Name() }

func (d *Driver) Select(ctx context.Context, req *session.Request, dest any) (err error) {
	if req.Lock == query.LockPessimisticWrite && req.LockTimeout > 0 {
		restore, lerr := d.limitLockWait(ctx, req.LockTimeout)
		if lerr != nil {
			return lerr
		}
		defer func() {
			if rerr := restore(context.WithoutCancel(ctx)); err == nil {
				err = rerr
			}
		}()
	}

	if req.Plan.Annotated() {
		text, err := d.rawSelect(req)
		if err != nil {
			return err
		}
		return classify(d.idb.NewRaw(text, rawArgs(req.Plan, req.Args)...).Scan(ctx, dest))
	}

	plan := req.Plan
	q := d.idb.NewSelect()
	if plan.Projection != nil {
		q = project(q.Model(plan.Entity.New()), plan)
	} else {
		q = q.Model(dest)
		for _, f := range plan.Fetch {
			q = q.Relation(f)
		}
	}
	if plan.Distinct {
		q = q.Distinct()
	}

	order := req.OrderBy()
	paths := plan.Paths()
	for _, k := range order {
		paths = append(paths, k.Path)
	}
	q, err = d.filter(q, req, paths)
	if err != nil {
		return err
	}
	for _, k := range order {
		o := orderClause(k)
		q = q.OrderExpr(o.sql, o.args...)
	}
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}
	if req.Offset > 0 {
		q = q.Offset(req.Offset)
	}
	if req.Lock == query.LockPessimisticWrite {
		q = d.lock(q, req)
	}

	if plan.Projection != nil {
		err = q.Scan(ctx, dest)
	} else {
		err = q.Scan(ctx)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return classify(err)
}

// project selects the projection columns of plan under their aliases.
func project(q *bun.SelectQuery, plan *query.Plan) *bun.SelectQuery {
	for _, c := range plan.Projection.Columns {
		col := columnRef(c.Path, true)
		q = q.ColumnExpr(col.sql+" AS ?", append(col.args, bun.Ident(c.Alias))...)
	}
	return q
}

func (d *Driver) filter(q *bun.SelectQuery, req *session.Request, paths []metadata.Path) (*bun.SelectQuery, error) {
	if p := req.Plan.Projection; p != nil {
		for _, c := range p.Columns {
			paths = append(paths, c.Path)
		}
	}
	js, err := joins(req, paths)
	if err != nil {
		return nil, err
	}
	for _, j := range js {
		q = q.Join(j.sql, j.args...)
	}
	where, err := renderPredicate(req.Plan.Predicate, req.Args, true)
	if err != nil {
		return nil, err
	}
	if where.sql != "" {
		q = q.Where(where.sql, where.args...)
	}
	return q, nil
}

// lock adds FOR UPDATE. SQLite locks the whole database on write and has
// no row locks, so the clause is left out there.
func (d *Driver) lock(q *bun.SelectQuery, req *session.Request) *bun.SelectQuery {
	switch d.dialect() {
	case dialect.SQLite:
		return q
	case dialect.PG:
		table := d.db.Table(req.Plan.Entity.Type())
		return q.For("UPDATE OF ?", bun.Safe(table.SQLAlias))
	}
	return q.For("UPDATE")
}

// limitLockWait bounds how long the following statements wait for row locks
// and returns the step that puts the previous limit back. On postgres the
// limit is transaction local, on mysql it is a session variable. SQLite is
// bounded by the context deadline only.
func (d *Driver) limitLockWait(ctx context.Context, timeout time.Duration) (func(context.Context) error, error) {
	switch d.dialect() {
	case dialect.PG:
		var prev string
		if err := d.idb.QueryRowContext(ctx, "SELECT current_setting('lock_timeout')").Scan(&prev); err != nil {
			return nil, classify(err)
		}
		set := func(ctx context.Context, v string) error {
			_, err := d.idb.ExecContext(ctx, "SELECT set_config('lock_timeout', ?, true)", v)
			return classify(err)
		}
		if err := set(ctx, fmt.Sprintf("%dms", max(timeout.Milliseconds(), 1))); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return set(ctx, prev) }, nil
	case dialect.MySQL:
		var prev int64
		if err := d.idb.QueryRowContext(ctx, "SELECT @@SESSION.innodb_lock_wait_timeout").Scan(&prev); err != nil {
			return nil, classify(err)
		}
		set := func(ctx context.Context, v int64) error {
			_, err := d.idb.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = ?", v)
			return classify(err)
		}
		if err := set(ctx, max(int64(math.Ceil(timeout.Seconds())), 1)); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return set(ctx, prev) }, nil
	}
	return func(context.Context) error { return nil }, nil
}

func (d *Driver) Count(ctx context.Context, req *session.Request) (int64, error) {
	if req.Plan.Annotated() {
		var n int64
		err := d.idb.QueryRowContext(ctx, req.Plan.Text, rawArgs(req.Plan, req.Args)...).Scan(&n)
		return n, classify(err)
	}
	plan := req.Plan
	q := d.idb.NewSelect().Model(plan.Entity.New())
	if plan.Projection != nil {
		q = project(q, plan)
	}
	q, err := d.filter(q, req, plan.Paths())
	if err != nil {
		return 0, err
	}
	if plan.Distinct {
		// count(*) next to DISTINCT would count every row
		q = d.idb.NewSelect().TableExpr("(?) AS distinct_source", q.Distinct())
	}
	n, err := q.Count(ctx)
	return int64(n), classify(err)
}

func (d *Driver) Exists(ctx context.Context, req *session.Request) (bool, error) {
	if req.Plan.Annotated() {
		var v any
		err := d.idb.QueryRowContext(ctx, req.Plan.Text, rawArgs(req.Plan, req.Args)...).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, classify(err)
		}
		return truthy(v), nil
	}
	q, err := d.filter(d.idb.NewSelect().Model(req.Plan.Entity.New()), req, req.Plan.Paths())
	if err != nil {
		return false, err
	}
	ok, err := q.Exists(ctx)
	return ok, classify(err)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case []byte:
		return truthyString(string(t))
	case string:
		return truthyString(t)
	}
	return true
}

func truthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "f", "false":
		return false
	}
	return true
}

// Exec runs derived deletes and modifying statements.
func (d *Driver) Exec(ctx context.Context, req *session.Request) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if req.Plan.Annotated() {
		res, err = d.idb.ExecContext(ctx, req.Plan.Text, rawArgs(req.Plan, req.Args)...)
	} else {
		// Not every dialect accepts an alias in DELETE, so columns stay
		// unqualified.
		where, rerr := renderPredicate(req.Plan.Predicate, req.Args, false)
		if rerr != nil {
			return 0, rerr
		}
		if where.sql == "" {
			where.sql = "1 = 1"
		}
		res, err = d.idb.NewDelete().Model(req.Plan.Entity.New()).Where(where.sql, where.args...).Exec(ctx)
	}
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return n, classify(err)
}

func (d *Driver) Insert(ctx context.Context, desc *metadata.EntityDescriptor, model any) error {
	_, err := d.idb.NewInsert().Model(model).Exec(ctx)
	return classify(err)
}

func (d *Driver) Update(ctx context.Context, desc *metadata.EntityDescriptor, model any, columns []string) error {
	q := d.idb.NewUpdate().Model(model)
	if len(columns) > 0 {
		q = q.Column(columns...)
	}
	_, err := q.WherePK().Exec(ctx)
	return classify(err)
}

func (d *Driver) Delete(ctx context.Context, desc *metadata.EntityDescriptor, model any) error {
	_, err := d.idb.NewDelete().Model(model).WherePK().Exec(ctx)
	return classify(err)
}

// Merge upserts model on its identifier column.
func (d *Driver) Merge(ctx context.Context, desc *metadata.EntityDescriptor, model any) error {
	fields := desc.Fields()
	if len(fields) == 0 {
		_, err := d.idb.NewInsert().Model(model).Ignore().Exec(ctx)
		return classify(err)
	}
	sets := make([]string, len(fields))
	switch {
	case d.db.HasFeature(feature.InsertOnConflict):
		for i, f := range fields {
			sets[i] = fmt.Sprintf("%[1]s = EXCLUDED.%[1]s", d.ident(f.Column))
		}
		_, err := d.idb.NewInsert().
			Model(model).
			On("CONFLICT (?) DO UPDATE", bun.Ident(desc.ID().Column)).
			Set(strings.Join(sets, ", ")).
			Exec(ctx)
		return classify(err)
	case d.db.HasFeature(feature.InsertOnDuplicateKey):
		for i, f := range fields {
			sets[i] = fmt.Sprintf("%[1]s = VALUES(%[1]s)", d.ident(f.Column))
		}
		_, err := d.idb.NewInsert().
			Model(model).
			On("DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")).
			Exec(ctx)
		return classify(err)
	}
	if _, err := d.idb.NewInsert().Model(model).Exec(ctx); err != nil {
		if _, updateErr := d.idb.NewUpdate().Model(model).WherePK().Exec(ctx); updateErr != nil {
			return fmt.Errorf("merge %s: insert error: %v, update error: %w", desc.Name(), err, classify(updateErr))
		}
	}
	return nil
}

func (d *Driver) ident(name string) string {
	return string(d.db.Formatter().AppendIdent(nil, name))
}

func (d *Driver) Begin(ctx context.Context) (session.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{Driver: Driver{db: d.db, idb: tx}, tx: tx}, nil
}

// Tx is a Driver bound to one bun transaction.
type Tx struct {
	Driver
	tx bun.Tx
}

var _ session.Tx = (*Tx)(nil)

func (t *Tx) Begin(ctx context.Context) (session.Tx, error) {
	return nil, errors.New("nested transactions are not supported")
}

func (t *Tx) Commit() error { return t.tx.Commit() }

func (t *Tx) Rollback() error { return t.tx.Rollback() }

// rawSelect appends ORDER BY, LIMIT, OFFSET and FOR UPDATE to annotated
// select text. The compiler rejects text that ends in one of these clauses.
// The appended part is formatted up front so it does not consume any of
// the positional arguments of the text.
func (d *Driver) rawSelect(req *session.Request) (string, error) {
	text := req.Plan.Text
	fmter := d.db.Formatter()
	if order := req.OrderBy(); len(order) > 0 {
		parts := make([]string, len(order))
		for i, k := range order {
			col := columnRef(k.Path, false)
			parts[i] = fmter.FormatQuery(col.sql, col.args...) + " " + k.Direction.String()
		}
		text += " ORDER BY " + strings.Join(parts, ", ")
	}
	if req.Limit > 0 {
		text += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	if req.Offset > 0 {
		if req.Limit <= 0 {
			return "", fmt.Errorf("plan %s: offset without limit", req.Plan.ID)
		}
		text += fmt.Sprintf(" OFFSET %d", req.Offset)
	}
	if req.Lock == query.LockPessimisticWrite && d.dialect() != dialect.SQLite {
		text += " FOR UPDATE"
	}
	return text, nil
}

// classify marks lock wait timeouts so callers can tell them apart.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if is, kind := IsSqlError(err); is && kind == LockWaitTimeoutErr {
		return fmt.Errorf("%w: %w", errs.ErrLockTimeout, err)
	}
	return err
}
