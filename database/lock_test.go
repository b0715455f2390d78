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
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/schema"
)

// scriptedConn accepts every statement without a server. Reads of the lock
// wait settings answer "0" on postgres and 50 on mysql.
type scriptedConn struct{}

func (scriptedConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not scripted")
}
func (scriptedConn) Close() error              { return nil }
func (scriptedConn) Begin() (driver.Tx, error) { return scriptedTx{}, nil }

func (scriptedConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}

func (scriptedConn) QueryContext(_ context.Context, q string, _ []driver.NamedValue) (driver.Rows, error) {
	switch {
	case strings.Contains(q, "version()"):
		return &scriptedRows{cols: []string{"version"}, row: []driver.Value{"8.0.36"}}, nil
	case strings.Contains(q, "current_setting('lock_timeout')"):
		return &scriptedRows{cols: []string{"current_setting"}, row: []driver.Value{"0"}}, nil
	case strings.HasPrefix(q, "SELECT @@SESSION.innodb_lock_wait_timeout"):
		return &scriptedRows{cols: []string{"timeout"}, row: []driver.Value{int64(50)}}, nil
	}
	return &scriptedRows{}, nil
}

type scriptedTx struct{}

func (scriptedTx) Commit() error   { return nil }
func (scriptedTx) Rollback() error { return nil }

type scriptedRows struct {
	cols []string
	row  []driver.Value
	done bool
}

func (r *scriptedRows) Columns() []string { return r.cols }
func (r *scriptedRows) Close() error      { return nil }

func (r *scriptedRows) Next(dest []driver.Value) error {
	if r.row == nil || r.done {
		return io.EOF
	}
	copy(dest, r.row)
	r.done = true
	return nil
}

type scriptedConnector struct{}

func (scriptedConnector) Connect(context.Context) (driver.Conn, error) { return scriptedConn{}, nil }
func (scriptedConnector) Driver() driver.Driver                      { return scriptedDriver{} }

type scriptedDriver struct{}

func (scriptedDriver) Open(string) (driver.Conn, error) { return scriptedConn{}, nil }

// statementLog records every statement bun runs.
type statementLog struct {
	queries []string
}

func (l *statementLog) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (l *statementLog) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	l.queries = append(l.queries, event.Query)
}

func TestLockStatements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	derived := f.plan(t, f.member, query.Method{
		Name:    "findByUsername",
		Params:  []query.Param{query.Value("u", metadata.TypeString)},
		Returns: query.Return{Kind: query.ReturnEntity},
		Hints:   query.Hints{Lock: query.LockPessimisticWrite},
	})
	annotated := f.plan(t, f.member, query.Method{
		Name:    "findNamed",
		Query:   "SELECT * FROM members WHERE username = ?0",
		Params:  []query.Param{query.Value("u", metadata.TypeString)},
		Returns: query.Return{Kind: query.ReturnEntity},
		Hints:   query.Hints{Lock: query.LockPessimisticWrite},
	})

	tests := []struct {
		name    string
		dialect schema.Dialect
		lock    string
		limit   []string
		restore string
	}{
		{
			name:    "postgres",
			dialect: pgdialect.New(),
			lock:    `FOR UPDATE OF "m"`,
			limit:   []string{"SELECT current_setting('lock_timeout')", "SELECT set_config('lock_timeout', '1500ms', true)"},
			restore: "SELECT set_config('lock_timeout', '0', true)",
		},
		{
			name:    "mysql",
			dialect: mysqldialect.New(),
			lock:    "FOR UPDATE",
			limit:   []string{"SELECT @@SESSION.innodb_lock_wait_timeout", "SET SESSION innodb_lock_wait_timeout = 2"},
			restore: "SET SESSION innodb_lock_wait_timeout = 50",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := bun.NewDB(sql.OpenDB(scriptedConnector{}), tt.dialect)
			t.Cleanup(func() { _ = db.Close() })
			log := &statementLog{}
			db.AddQueryHook(log)
			drv := NewDriver(db)

			for _, plan := range []*query.Plan{derived, annotated} {
				log.queries = nil
				req := f.request(plan, "alice")
				req.Lock, req.LockTimeout, req.Limit = query.LockPessimisticWrite, 1500*time.Millisecond, 2
				var rows []*member
				if err := drv.Select(ctx, req, &rows); err != nil {
					t.Fatalf("%s: select: %v", plan.ID, err)
				}

				lock := tt.lock
				if plan.Annotated() {
					lock = "FOR UPDATE"
				}
				want := append(append([]string{}, tt.limit...), lock, tt.restore)
				if len(log.queries) != len(want) {
					t.Fatalf("%s: statements = %q", plan.ID, log.queries)
				}
				for i, w := range want {
					if !strings.Contains(log.queries[i], w) {
						t.Fatalf("%s: statement %d = %q, want %q", plan.ID, i, log.queries[i], w)
					}
				}
				if !strings.HasSuffix(log.queries[2], lock) {
					t.Fatalf("%s: lock clause should close the statement: %q", plan.ID, log.queries[2])
				}
			}

			// without a timeout only the locked select runs
			log.queries = nil
			req := f.request(derived, "alice")
			req.Lock = query.LockPessimisticWrite
			var rows []*member
			if err := drv.Select(ctx, req, &rows); err != nil {
				t.Fatalf("select: %v", err)
			}
			if len(log.queries) != 1 || !strings.HasSuffix(log.queries[0], tt.lock) {
				t.Fatalf("statements = %q", log.queries)
			}

			// unlocked selects leave the settings alone
			log.queries = nil
			if err := drv.Select(ctx, f.request(derived, "alice"), &rows); err != nil {
				t.Fatalf("select: %v", err)
			}
			if len(log.queries) != 1 || strings.Contains(log.queries[0], "FOR UPDATE") {
				t.Fatalf("statements = %q", log.queries)
			}
		})
	}
}

func TestSQLiteLockSkipsRowLocks(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	log := &statementLog{}
	f.db.AddQueryHook(log)
	plan := f.plan(t, f.member, query.Method{
		Name:   "findByAgeGreaterThan",
		Params: []query.Param{query.Value("age", metadata.TypeInt)},
		Hints:  query.Hints{Lock: query.LockPessimisticWrite},
	})
	req := f.request(plan, 20)
	req.Lock, req.LockTimeout = query.LockPessimisticWrite, time.Second
	var rows []*member
	if err := f.drv.Select(context.Background(), req, &rows); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 3 || len(log.queries) != 1 || strings.Contains(log.queries[0], "FOR UPDATE") {
		t.Fatalf("rows = %d, statements = %q", len(rows), log.queries)
	}
}

type teamNameView struct {
	TeamName string `bun:"team_name"`
}

func TestCountDistinct(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	plan := f.plan(t, f.member, query.Method{
		Name:    "findDistinctByAgeGreaterThan",
		Params:  []query.Param{query.Value("age", metadata.TypeInt), query.Pageable()},
		Returns: query.Return{Kind: query.ReturnPage, Projection: query.NewProjection(teamNameView{}, "Team.Name")},
	})

	var names []teamNameView
	if err := f.drv.Select(ctx, f.request(plan, 20), &names); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("distinct team names = %v", names)
	}
	n, err := f.drv.Count(ctx, f.request(plan.Count, 20))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("distinct count = %d, want 2", n)
	}
}
