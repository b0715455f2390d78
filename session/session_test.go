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

package session_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/tomoncle/datamapper/database"
	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/utils"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type team struct {
	bun.BaseModel `bun:"table:teams,alias:t"`

	ID      int64     `bun:"id,pk,autoincrement"`
	Name    string    `bun:"name,notnull"`
	Members []*member `bun:"rel:has-many,join:id=team_id"`
}

type member struct {
	bun.BaseModel `bun:"table:members,alias:m"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Username string `bun:"username,notnull"`
	Age      int    `bun:"age"`
	TeamID   int64  `bun:"team_id,nullzero"`
	Team     *team  `bun:"rel:belongs-to,join:team_id=id"`

	updates int
}

func (m *member) PreUpdate() { m.updates++ }

type item struct {
	bun.BaseModel `bun:"table:items,alias:i"`

	ID    string `bun:"id,pk" datamapper:"generated"`
	Label string `bun:"label"`

	created bool
}

func (i *item) PrePersist() { i.created = true }

type env struct {
	db   *bun.DB
	reg  *metadata.Registry
	sess *session.Session

	team, member, item *metadata.EntityDescriptor
}

func newEnv(t *testing.T, mode session.FlushMode) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	models := []any{(*team)(nil), (*member)(nil), (*item)(nil)}
	ctx := context.Background()
	if err := database.CreateTables(ctx, db, models...); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	reg := metadata.NewRegistry()
	for _, m := range models {
		desc, err := metadata.FromModel(db, m)
		if err != nil {
			t.Fatalf("describe %T: %v", m, err)
		}
		if err := reg.Register(desc); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	e := &env{
		db:   db,
		reg:  reg,
		sess: session.New(database.NewDriver(db), reg, session.Options{FlushMode: mode, Logger: utils.Discard()}),
	}
	e.team, _ = reg.Lookup("team")
	e.member, _ = reg.Lookup("member")
	e.item, _ = reg.Lookup("item")
	return e
}

func (e *env) load(t *testing.T, id int64) member {
	t.Helper()
	var m member
	if err := e.db.NewSelect().Model(&m).Where("id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("load member %d: %v", id, err)
	}
	return m
}

func (e *env) persist(t *testing.T, model any) any {
	t.Helper()
	out, err := e.sess.Persist(context.Background(), model)
	if err != nil {
		t.Fatalf("persist %T: %v", model, err)
	}
	return out
}

func TestPersistAssignsIdentifiers(t *testing.T) {
	e := newEnv(t, session.FlushAuto)

	it := &item{Label: "a"}
	if got := e.persist(t, it); got != it {
		t.Fatal("a new entity should become the managed instance")
	}
	if _, err := uuid.Parse(it.ID); err != nil {
		t.Fatalf("generated id %q: %v", it.ID, err)
	}
	if !it.created {
		t.Fatal("PrePersist was not called")
	}

	m := &member{Username: "alice", Age: 30}
	e.persist(t, m)
	if m.ID == 0 {
		t.Fatal("autoincrement id was not assigned")
	}
	if !contains(t, e.sess, m) || !contains(t, e.sess, it) || managed(t, e.sess) != 2 {
		t.Fatalf("managed = %d", managed(t, e.sess))
	}
}

func TestPersistMergesDetachedInstances(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()

	first := &item{ID: "fixed", Label: "one"}
	e.persist(t, first)

	copyOf := &item{ID: "fixed", Label: "two"}
	if got := e.persist(t, copyOf); got != first {
		t.Fatal("persisting a copy should return the managed instance")
	}
	if first.Label != "two" {
		t.Fatalf("managed label = %q", first.Label)
	}

	if err := e.sess.Clear(); err != nil {
		t.Fatal(err)
	}
	detached := &item{ID: "fixed", Label: "three"}
	if got := e.persist(t, detached); got != detached {
		t.Fatal("a detached instance should be managed after merge")
	}
	var stored item
	if err := e.db.NewSelect().Model(&stored).Where("id = ?", "fixed").Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if stored.Label != "three" {
		t.Fatalf("stored label = %q", stored.Label)
	}
}

func TestFindUsesIdentityMap(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()
	m := &member{Username: "bob", Age: 25}
	e.persist(t, m)
	if err := e.sess.Clear(); err != nil {
		t.Fatal(err)
	}

	a, err := e.sess.Find(ctx, e.member, m.ID)
	if err != nil || a == nil {
		t.Fatalf("find = %v, %v", a, err)
	}
	if a == any(m) {
		t.Fatal("Clear should detach the saved instance")
	}
	b, err := e.sess.Find(ctx, e.member, int(m.ID))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("two finds of one row should return one instance")
	}
	missing, err := e.sess.Find(ctx, e.member, int64(999))
	if err != nil || missing != nil {
		t.Fatalf("missing = %v, %v", missing, err)
	}
}

func TestFlushWritesChangedColumns(t *testing.T) {
	e := newEnv(t, session.FlushCommit)
	ctx := context.Background()
	m := &member{Username: "carol", Age: 41}
	e.persist(t, m)

	// a concurrent writer changes another column
	if _, err := e.db.NewUpdate().Model((*member)(nil)).Set("username = ?", "caroline").Where("id = ?", m.ID).Exec(ctx); err != nil {
		t.Fatal(err)
	}
	m.Age = 42
	if err := e.sess.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stored := e.load(t, m.ID)
	if stored.Age != 42 || stored.Username != "caroline" {
		t.Fatalf("stored = %+v", stored)
	}
	if m.updates != 1 {
		t.Fatalf("PreUpdate calls = %d", m.updates)
	}
	if err := e.sess.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if m.updates != 1 {
		t.Fatal("an unchanged entity should not be written again")
	}
}

func TestAutoFlushBeforeQuery(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()
	m := &member{Username: "dave", Age: 19}
	e.persist(t, m)

	m.Age = 20
	if _, err := e.sess.Find(ctx, e.member, int64(12345)); err != nil {
		t.Fatal(err)
	}
	if got := e.load(t, m.ID).Age; got != 20 {
		t.Fatalf("age = %d, the query should have flushed first", got)
	}
}

func TestReadOnlyEntitiesAreNotFlushed(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()
	m := &member{Username: "erin", Age: 22}
	e.persist(t, m)
	if err := e.sess.Clear(); err != nil {
		t.Fatal(err)
	}

	loaded := e.load(t, m.ID)
	op, err := e.sess.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	managed, err := op.Attach(e.member, &loaded, true)
	if err != nil {
		t.Fatal(err)
	}
	managed.(*member).Age = 99
	if err := op.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	op.Release()
	if got := e.load(t, m.ID).Age; got != 22 {
		t.Fatalf("read-only change was written: age %d", got)
	}

	// saving explicitly turns the entity writable
	if _, err := e.sess.Persist(ctx, managed); err != nil {
		t.Fatal(err)
	}
	if got := e.load(t, m.ID).Age; got != 99 {
		t.Fatalf("age after save = %d", got)
	}
}

func TestSessionGuard(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()

	op, err := e.sess.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.sess.Flush(ctx); !errors.Is(err, errs.ErrSessionInUse) {
		t.Fatalf("flush while busy = %v", err)
	}
	if _, err := e.sess.Acquire(); !errors.Is(err, errs.ErrSessionInUse) {
		t.Fatalf("second acquire = %v", err)
	}
	if _, err := e.sess.Managed(); !errors.Is(err, errs.ErrSessionInUse) {
		t.Fatalf("managed while busy = %v", err)
	}
	if _, err := e.sess.Contains(&member{}); !errors.Is(err, errs.ErrSessionInUse) {
		t.Fatalf("contains while busy = %v", err)
	}
	if _, err := e.sess.InTransaction(); !errors.Is(err, errs.ErrSessionInUse) {
		t.Fatalf("in transaction while busy = %v", err)
	}
	if op.Managed() != 0 || op.InTransaction() {
		t.Fatal("the holder of the session reads its state through the op")
	}
	op.Release()
	op.Release()
	if err := e.sess.Flush(ctx); err != nil {
		t.Fatalf("flush after release = %v", err)
	}

	if err := e.sess.Close(); err != nil {
		t.Fatal(err)
	}
	if !e.sess.Closed() {
		t.Fatal("session should be closed")
	}
	if _, err := e.sess.Persist(ctx, &member{Username: "x"}); !errors.Is(err, errs.ErrSessionClosed) {
		t.Fatalf("persist after close = %v", err)
	}
}

func TestUnitOfWork(t *testing.T) {
	e := newEnv(t, session.FlushCommit)
	ctx := context.Background()

	if err := e.sess.Commit(ctx); !errors.Is(err, errs.ErrTransactionRequired) {
		t.Fatalf("commit without unit of work = %v", err)
	}

	if err := e.sess.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.sess.Begin(ctx); err == nil {
		t.Fatal("nested begin should fail")
	}
	e.persist(t, &team{Name: "dropped"})
	if err := e.sess.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if managed(t, e.sess) != 0 {
		t.Fatal("rollback should detach managed entities")
	}

	tm := &team{Name: "kept"}
	err := e.sess.InTx(ctx, func(ctx context.Context) error {
		e.persist(t, tm)
		tm.Name = "renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("in tx: %v", err)
	}

	boom := errors.New("boom")
	err = e.sess.InTx(ctx, func(ctx context.Context) error {
		e.persist(t, &team{Name: "failed"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("in tx error = %v", err)
	}

	var names []string
	if err := e.db.NewSelect().Model((*team)(nil)).Column("name").Scan(ctx, &names); err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "renamed" {
		t.Fatalf("teams = %v", names)
	}
}

var errCommit = errors.New("commit refused")

// refusingDriver hands out transactions that roll back when asked to commit.
type refusingDriver struct {
	session.Driver
}

func (d refusingDriver) Begin(ctx context.Context) (session.Tx, error) {
	tx, err := d.Driver.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return refusingTx{tx}, nil
}

type refusingTx struct {
	session.Tx
}

func (tx refusingTx) Commit() error {
	_ = tx.Tx.Rollback()
	return errCommit
}

func TestFailedCommitDetachesEntities(t *testing.T) {
	e := newEnv(t, session.FlushCommit)
	ctx := context.Background()
	sess := session.New(refusingDriver{database.NewDriver(e.db)}, e.reg,
		session.Options{FlushMode: session.FlushCommit, Logger: utils.Discard()})

	if err := sess.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	tm := &team{Name: "lost"}
	if _, err := sess.Persist(ctx, tm); err != nil {
		t.Fatal(err)
	}
	tm.Name = "renamed"
	if err := sess.Commit(ctx); !errors.Is(err, errCommit) {
		t.Fatalf("commit = %v", err)
	}
	if managed(t, sess) != 0 || contains(t, sess, tm) {
		t.Fatal("entities of a failed commit should be detached")
	}
	if in, err := sess.InTransaction(); err != nil || in {
		t.Fatalf("in transaction = %v, %v", in, err)
	}
	if n, _ := e.db.NewSelect().Model((*team)(nil)).Count(ctx); n != 0 {
		t.Fatalf("teams = %d", n)
	}
	if err := sess.Flush(ctx); err != nil {
		t.Fatalf("flush after a failed commit should have nothing to write: %v", err)
	}
}

func TestFetchRelations(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()
	red := &team{Name: "red"}
	e.persist(t, red)
	alice := &member{Username: "alice", TeamID: red.ID}
	bob := &member{Username: "bob", TeamID: red.ID}
	e.persist(t, alice)
	e.persist(t, bob)
	if err := e.sess.Clear(); err != nil {
		t.Fatal(err)
	}

	found, err := e.sess.Find(ctx, e.member, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	m := found.(*member)
	if m.Team != nil {
		t.Fatal("relation should not be loaded yet")
	}
	if err := e.sess.Fetch(ctx, m, "Team"); err != nil {
		t.Fatalf("fetch team: %v", err)
	}
	if m.Team == nil || m.Team.Name != "red" {
		t.Fatalf("team = %+v", m.Team)
	}
	tm, err := e.sess.Find(ctx, e.team, red.ID)
	if err != nil || tm != any(m.Team) {
		t.Fatal("the fetched team should be the managed instance")
	}

	if err := e.sess.Fetch(ctx, m, "Team.Members"); err != nil {
		t.Fatalf("fetch members: %v", err)
	}
	if len(m.Team.Members) != 2 {
		t.Fatalf("members = %d", len(m.Team.Members))
	}
	var sameAlice bool
	for _, other := range m.Team.Members {
		if other == m {
			sameAlice = true
		}
	}
	if !sameAlice {
		t.Fatal("members should share instances with the identity map")
	}

	if err := e.sess.Fetch(ctx, m, "Nope"); err == nil {
		t.Fatal("unknown relation should fail")
	}
}

type country struct {
	bun.BaseModel `bun:"table:countries,alias:co"`

	ID     int64   `bun:"id,pk,autoincrement"`
	Code   string  `bun:"code,unique"`
	Cities []*city `bun:"rel:has-many,join:code=country_code"`
}

type city struct {
	bun.BaseModel `bun:"table:cities,alias:ci"`

	ID          int64    `bun:"id,pk,autoincrement"`
	Name        string   `bun:"name"`
	CountryCode string   `bun:"country_code"`
	Country     *country `bun:"rel:belongs-to,join:country_code=code"`
}

func TestFetchByNonKeyColumns(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()
	models := []any{(*country)(nil), (*city)(nil)}
	if err := database.CreateTables(ctx, e.db, models...); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	reg := metadata.NewRegistry()
	for _, m := range models {
		desc, err := metadata.FromModel(e.db, m)
		if err != nil {
			t.Fatalf("describe %T: %v", m, err)
		}
		if err := reg.Register(desc); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	sess := session.New(database.NewDriver(e.db), reg, session.Options{Logger: utils.Discard()})

	// ids and codes disagree, so a lookup by id finds nothing
	for _, c := range []*country{{Code: "fr"}, {Code: "de"}} {
		if _, err := sess.Persist(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	berlin := &city{Name: "berlin", CountryCode: "de"}
	for _, c := range []*city{{Name: "paris", CountryCode: "fr"}, berlin, {Name: "hamburg", CountryCode: "de"}} {
		if _, err := sess.Persist(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	if err := sess.Fetch(ctx, berlin, "Country"); err != nil {
		t.Fatalf("fetch country: %v", err)
	}
	if berlin.Country == nil || berlin.Country.Code != "de" {
		t.Fatalf("country = %+v", berlin.Country)
	}
	if err := sess.Fetch(ctx, berlin, "Country.Cities"); err != nil {
		t.Fatalf("fetch cities: %v", err)
	}
	var names []string
	for _, c := range berlin.Country.Cities {
		names = append(names, c.Name)
	}
	if len(names) != 2 || !strings.Contains(strings.Join(names, ","), "hamburg") {
		t.Fatalf("cities of de = %v", names)
	}
}

func TestRemoveAndClearEntity(t *testing.T) {
	e := newEnv(t, session.FlushAuto)
	ctx := context.Background()
	a := &member{Username: "a"}
	b := &member{Username: "b"}
	e.persist(t, a)
	e.persist(t, b)
	e.persist(t, &item{Label: "x"})

	if err := e.sess.Remove(ctx, a); err != nil {
		t.Fatal(err)
	}
	if contains(t, e.sess, a) {
		t.Fatal("removed entity is still managed")
	}
	if n, _ := e.db.NewSelect().Model((*member)(nil)).Count(ctx); n != 1 {
		t.Fatalf("members left = %d", n)
	}
	if err := e.sess.Remove(ctx, &member{}); err == nil {
		t.Fatal("removing an entity without id should fail")
	}

	n, err := e.sess.ClearEntity("member")
	if err != nil || n != 1 {
		t.Fatalf("cleared = %d, %v", n, err)
	}
	if managed(t, e.sess) != 1 {
		t.Fatalf("managed = %d", managed(t, e.sess))
	}
}

func TestParseFlushMode(t *testing.T) {
	for in, want := range map[string]session.FlushMode{"": session.FlushAuto, "AUTO": session.FlushAuto, "commit": session.FlushCommit} {
		got, err := session.ParseFlushMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseFlushMode(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := session.ParseFlushMode("never"); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func managed(t *testing.T, s *session.Session) int {
	t.Helper()
	n, err := s.Managed()
	if err != nil {
		t.Fatalf("managed: %v", err)
	}
	return n
}

func contains(t *testing.T, s *session.Session, model any) bool {
	t.Helper()
	ok, err := s.Contains(model)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	return ok
}
