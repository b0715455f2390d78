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

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tomoncle/datamapper/errs"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/utils"
)

// FlushMode decides when pending changes of managed entities are written.
type FlushMode int

const (
	// FlushAuto flushes before every query and on commit.
	FlushAuto FlushMode = iota
	// FlushCommit flushes on commit and on explicit Flush calls only.
	FlushCommit
)

func (m FlushMode) String() string {
	switch m {
	case FlushAuto:
		return "auto"
	case FlushCommit:
		return "commit"
	}
	return fmt.Sprintf("FlushMode(%d)", int(m))
}

func ParseFlushMode(s string) (FlushMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FlushAuto, nil
	case "commit":
		return FlushCommit, nil
	}
	return FlushAuto, fmt.Errorf("unknown flush mode %q", s)
}

type Options struct {
	FlushMode FlushMode
	Logger    utils.Logger
}

// Session is a unit of work: it owns the identity map of the entities it
// loaded or saved and at most one database transaction. A Session runs one
// operation at a time; a second concurrent call fails with
// errs.ErrSessionInUse instead of waiting.
type Session struct {
	driver    Driver
	registry  *metadata.Registry
	flushMode FlushMode
	log       utils.Logger

	busy   atomic.Bool
	closed atomic.Bool

	tx      Tx
	managed map[identity]*entry
	seq     uint64
}

func New(driver Driver, registry *metadata.Registry, opts Options) *Session {
	s := &Session{
		driver:    driver,
		registry:  registry,
		flushMode: opts.FlushMode,
		log:       opts.Logger,
		managed:   make(map[identity]*entry),
	}
	if s.log == nil {
		s.log = utils.Named("SESSION")
	}
	return s
}

func (s *Session) Registry() *metadata.Registry { return s.registry }

func (s *Session) FlushMode() FlushMode { return s.flushMode }

// Op is the exclusive right to use a session, obtained with Acquire. Its
// methods do not check the in-flight guard again, so engine code can chain
// several steps inside one call.
type Op struct {
	s        *Session
	released atomic.Bool
}

// Acquire marks the session busy until the returned Op is released.
func (s *Session) Acquire() (*Op, error) {
	if s.closed.Load() {
		return nil, errs.ErrSessionClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, errs.ErrSessionInUse
	}
	if s.closed.Load() {
		s.busy.Store(false)
		return nil, errs.ErrSessionClosed
	}
	return &Op{s: s}, nil
}

// Release ends the operation. Calling it twice is harmless.
func (o *Op) Release() {
	if o.released.CompareAndSwap(false, true) {
		o.s.busy.Store(false)
	}
}

func (o *Op) Session() *Session { return o.s }

// Driver returns the transaction when one is active, the plain driver
// otherwise.
func (o *Op) Driver() Driver { return o.s.current() }

func (o *Op) InTransaction() bool { return o.s.tx != nil }

func (o *Op) Managed() int { return len(o.s.managed) }

func (o *Op) Contains(model any) bool {
	s := o.s
	desc, ok := s.registry.LookupModel(model)
	if !ok {
		return false
	}
	e, ok := s.lookupModel(desc, model)
	return ok && e.value == model
}

func (o *Op) Flush(ctx context.Context) error { return o.s.flush(ctx) }

// AutoFlush flushes when the session runs in FlushAuto mode.
func (o *Op) AutoFlush(ctx context.Context) error {
	if o.s.flushMode != FlushAuto {
		return nil
	}
	return o.s.flush(ctx)
}

func (s *Session) do(fn func(op *Op) error) error {
	op, err := s.Acquire()
	if err != nil {
		return err
	}
	defer op.Release()
	return fn(op)
}

func (s *Session) current() Driver {
	if s.tx != nil {
		return s.tx
	}
	return s.driver
}

// Driver exposes the current driver for custom repository code.
func (s *Session) Driver() Driver { return s.current() }

func (s *Session) InTransaction() (bool, error) {
	var ok bool
	err := s.do(func(op *Op) error {
		ok = op.InTransaction()
		return nil
	})
	return ok, err
}

// Begin starts a unit of work. Nested units of work are not supported.
func (s *Session) Begin(ctx context.Context) error {
	return s.do(func(op *Op) error {
		if s.tx != nil {
			return errors.New("a unit of work is already active")
		}
		tx, err := s.driver.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin unit of work: %w", err)
		}
		s.tx = tx
		s.log.Debug("unit of work started")
		return nil
	})
}

// Commit flushes pending changes and commits the unit of work. When the
// flush fails the transaction stays open so the caller can roll back. A
// failed commit ends the transaction and detaches every managed entity,
// since their snapshots describe writes that were not kept.
func (s *Session) Commit(ctx context.Context) error {
	return s.do(func(op *Op) error {
		if s.tx == nil {
			return errs.ErrTransactionRequired
		}
		if err := s.flush(ctx); err != nil {
			return err
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			s.clear()
			return fmt.Errorf("commit unit of work: %w", err)
		}
		s.log.Debug("unit of work committed")
		return nil
	})
}

// Rollback aborts the unit of work and detaches every managed entity.
func (s *Session) Rollback(ctx context.Context) error {
	return s.do(func(op *Op) error {
		if s.tx == nil {
			return errs.ErrTransactionRequired
		}
		return s.rollback()
	})
}

func (s *Session) rollback() error {
	tx := s.tx
	s.tx = nil
	s.clear()
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback unit of work: %w", err)
	}
	s.log.Debug("unit of work rolled back")
	return nil
}

// InTx runs fn inside a unit of work, committing when fn succeeds and
// rolling back otherwise.
func (s *Session) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// Close rolls back an open unit of work and releases the identity map.
// Every later call fails with errs.ErrSessionClosed.
func (s *Session) Close() error {
	return s.do(func(op *Op) error {
		var err error
		if s.tx != nil {
			err = s.rollback()
		}
		s.clear()
		s.closed.Store(true)
		return err
	})
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Flush writes the changed columns of every managed, writable entity.
func (s *Session) Flush(ctx context.Context) error {
	return s.do(func(op *Op) error { return s.flush(ctx) })
}

// Persist saves model and returns the managed instance. See Op.Persist.
func (s *Session) Persist(ctx context.Context, model any) (any, error) {
	var out any
	err := s.do(func(op *Op) error {
		var err error
		out, err = op.Persist(ctx, model)
		return err
	})
	return out, err
}

func (s *Session) Remove(ctx context.Context, model any) error {
	return s.do(func(op *Op) error { return op.Remove(ctx, model) })
}

// Find returns the entity with the given identifier, from the identity map
// when it is managed already. It returns nil when no row matches.
func (s *Session) Find(ctx context.Context, desc *metadata.EntityDescriptor, id any) (any, error) {
	var out any
	err := s.do(func(op *Op) error {
		var err error
		out, err = op.Find(ctx, desc, id)
		return err
	})
	return out, err
}

// Fetch loads a lazy relation of a managed entity, e.g. "Team" or
// "Team.Members".
func (s *Session) Fetch(ctx context.Context, model any, relation string) error {
	return s.do(func(op *Op) error { return op.Fetch(ctx, model, relation) })
}

// Contains reports whether model itself is managed by the session.
func (s *Session) Contains(model any) (bool, error) {
	var ok bool
	err := s.do(func(op *Op) error {
		ok = op.Contains(model)
		return nil
	})
	return ok, err
}

// Clear detaches every managed entity without writing pending changes.
func (s *Session) Clear() error {
	return s.do(func(op *Op) error {
		op.Clear()
		return nil
	})
}

func (s *Session) Evict(model any) error {
	return s.do(func(op *Op) error {
		op.Evict(model)
		return nil
	})
}

// ClearEntity detaches the managed entities of one entity type.
func (s *Session) ClearEntity(name string) (int, error) {
	var n int
	err := s.do(func(op *Op) error {
		n = op.ClearEntity(name)
		return nil
	})
	return n, err
}

// Managed returns the number of managed entities.
func (s *Session) Managed() (int, error) {
	var n int
	err := s.do(func(op *Op) error {
		n = op.Managed()
		return nil
	})
	return n, err
}
