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

// Package datamapper wires the metadata registry, plan compiler, execution
// coordinator and bun driver into one Engine.
package datamapper

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tomoncle/datamapper/compiler"
	"github.com/tomoncle/datamapper/config"
	"github.com/tomoncle/datamapper/database"
	"github.com/tomoncle/datamapper/executor"
	"github.com/tomoncle/datamapper/metadata"
	"github.com/tomoncle/datamapper/query"
	"github.com/tomoncle/datamapper/repository"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/utils"
	"github.com/uptrace/bun"
)

type Options struct {
	FlushMode        session.FlushMode
	LockTimeout      time.Duration
	MaxPageSize      int
	DisablePlanCache bool
	// Registerer receives the executor metrics; nil disables them.
	Registerer prometheus.Registerer
	Logger     utils.Logger
}

// Engine owns the entity registry and the shared, stateless parts of query
// execution. Sessions opened from it are independent units of work.
type Engine struct {
	db        *bun.DB
	registry  *metadata.Registry
	compiler  *compiler.Compiler
	coord     *executor.Coordinator
	driver    *database.Driver
	metrics   *executor.Metrics
	flushMode session.FlushMode
	factory   *database.BaseDatabaseFactory
	log       utils.Logger
	// logger is the caller's logger handed to every component, nil when
	// each component names its own.
	logger utils.Logger
}

func New(db *bun.DB, opts Options) *Engine {
	reg := metadata.NewRegistry()
	e := &Engine{
		db:        db,
		registry:  reg,
		driver:    database.NewDriver(db),
		flushMode: opts.FlushMode,
		log:       opts.Logger,
		logger:    opts.Logger,
	}
	if e.log == nil {
		e.log = utils.Named("ENGINE")
	}
	if opts.Registerer != nil {
		e.metrics = executor.NewMetrics(opts.Registerer)
	}
	e.compiler = compiler.New(reg, compiler.Options{DisableCache: opts.DisablePlanCache, Logger: opts.Logger})
	e.coord = executor.New(reg, executor.Options{
		LockTimeout: opts.LockTimeout,
		MaxPageSize: opts.MaxPageSize,
		Metrics:     e.metrics,
		Logger:      opts.Logger,
	})
	return e
}

// Open connects the database described by cfg and builds an engine on it.
func Open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*Engine, error) {
	cfg.ApplyLogging()
	factory := database.NewDatabaseFactory()
	if _, err := factory.CreateFromConfig(&cfg.Database); err != nil {
		return nil, err
	}
	if err := factory.InitializeDatabase(ctx); err != nil {
		return nil, err
	}
	opts := Options{
		FlushMode:        cfg.FlushMode(),
		LockTimeout:      cfg.Engine.LockTimeout,
		MaxPageSize:      cfg.Engine.MaxPageSize,
		DisablePlanCache: !cfg.Engine.PlanCache,
	}
	if cfg.Engine.Metrics {
		opts.Registerer = reg
	}
	e := New(factory.GetDB(), opts)
	e.factory = factory
	return e, nil
}

// RegisterEntity adds descriptors built by hand or loaded from YAML.
func (e *Engine) RegisterEntity(descs ...*metadata.EntityDescriptor) error {
	if err := e.registry.Register(descs...); err != nil {
		return err
	}
	for _, d := range descs {
		e.log.Debug("entity registered", "entity", d.Name(), "table", d.Table())
	}
	return nil
}

// RegisterModels describes bun models and registers them.
func (e *Engine) RegisterModels(models ...any) error {
	descs := make([]*metadata.EntityDescriptor, 0, len(models))
	for _, m := range models {
		d, err := metadata.FromModel(e.db, m)
		if err != nil {
			return err
		}
		descs = append(descs, d)
	}
	return e.RegisterEntity(descs...)
}

// CreateTables creates the tables of every registered model.
func (e *Engine) CreateTables(ctx context.Context) error {
	return database.CreateEntityTables(ctx, e.db, e.registry)
}

func (e *Engine) OpenSession() *session.Session {
	return session.New(e.driver, e.registry, session.Options{FlushMode: e.flushMode, Logger: e.logger})
}

func (e *Engine) DB() *bun.DB { return e.db }

func (e *Engine) Registry() *metadata.Registry { return e.registry }

func (e *Engine) Compiler() *compiler.Compiler { return e.compiler }

func (e *Engine) Coordinator() *executor.Coordinator { return e.coord }

// Metrics is nil when the engine was built without a Registerer.
func (e *Engine) Metrics() *executor.Metrics { return e.metrics }

// Close disconnects the database when the engine opened it.
func (e *Engine) Close() error {
	if e.factory == nil {
		return nil
	}
	return e.factory.Close()
}

// NewRepository validates the registry and builds the repository of T.
func NewRepository[T any](e *Engine, methods []query.Method, opts ...repository.Option) (*repository.Base[T], error) {
	if err := e.registry.Validate(); err != nil {
		return nil, fmt.Errorf("entity registry: %w", err)
	}
	return repository.New[T](e.compiler, e.coord, methods, opts...)
}
