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
	"errors"
	"fmt"
	"time"

	"github.com/tomoncle/datamapper/utils"
	"github.com/uptrace/bun"
)

var errNoManager = errors.New("database manager not created")

// BaseDatabaseFactory builds the manager of one configured connection.
type BaseDatabaseFactory struct {
	cfg *ConnectionConfig
	mgr AbstractDatabaseManager
	log Logger
}

func NewDatabaseFactory() *BaseDatabaseFactory {
	return &BaseDatabaseFactory{log: GetLogger()}
}

// CreateFromConfig applies the DB_* environment overrides to cfg and builds
// its manager. Nothing is connected until InitializeDatabase.
func (f *BaseDatabaseFactory) CreateFromConfig(cfg *ConnectionConfig) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, errors.New("database configuration cannot be empty")
	}
	applyEnv(cfg)
	if _, ok := openers[cfg.Type]; !ok {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	f.cfg = cfg
	f.mgr = NewDatabaseManager(cfg)
	f.mgr.SetLogger(f.log)
	return f.mgr, nil
}

// applyEnv overrides cfg from DB_TYPE, DB_DSN, DB_MAX_OPEN_CONNS and the
// other DB_* variables. Durations use time.ParseDuration syntax.
func applyEnv(cfg *ConnectionConfig) {
	for key, field := range map[string]*string{
		"DB_TYPE":     &cfg.Type,
		"DB_DRIVER":   &cfg.Driver,
		"DB_DSN":      &cfg.DSN,
		"DB_HOST":     &cfg.Host,
		"DB_USERNAME": &cfg.Username,
		"DB_PASSWORD": &cfg.Password,
		"DB_NAME":     &cfg.DBName,
		"DB_SSLMODE":  &cfg.SSLMode,
	} {
		*field = utils.EnvDefaultString(key, *field)
	}
	for key, field := range map[string]*int{
		"DB_PORT":           &cfg.Port,
		"DB_MAX_IDLE_CONNS": &cfg.MaxIdleConns,
		"DB_MAX_OPEN_CONNS": &cfg.MaxOpenConns,
	} {
		*field = utils.EnvDefaultInt(key, *field)
	}
	for key, field := range map[string]*bool{
		"DB_AUTO_CREATE":      &cfg.AutoCreate,
		"DB_ENABLE_RECONNECT": &cfg.EnableReconnect,
		"DB_ENABLE_QUERY_LOG": &cfg.EnableQueryLog,
	} {
		*field = utils.EnvDefaultBool(key, *field)
	}
	for key, field := range map[string]*time.Duration{
		"DB_CONN_MAX_LIFETIME":  &cfg.ConnMaxLifetime,
		"DB_RECONNECT_INTERVAL": &cfg.ReconnectInterval,
		"DB_SLOW_QUERY_TIME":    &cfg.SlowQueryTime,
	} {
		*field = utils.EnvDefaultDuration(key, *field)
	}
}

// InitializeDatabase connects and, when AutoCreate is set, creates the
// tables of models.
func (f *BaseDatabaseFactory) InitializeDatabase(ctx context.Context, models ...any) error {
	if f.mgr == nil {
		return errNoManager
	}
	if err := f.mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if f.cfg.AutoCreate && len(models) > 0 {
		if err := f.mgr.CreateTables(ctx, models...); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	f.log.Info("database initialized", "type", f.cfg.Type, "models", len(models))
	return nil
}

func (f *BaseDatabaseFactory) GetManager() AbstractDatabaseManager { return f.mgr }

// GetDB is nil before InitializeDatabase.
func (f *BaseDatabaseFactory) GetDB() *bun.DB {
	if f.mgr == nil {
		return nil
	}
	return f.mgr.GetDB()
}

func (f *BaseDatabaseFactory) SetLogger(logger Logger) {
	f.log = logger
	if f.mgr != nil {
		f.mgr.SetLogger(logger)
	}
}

func (f *BaseDatabaseFactory) Close() error {
	if f.mgr == nil {
		return nil
	}
	return f.mgr.Disconnect()
}

func (f *BaseDatabaseFactory) GetHealthStatus(ctx context.Context) *HealthStatus {
	if f.mgr == nil {
		return &HealthStatus{LastError: errNoManager.Error(), LastCheckTime: time.Now()}
	}
	return f.mgr.HealthCheck(ctx)
}

func (f *BaseDatabaseFactory) GetStats() *DBStats {
	if f.mgr == nil {
		return &DBStats{}
	}
	return f.mgr.GetStats()
}
