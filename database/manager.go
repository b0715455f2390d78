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
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
)

// opener opens the pool of one database type and names its bun dialect.
type opener func(cfg *ConnectionConfig) (*sql.DB, schema.Dialect, error)

var openers = map[string]opener{
	"mysql":      openMySQL,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
}

type defaultDatabaseManager struct {
	config *ConnectionConfig

	mu         sync.RWMutex
	db         *bun.DB
	logger     Logger
	status     HealthStatus
	stop       chan struct{}
	reconnects int
}

// NewDatabaseManager returns an AbstractDatabaseManager backed by bun. A nil
// config means DefaultConnectionConfig.
func NewDatabaseManager(config *ConnectionConfig) AbstractDatabaseManager {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	return &defaultDatabaseManager{config: config, logger: GetLogger()}
}

// Connect opens the pool, pings it and starts the health monitor when a
// check interval is configured. Connecting twice is a no-op.
func (dm *defaultDatabaseManager) Connect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.db != nil {
		return nil
	}
	cfg := dm.config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	open, ok := openers[cfg.Type]
	if !ok {
		return fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	sqlDB, dialect, err := open(cfg)
	if err != nil {
		dm.status.LastError = err.Error()
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db := bun.NewDB(sqlDB, dialect)
	dm.addHooks(db)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		dm.status.LastError = err.Error()
		return fmt.Errorf("database connection test failed: %w", err)
	}

	dm.db = db
	dm.status = HealthStatus{Healthy: true, Connected: true, LastCheckTime: time.Now()}
	if cfg.HealthCheckInterval > 0 {
		dm.stop = make(chan struct{})
		go dm.monitor(cfg.HealthCheckInterval, dm.stop)
	}
	dm.logger.Info("database connected", "type", cfg.Type, "driver", cfg.Driver, "host", cfg.Host)
	return nil
}

func (dm *defaultDatabaseManager) addHooks(db *bun.DB) {
	if dm.config.EnableQueryLog {
		db.AddQueryHook(NewQueryHook(true, false))
	}
	if _, ok := os.LookupEnv("BUNDEBUG"); ok {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.FromEnv("BUNDEBUG")))
	}
	if dm.config.SlowQueryTime > 0 {
		db.AddQueryHook(&SlowQueryHook{Threshold: dm.config.SlowQueryTime, Logger: dm.logger})
	}
}

func openMySQL(cfg *ConnectionConfig) (*sql.DB, schema.Dialect, error) {
	var (
		mc  *mysql.Config
		err error
	)
	if cfg.DSN != "" {
		if mc, err = mysql.ParseDSN(cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
	} else {
		mc = mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.DBName
		mc.Params = map[string]string{"charset": "utf8mb4"}
		mc.Loc = time.Local
		mc.Timeout = cfg.ConnectTimeout
		mc.ReadTimeout = cfg.ReadTimeout
		mc.WriteTimeout = cfg.WriteTimeout
	}
	mc.ParseTime = true
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, nil, err
	}
	return sql.OpenDB(connector), mysqldialect.New(), nil
}

// openPostgres uses lib/pq, or the pgx stdlib adapter when Driver is "pgx".
func openPostgres(cfg *ConnectionConfig) (*sql.DB, schema.Dialect, error) {
	dsn := cfg.DSN
	if dsn == "" {
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s&connect_timeout=%d",
			cfg.Username, cfg.Password, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			cfg.DBName, sslMode, int(cfg.ConnectTimeout.Seconds()))
	}

	switch strings.ToLower(cfg.Driver) {
	case "pgx":
		pc, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid postgres dsn: %w", err)
		}
		return stdlib.OpenDB(*pc), pgdialect.New(), nil
	case "", "pq", "postgres":
		connector, err := pq.NewConnector(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid postgres dsn: %w", err)
		}
		return sql.OpenDB(connector), pgdialect.New(), nil
	}
	return nil, nil, fmt.Errorf("unsupported postgres driver: %s", cfg.Driver)
}

// openSQLite opens "<dbname>.db" or the configured DSN. An in-memory
// database lives as long as one connection, so its pool is pinned to one.
func openSQLite(cfg *ConnectionConfig) (*sql.DB, schema.Dialect, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.DBName + ".db"
	}
	sqlDB, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, nil, err
	}
	if IsMemoryDSN(dsn) {
		cfg.MaxOpenConns, cfg.MaxIdleConns = 1, 1
		cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime = 0, 0
	}
	return sqlDB, sqlitedialect.New(), nil
}

// IsMemoryDSN reports whether dsn names an in-memory sqlite database.
func IsMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (dm *defaultDatabaseManager) Disconnect() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.stop != nil {
		close(dm.stop)
		dm.stop = nil
	}
	if dm.db == nil {
		return nil
	}
	err := dm.db.Close()
	dm.db = nil
	dm.status.Connected = false
	dm.status.Healthy = false
	if err != nil {
		dm.logger.Error("failed to close database connection", "error", err)
		return err
	}
	dm.logger.Info("database connection closed")
	return nil
}

func (dm *defaultDatabaseManager) Reconnect(ctx context.Context) error {
	dm.logger.Info("reconnecting to the database")
	if err := dm.Disconnect(); err != nil {
		dm.logger.Warn("error disconnecting existing connection", "error", err)
	}
	return dm.Connect(ctx)
}

func (dm *defaultDatabaseManager) Ping(ctx context.Context) error {
	db := dm.GetDB()
	if db == nil {
		return fmt.Errorf("database not connected")
	}
	return db.PingContext(ctx)
}

func (dm *defaultDatabaseManager) GetDB() *bun.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.db
}

func (dm *defaultDatabaseManager) GetSQLDB() *sql.DB {
	if db := dm.GetDB(); db != nil {
		return db.DB
	}
	return nil
}

// HealthCheck pings the database and records the outcome with the pool
// usage at that moment.
func (dm *defaultDatabaseManager) HealthCheck(ctx context.Context) *HealthStatus {
	db := dm.GetDB()
	start := time.Now()
	status := HealthStatus{LastCheckTime: start}
	if db == nil {
		status.LastError = "database not initialized"
		return &status
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := db.PingContext(pingCtx)
	status.ResponseTime = time.Since(start)
	status.Healthy = err == nil
	status.Connected = err == nil
	if err != nil {
		status.LastError = err.Error()
	}
	stats := db.Stats()
	status.ActiveConns = stats.InUse
	status.IdleConns = stats.Idle
	status.MaxOpenConns = stats.MaxOpenConnections

	dm.mu.Lock()
	dm.status = status
	dm.mu.Unlock()
	return &status
}

// monitor checks health every interval until stop is closed, reconnecting
// after a failed check when reconnects are enabled.
func (dm *defaultDatabaseManager) monitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		healthy := dm.HealthCheck(ctx).Healthy
		cancel()
		if !healthy && dm.config.EnableReconnect {
			dm.reconnect()
			return
		}
	}
}

// reconnect retries Connect up to MaxReconnectTries times. A successful
// Connect starts a fresh monitor.
func (dm *defaultDatabaseManager) reconnect() {
	for dm.reconnects < dm.config.MaxReconnectTries {
		dm.reconnects++
		dm.logger.Info("starting database reconnect", "try", dm.reconnects)
		time.Sleep(dm.config.ReconnectInterval)

		ctx, cancel := context.WithTimeout(context.Background(), dm.config.ConnectTimeout)
		err := dm.Reconnect(ctx)
		cancel()
		if err == nil {
			dm.reconnects = 0
			dm.logger.Info("reconnect succeeded")
			return
		}
		dm.logger.Error("reconnect failed", "error", err, "try", dm.reconnects)
	}
	dm.logger.Error("max reconnect attempts reached", "tries", dm.reconnects)
}

func (dm *defaultDatabaseManager) GetStats() *DBStats {
	db := dm.GetDB()
	if db == nil {
		return &DBStats{}
	}
	s := db.Stats()
	return &DBStats{
		MaxOpenConns:      s.MaxOpenConnections,
		OpenConns:         s.OpenConnections,
		InUse:             s.InUse,
		Idle:              s.Idle,
		WaitCount:         s.WaitCount,
		WaitDuration:      s.WaitDuration,
		MaxIdleClosed:     s.MaxIdleClosed,
		MaxIdleTimeClosed: s.MaxIdleTimeClosed,
		MaxLifetimeClosed: s.MaxLifetimeClosed,
	}
}

func (dm *defaultDatabaseManager) CreateTables(ctx context.Context, models ...any) error {
	db := dm.GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	return CreateTables(ctx, db, models...)
}

func (dm *defaultDatabaseManager) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.logger = logger
}
