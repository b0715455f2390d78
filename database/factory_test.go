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
	"testing"
	"time"
)

func TestFactoryInitializesSQLite(t *testing.T) {
	t.Setenv("DB_TYPE", "")
	t.Setenv("DB_DSN", "")

	cfg := DefaultConnectionConfig()
	cfg.Type = "sqlite"
	cfg.DSN = memoryDSN(t)
	cfg.HealthCheckInterval = 0
	cfg.AutoCreate = true

	factory := NewDatabaseFactory()
	if _, err := factory.CreateFromConfig(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = factory.Close() })

	ctx := context.Background()
	if err := factory.InitializeDatabase(ctx, (*team)(nil), (*member)(nil)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if cfg.MaxOpenConns != 1 {
		t.Fatalf("in-memory sqlite should use one connection, got %d", cfg.MaxOpenConns)
	}
	if !factory.GetHealthStatus(ctx).Healthy {
		t.Fatal("database should be healthy")
	}

	drv := NewDriver(factory.GetDB())
	if err := drv.Insert(ctx, nil, &team{Name: "red"}); err != nil {
		t.Fatalf("insert into created table: %v", err)
	}
	if n, err := factory.GetDB().NewSelect().Model((*team)(nil)).Count(ctx); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	t.Setenv("DB_TYPE", "")
	cfg := DefaultConnectionConfig()
	cfg.Type = "oracle"
	if _, err := NewDatabaseFactory().CreateFromConfig(cfg); err == nil {
		t.Fatal("unsupported database type should fail")
	}
	if _, err := NewDatabaseFactory().CreateFromConfig(nil); err == nil {
		t.Fatal("nil config should fail")
	}
}

func TestFactoryEnvOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DB_DSN", "file::memory:")
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	t.Setenv("DB_RECONNECT_INTERVAL", "9s")
	t.Setenv("DB_ENABLE_QUERY_LOG", "true")

	cfg := DefaultConnectionConfig()
	cfg.Type = "mysql"
	factory := NewDatabaseFactory()
	if _, err := factory.CreateFromConfig(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = factory.Close() })
	if cfg.Type != "sqlite" || cfg.DSN != "file::memory:" || cfg.ReconnectInterval != 9*time.Second || !cfg.EnableQueryLog {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.MaxOpenConns != 7 {
		t.Fatalf("max open conns = %d", cfg.MaxOpenConns)
	}
	if !IsMemoryDSN(cfg.DSN) || IsMemoryDSN("app.db") {
		t.Fatal("IsMemoryDSN")
	}
}
