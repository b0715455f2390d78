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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tomoncle/datamapper/database"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/utils"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if cfg.Engine != want.Engine || cfg.Log != want.Log {
		t.Fatalf("engine = %+v, log = %+v", cfg.Engine, cfg.Log)
	}
	if cfg.Database.MaxOpenConns != 100 || cfg.Database.ConnMaxLifetime != time.Hour {
		t.Fatalf("database defaults not applied: %+v", cfg.Database)
	}
	if cfg.FlushMode() != session.FlushAuto {
		t.Fatalf("flush mode = %v", cfg.FlushMode())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datamapper.yaml")
	data := []byte(`
database:
  type: sqlite
  dsn: "file::memory:?cache=shared"
  max_open_conns: 4
engine:
  lock_timeout: 750ms
  flush_mode: commit
  max_page_size: 200
log:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DATAMAPPER_ENGINE_MAX_PAGE_SIZE", "50")
	t.Setenv("DATAMAPPER_LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.MaxOpenConns != 4 || cfg.Database.MaxIdleConns != 10 {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Engine.LockTimeout != 750*time.Millisecond || cfg.FlushMode() != session.FlushCommit {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.MaxPageSize != 50 {
		t.Fatalf("env override not applied: max_page_size = %d", cfg.Engine.MaxPageSize)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("DATAMAPPER_ENGINE_FLUSH_MODE", "sometimes")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown flush mode should fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing config file should fail")
	}
}

func TestApplyLoggingSetsDatabaseLevel(t *testing.T) {
	t.Cleanup(func() { utils.ConfigureLogLevel("info") })
	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.Log.Database = "warn"
	cfg.ApplyLogging()

	if _, ok := database.GetLogger().(*database.DefaultLogger); !ok {
		t.Fatalf("database logger = %T", database.GetLogger())
	}
	if got := utils.NewLogger("DATABASE").GetLevel(); got != logrus.WarnLevel {
		t.Fatalf("database level = %v", got)
	}
	if got := utils.NewLogger("ENGINE").GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("engine level = %v", got)
	}
}
