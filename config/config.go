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

// Package config loads engine settings from a YAML file and DATAMAPPER_
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tomoncle/datamapper/database"
	"github.com/tomoncle/datamapper/session"
	"github.com/tomoncle/datamapper/utils"
)

const EnvPrefix = "DATAMAPPER"

type Config struct {
	Database database.ConnectionConfig `mapstructure:"database"`
	Engine   EngineConfig              `mapstructure:"engine"`
	Log      LogConfig                 `mapstructure:"log"`
}

type EngineConfig struct {
	// LockTimeout bounds pessimistic lock acquisition; zero waits as long
	// as the database does.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// FlushMode is "auto" or "commit".
	FlushMode   string `mapstructure:"flush_mode"`
	MaxPageSize int    `mapstructure:"max_page_size"`
	PlanCache   bool   `mapstructure:"plan_cache"`
	Metrics     bool   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
	// Database overrides Level for the connection manager logger.
	Database string `mapstructure:"database"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: *database.DefaultConnectionConfig(),
		Engine: EngineConfig{
			LockTimeout: 5 * time.Second,
			FlushMode:   session.FlushAuto.String(),
			MaxPageSize: 1000,
			PlanCache:   true,
			Metrics:     true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, when given, over the defaults. Environment variables
// such as DATAMAPPER_ENGINE_LOCK_TIMEOUT override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment variables reach
// Unmarshal even when no file sets them.
func setDefaults(v *viper.Viper, cfg *Config) {
	db := cfg.Database
	for key, value := range map[string]any{
		"database.type":                  db.Type,
		"database.driver":                db.Driver,
		"database.host":                  db.Host,
		"database.port":                  db.Port,
		"database.username":              db.Username,
		"database.password":              db.Password,
		"database.dbname":                db.DBName,
		"database.sslmode":               db.SSLMode,
		"database.dsn":                   db.DSN,
		"database.max_idle_conns":        db.MaxIdleConns,
		"database.max_open_conns":        db.MaxOpenConns,
		"database.conn_max_lifetime":     db.ConnMaxLifetime,
		"database.conn_max_idle_time":    db.ConnMaxIdleTime,
		"database.connect_timeout":       db.ConnectTimeout,
		"database.read_timeout":          db.ReadTimeout,
		"database.write_timeout":         db.WriteTimeout,
		"database.enable_reconnect":      db.EnableReconnect,
		"database.reconnect_interval":    db.ReconnectInterval,
		"database.max_reconnect_tries":   db.MaxReconnectTries,
		"database.health_check_interval": db.HealthCheckInterval,
		"database.enable_query_log":      db.EnableQueryLog,
		"database.slow_query_time":       db.SlowQueryTime,
		"database.auto_create":           db.AutoCreate,
		"engine.lock_timeout":            cfg.Engine.LockTimeout,
		"engine.flush_mode":              cfg.Engine.FlushMode,
		"engine.max_page_size":           cfg.Engine.MaxPageSize,
		"engine.plan_cache":              cfg.Engine.PlanCache,
		"engine.metrics":                 cfg.Engine.Metrics,
		"log.level":                      cfg.Log.Level,
		"log.format":                     cfg.Log.Format,
		"log.database":                   cfg.Log.Database,
	} {
		v.SetDefault(key, value)
	}
}

func (c *Config) Validate() error {
	if _, err := session.ParseFlushMode(c.Engine.FlushMode); err != nil {
		return fmt.Errorf("engine.flush_mode: %w", err)
	}
	if c.Engine.LockTimeout < 0 {
		return fmt.Errorf("engine.lock_timeout must not be negative")
	}
	if c.Engine.MaxPageSize < 0 {
		return fmt.Errorf("engine.max_page_size must not be negative")
	}
	return nil
}

// FlushMode returns the parsed engine flush mode.
func (c *Config) FlushMode() session.FlushMode {
	m, _ := session.ParseFlushMode(c.Engine.FlushMode)
	return m
}

// ApplyLogging configures the level and format of every named logger and
// installs the connection manager logger at its own level.
func (c *Config) ApplyLogging() {
	if c.Log.Level != "" {
		utils.ConfigureLogLevel(c.Log.Level)
	}
	if c.Log.Format != "" {
		utils.ConfigureConsoleLogFormat(c.Log.Format)
	}
	database.InitLogger(database.NewDefaultLogger())
	if level := c.Log.Database; level != "" {
		database.GetLogger().SetLevel(database.ParseLogLevel(level))
	}
}
