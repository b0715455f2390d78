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
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/uptrace/bun"
)

var (
	selectColor = color.New(color.FgGreen)
	insertColor = color.New(color.FgBlue)
	updateColor = color.New(color.FgYellow)
	deleteColor = color.New(color.FgMagenta)
	otherColor  = color.New(color.FgRed)
	tagColor    = color.New(color.FgCyan)
	lockColor   = color.New(color.BgYellow, color.FgBlack)
	errorColor  = color.New(color.BgRed, color.FgWhite)
)

// QueryHook prints executed SQL. Failed statements are always printed when
// the hook is enabled; successful ones only in verbose mode. The environment
// variable named by EnvName overrides the flags: "0" disables, "1" enables,
// "2" enables verbose output.
type QueryHook struct {
	EnvName string
	Enabled bool
	Verbose bool
	Writer  io.Writer
}

var _ bun.QueryHook = (*QueryHook)(nil)

func NewQueryHook(enabled, verbose bool) *QueryHook {
	return &QueryHook{EnvName: "DATAMAPPER_SQL_LOG", Enabled: enabled, Verbose: verbose, Writer: os.Stdout}
}

func (h *QueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	enabled, verbose := h.Enabled, h.Verbose
	if env, ok := os.LookupEnv(h.EnvName); ok {
		enabled = env != "" && env != "0"
		verbose = env == "2"
	}
	if !enabled {
		return
	}
	if !verbose {
		switch {
		case event.Err == nil, errors.Is(event.Err, sql.ErrNoRows), errors.Is(event.Err, sql.ErrTxDone):
			return
		}
	}

	now := time.Now()
	args := []interface{}{
		now.Format("2006-01-02 15:04:05.000"),
		tagColor.Sprintf("%12s", "[SQL]"),
		fmt.Sprintf("%12s", now.Sub(event.StartTime).Round(time.Microsecond)),
		" ", operationColor(event.Operation()).Sprint(event.Query),
	}
	if event.Err != nil {
		label := reflect.TypeOf(event.Err).String() + ": " + event.Err.Error()
		if is, kind := IsSqlError(event.Err); is && kind == LockWaitTimeoutErr {
			args = append(args, "\t", lockColor.Sprintf(" lock wait timeout: %s ", event.Err))
		} else {
			args = append(args, "\t", errorColor.Sprintf(" %s ", label))
		}
	}
	_, _ = fmt.Fprintln(h.Writer, args...)
}

func operationColor(op string) *color.Color {
	switch strings.ToUpper(op) {
	case "SELECT":
		return selectColor
	case "INSERT":
		return insertColor
	case "UPDATE":
		return updateColor
	case "DELETE":
		return deleteColor
	}
	return otherColor
}

// SlowQueryHook warns about statements slower than Threshold.
type SlowQueryHook struct {
	Threshold time.Duration
	Logger    Logger
}

var _ bun.QueryHook = (*SlowQueryHook)(nil)

func (h *SlowQueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *SlowQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if event.Err != nil || h.Logger == nil {
		return
	}
	if d := time.Since(event.StartTime); d > h.Threshold {
		h.Logger.Warn("slow query detected",
			"duration", d.Round(time.Microsecond),
			"threshold", h.Threshold,
			"query", event.Query,
		)
	}
}
