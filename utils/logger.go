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

package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the key/value logging contract used across the engine:
//
//	log.Debug("plan compiled", "plan", plan.ID, "kind", plan.Kind)
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

const timestampFormat = "2006-01-02 15:04:05.000"

var (
	registryMu       sync.RWMutex
	loggerRegistry   = map[string]*logrus.Logger{}
	namedRegistry    = map[string]Logger{}
	baseLevel        = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))
	consoleLogFormat = EnvDefaultString("CONSOLE_LOG_FORMAT", "text")
	consoleOutput    io.Writer = os.Stdout
)

// NewLogger returns the logrus logger registered under name, creating it
// with the console formatter on first use.
func NewLogger(name string) *logrus.Logger {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := loggerRegistry[name]; ok {
		return l
	}
	l := logrus.New()
	l.SetOutput(consoleOutput)
	l.SetLevel(baseLevel)
	l.SetReportCaller(true)
	l.SetFormatter(newFormatter(name))
	loggerRegistry[name] = l
	return l
}

func newFormatter(name string) logrus.Formatter {
	if consoleLogFormat == "json" {
		return &JSONLogFormatter{LoggerName: name, TimestampFormat: timestampFormat}
	}
	return &Log4jColorFormatter{LoggerName: name, TimestampFormat: timestampFormat, NameWidth: 10, CallerWidth: 25}
}

// Named returns the key/value logger for name.
func Named(name string) Logger {
	registryMu.RLock()
	l, ok := namedRegistry[name]
	registryMu.RUnlock()
	if ok {
		return l
	}
	fl := &fieldLogger{l: NewLogger(name)}
	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := namedRegistry[name]; ok {
		return existing
	}
	namedRegistry[name] = fl
	return fl
}

// Discard returns a Logger that drops everything.
func Discard() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type fieldLogger struct {
	l *logrus.Logger
}

func (f *fieldLogger) Debug(msg string, fields ...interface{}) {
	f.entry(fields).Debug(msg)
}

func (f *fieldLogger) Info(msg string, fields ...interface{}) {
	f.entry(fields).Info(msg)
}

func (f *fieldLogger) Warn(msg string, fields ...interface{}) {
	f.entry(fields).Warn(msg)
}

func (f *fieldLogger) Error(msg string, fields ...interface{}) {
	f.entry(fields).Error(msg)
}

func (f *fieldLogger) entry(fields []interface{}) *logrus.Entry {
	return f.l.WithFields(Fields(fields...))
}

// Fields turns alternating keys and values into logrus fields. A trailing
// key without value is kept under "extra".
func Fields(kv ...interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			out["extra"] = kv[i]
			break
		}
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}

func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// ConfigureLogLevel sets the level of every registered logger and of the
// loggers created afterwards.
func ConfigureLogLevel(level string) {
	lvl := ParseLogLevel(level)
	registryMu.Lock()
	defer registryMu.Unlock()
	baseLevel = lvl
	for _, l := range loggerRegistry {
		l.SetLevel(lvl)
	}
}

// SetLoggerLevel changes one logger; it reports false for unknown names.
func SetLoggerLevel(name, level string) bool {
	registryMu.RLock()
	l, ok := loggerRegistry[name]
	registryMu.RUnlock()
	if ok {
		l.SetLevel(ParseLogLevel(level))
	}
	return ok
}

// ConfigureConsoleLogFormat switches between "text" and "json" output.
func ConfigureConsoleLogFormat(format string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		consoleLogFormat = "json"
	} else {
		consoleLogFormat = "text"
	}
	for name, l := range loggerRegistry {
		l.SetFormatter(newFormatter(name))
	}
}

// Log4jColorFormatter prints
// "2025-01-02 10:00:00.000    INFO 4242   - [main]  COMPILER  compiler.plan.go:88 : msg k=v".
type Log4jColorFormatter struct {
	LoggerName      string
	TimestampFormat string
	NameWidth       int
	CallerWidth     int
}

func (f *Log4jColorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time.Format(orDefault(f.TimestampFormat, timestampFormat))
	lvl := colorLevel(padLeft(strings.ToUpper(entry.Level.String()), 7), entry.Level)
	pid := colorWrap(fmt.Sprintf("%-6d", os.Getpid()), ansiMagenta)
	name := colorWrap(padLeft(limitRunes(f.LoggerName, f.NameWidth), f.NameWidth), ansiCyan)
	caller := ""
	if entry.Caller != nil {
		caller = colorWrap(" "+padLeft(compactCaller(entry.Caller.File, entry.Caller.Line, f.CallerWidth), f.CallerWidth), ansiFaint)
	}
	msg := entry.Message
	if len(entry.Data) > 0 {
		msg += " " + joinFields(entry.Data)
	}
	line := fmt.Sprintf("%s %s %s - %s %s%s %s %s\n", ts, lvl, pid, colorWrap("[main]", ansiMagenta), name, caller, colorWrap(":", ansiFaint), msg)
	return []byte(line), nil
}

// JSONLogFormatter writes one JSON object per line.
type JSONLogFormatter struct {
	LoggerName      string
	TimestampFormat string
}

func (f *JSONLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	rec := struct {
		Time    string                 `json:"time"`
		Level   string                 `json:"level"`
		Logger  string                 `json:"logger"`
		Caller  string                 `json:"caller,omitempty"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields,omitempty"`
	}{
		Time:    entry.Time.Format(orDefault(f.TimestampFormat, timestampFormat)),
		Level:   strings.ToLower(entry.Level.String()),
		Logger:  f.LoggerName,
		Message: entry.Message,
	}
	if entry.Caller != nil {
		rec.Caller = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			rec.Fields[k] = v
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func joinFields(data logrus.Fields) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, data[k])
	}
	return strings.Join(parts, " ")
}

// compactCaller renders "dir.file.go:line", abbreviating directories to
// their first letter when the result is wider than width.
func compactCaller(file string, line, width int) string {
	parts := strings.Split(filepath.ToSlash(file), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	suffix := fmt.Sprintf(":%d", line)
	out := strings.Join(parts, ".") + suffix
	for i := 0; i < len(parts)-1 && width > 0 && len(out) > width; i++ {
		if r := []rune(parts[i]); len(r) > 0 {
			parts[i] = string(r[0])
		}
		out = strings.Join(parts, ".") + suffix
	}
	if width > 0 && len(out) > width {
		r := []rune(out)
		out = string(r[len(r)-width:])
	}
	return out
}

const (
	ansiReset   = "\x1b[0m"
	ansiFaint   = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func colorWrap(s, code string) string { return code + s + ansiReset }

func colorLevel(s string, level logrus.Level) string {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorWrap(s, ansiRed)
	case logrus.WarnLevel:
		return colorWrap(s, ansiYellow)
	case logrus.InfoLevel:
		return colorWrap(s, ansiGreen)
	case logrus.DebugLevel:
		return colorWrap(s, ansiBlue)
	default:
		return colorWrap(s, ansiMagenta)
	}
}

func padLeft(s string, width int) string {
	r := []rune(s)
	if len(r) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(r)) + s
}

func limitRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func EnvDefaultString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvDefaultBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func EnvDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func EnvDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
