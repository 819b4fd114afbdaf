// Package logging wraps tflog subsystems used across the directory packages.
package logging

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem names.
const (
	SubsystemDirectory = "directory"
	SubsystemPool      = "pool"
	SubsystemBackend   = "backend"
	SubsystemCache     = "cache"
)

// Init configures every subsystem on ctx. Levels come from
// MAILDIR_LOG_<SUBSYSTEM>, e.g. MAILDIR_LOG_POOL=trace.
func Init(ctx context.Context) context.Context {
	for _, subsystem := range []string{SubsystemDirectory, SubsystemPool, SubsystemBackend, SubsystemCache} {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv("MAILDIR_LOG_"+strings.ToUpper(subsystem)))
	}
	return ctx
}

// Logger is the leveled logging surface handed to components that do not
// carry a context of their own.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

type level int

const (
	levelTrace level = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

func emit(ctx context.Context, subsystem string, lvl level, msg string, fields map[string]any) {
	switch lvl {
	case levelError:
		tflog.SubsystemError(ctx, subsystem, msg, fields)
	case levelWarn:
		tflog.SubsystemWarn(ctx, subsystem, msg, fields)
	case levelInfo:
		tflog.SubsystemInfo(ctx, subsystem, msg, fields)
	case levelDebug:
		tflog.SubsystemDebug(ctx, subsystem, msg, fields)
	default:
		tflog.SubsystemTrace(ctx, subsystem, msg, fields)
	}
}

// TFLogger binds a context to one subsystem. Fields are sanitized.
type TFLogger struct {
	ctx       context.Context
	subsystem string
}

var _ Logger = (*TFLogger)(nil)

// NewTFLogger returns a logger for subsystem.
func NewTFLogger(ctx context.Context, subsystem string) *TFLogger {
	return &TFLogger{ctx: ctx, subsystem: subsystem}
}

func (l *TFLogger) Trace(msg string, fields map[string]any) {
	emit(l.ctx, l.subsystem, levelTrace, msg, SanitizeFields(fields))
}

func (l *TFLogger) Debug(msg string, fields map[string]any) {
	emit(l.ctx, l.subsystem, levelDebug, msg, SanitizeFields(fields))
}

func (l *TFLogger) Info(msg string, fields map[string]any) {
	emit(l.ctx, l.subsystem, levelInfo, msg, SanitizeFields(fields))
}

func (l *TFLogger) Warn(msg string, fields map[string]any) {
	emit(l.ctx, l.subsystem, levelWarn, msg, SanitizeFields(fields))
}

func (l *TFLogger) Error(msg string, fields map[string]any) {
	emit(l.ctx, l.subsystem, levelError, msg, SanitizeFields(fields))
}

// with returns a sanitized copy of fields extended by extra key/value pairs.
func with(fields map[string]any, extra ...any) map[string]any {
	out := make(map[string]any, len(fields)+len(extra)/2)
	maps.Copy(out, fields)
	for i := 0; i+1 < len(extra); i += 2 {
		out[extra[i].(string)] = extra[i+1]
	}
	return SanitizeFields(out)
}

// LogOperation runs fn and logs its outcome and duration. Failures are
// logged at debug level; callers decide whether they are worth more.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	emit(ctx, subsystem, levelTrace, "Starting operation", with(fields, "operation", operation))

	start := time.Now()
	err := fn()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		emit(ctx, subsystem, levelDebug, "Operation failed",
			with(fields, "operation", operation, "duration_ms", elapsed, "error", err.Error()))
		return err
	}
	emit(ctx, subsystem, levelTrace, "Operation completed successfully",
		with(fields, "operation", operation, "duration_ms", elapsed))
	return nil
}

// Thresholds above which LogPerformance raises its level.
const (
	SlowOperation    = 5 * time.Second
	NoticedOperation = time.Second
)

// LogPerformance records how long an operation took.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	f := with(fields, "operation", operation, "duration_ms", duration.Milliseconds())
	switch {
	case duration > SlowOperation:
		emit(ctx, subsystem, levelWarn, "Slow operation detected", f)
	case duration > NoticedOperation:
		emit(ctx, subsystem, levelInfo, "Operation performance", f)
	default:
		emit(ctx, subsystem, levelTrace, "Operation performance", f)
	}
}

var connectionEventLevels = map[string]level{
	"connection_established": levelDebug,
	"connection_failed":      levelWarn,
	"connection_lost":        levelWarn,
	"authentication_failed":  levelWarn,
}

var poolEventLevels = map[string]level{
	"pool_initialized":   levelDebug,
	"pool_closed":        levelDebug,
	"connection_created": levelDebug,
	"connection_retired": levelDebug,
	"pool_exhausted":     levelWarn,
	"connection_failed":  levelWarn,
	"replenish_failed":   levelWarn,
}

// LogConnectionEvent logs a backend connection event. Unlisted events are
// logged at trace level.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	emit(ctx, SubsystemBackend, connectionEventLevels[event], "Connection event", with(fields, "event", event))
}

// LogPoolEvent logs a connection pool event. Unlisted events are logged at
// trace level.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	emit(ctx, SubsystemPool, poolEventLevels[event], "Pool event", with(fields, "event", event))
}

// redacted replaces values that must never reach a log sink.
const redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":    {},
	"passwd":      {},
	"secret":      {},
	"secrets":     {},
	"credential":  {},
	"credentials": {},
	"bind_secret": {},
	"token":       {},
	"dsn":         {},
}

var sensitivePatterns = []string{"password=", "passwd=", "secret=", "token=", "{plain}", "{cleartext}"}

// SanitizeFields returns a copy of fields with credentials redacted, by key
// or by value content.
func SanitizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok && looksSensitive(s) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

func looksSensitive(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
