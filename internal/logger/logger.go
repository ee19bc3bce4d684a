package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"go.opentelemetry.io/otel/trace"
)

const defaultLevel = slog.LevelInfo

// ParseLevel maps "debug", "info", "warn" and "error" (any case) to slog
// levels. Unknown strings yield INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

type defaultLogger struct {
	*slog.Logger
}

var _ simlog.Logger = (*defaultLogger)(nil)

// NewLogger builds a Logger writing "text" or "json" records to writer
// (os.Stderr when nil). Records carry trace_id/span_id when logged with a
// context holding a valid span.
func NewLogger(levelStr string, formatStr string, writer io.Writer) simlog.Logger {
	if writer == nil {
		writer = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(levelStr),
		ReplaceAttr: replaceLevelAttribute,
	}

	var base slog.Handler
	if strings.EqualFold(formatStr, "json") {
		base = slog.NewJSONHandler(writer, opts)
	} else {
		base = slog.NewTextHandler(writer, opts)
	}
	return &defaultLogger{Logger: slog.New(NewOtelHandler(base))}
}

// NewDiscardLogger returns a Logger that drops every record. Handy in tests
// and for library embedders that do not want output.
func NewDiscardLogger() simlog.Logger {
	return NewLogger("error", "text", io.Discard)
}

var levelStringMap = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute renders the level attribute as an uppercase name.
func replaceLevelAttribute(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	name, exists := levelStringMap[level]
	if !exists {
		name = level.String()
	}
	a.Value = slog.StringValue(name)
	return a
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

// logf formats only when the level is enabled.
func (l *defaultLogger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if l.Logger.Enabled(ctx, level) {
		l.Logger.Log(ctx, level, fmt.Sprintf(format, args...))
	}
}

// Errorf logs a formatted message at the ERROR level.
// When the last argument is an error, known simloop error types are expanded
// into structured attributes (trial id, outcome, store backend).
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelError) {
		msg := fmt.Sprintf(format, args...)
		l.logHelper(context.Background(), slog.LevelError, msg, args...)
	}
}

// logHelper attaches structured error attributes derived from the trailing
// error argument, if any.
func (l *defaultLogger) logHelper(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	var attrs []any
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			attrs = errorAttrs(err)
		}
	}
	l.Logger.Log(ctx, level, msg, attrs...)
}

// errorAttrs maps an error to slog attributes.
func errorAttrs(err error) []any {
	var trialErr *simerrors.TrialError
	var storeErr *simerrors.StoreError
	var deniedErr *simerrors.AdmissionDeniedError
	switch {
	case errors.As(err, &trialErr):
		attrs := []any{slog.String("error_type", "TrialError"), slog.String("outcome", trialErr.Outcome)}
		if trialErr.TrialID != "" {
			attrs = append(attrs, slog.String("trial_id", trialErr.TrialID))
		}
		if trialErr.Strategy != "" {
			attrs = append(attrs, slog.String("strategy", trialErr.Strategy))
		}
		if trialErr.Cause != nil {
			return append(attrs, slog.String("error", trialErr.Cause.Error()))
		}
		return append(attrs, slog.String("error", trialErr.Error()))
	case errors.As(err, &storeErr):
		return []any{
			slog.String("error_type", "StoreError"),
			slog.String("backend", storeErr.Backend),
			slog.String("op", storeErr.Op),
			slog.String("error", err.Error()),
		}
	case errors.As(err, &deniedErr):
		return []any{
			slog.String("error_type", "AdmissionDenied"),
			slog.String("kind", deniedErr.Kind),
			slog.String("error", deniedErr.Reason),
		}
	default:
		return []any{slog.String("error", err.Error())}
	}
}

func (l *defaultLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx logs with ctx so the OtelHandler can attach trace and span ids.
func (l *defaultLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

func (l *defaultLogger) With(args ...interface{}) simlog.Logger {
	return &defaultLogger{Logger: l.Logger.With(args...)}
}

func (l *defaultLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// OtelHandler is slog middleware adding trace_id and span_id to records
// logged with a context that carries a valid span.
type OtelHandler struct {
	next slog.Handler
}

func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
