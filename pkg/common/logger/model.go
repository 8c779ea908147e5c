package logger

import (
	"context"
	"log/slog"
	"time"
)

// Level represents different logging levels.
type Level slog.Level

// A set of possible logging levels.
const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

// ParseLevel converts a configured level name into a Level. Unknown names
// fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Record represents the data that is being logged.
type Record struct {
	Time       time.Time
	Message    string
	Level      Level
	Attributes map[string]any
}

func toRecord(r slog.Record) Record {
	atts := make(map[string]any, r.NumAttrs())

	f := func(attr slog.Attr) bool {
		atts[attr.Key] = attr.Value.Any()
		return true
	}
	r.Attrs(f)

	return Record{
		Time:       r.Time,
		Message:    r.Message,
		Level:      Level(r.Level),
		Attributes: atts,
	}
}

// EventFn is a function to be executed when configured against a log level.
type EventFn func(ctx context.Context, r Record)

// Events contains an assignment of an event function to a log level.
type Events struct {
	Debug EventFn
	Info  EventFn
	Warn  EventFn
	Error EventFn
}

func newEventMiddleware(events Events) func(ctx context.Context, r slog.Record, next func(context.Context, slog.Record) error) error {
	return func(ctx context.Context, r slog.Record, next func(context.Context, slog.Record) error) error {
		err := next(ctx, r)

		switch r.Level {
		case slog.LevelDebug:
			if events.Debug != nil {
				events.Debug(ctx, toRecord(r))
			}
		case slog.LevelInfo:
			if events.Info != nil {
				events.Info(ctx, toRecord(r))
			}
		case slog.LevelWarn:
			if events.Warn != nil {
				events.Warn(ctx, toRecord(r))
			}
		case slog.LevelError:
			if events.Error != nil {
				events.Error(ctx, toRecord(r))
			}
		}

		return err
	}
}
