// Package logattr holds slog attribute constructors shared across
// components so log keys stay consistent.
package logattr

import "log/slog"

func FlowID(id string) slog.Attr {
	return slog.String("flow_id", id)
}

func RunID(id string) slog.Attr {
	return slog.String("run_id", id)
}

func UserID(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
