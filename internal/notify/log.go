package notify

import (
	"context"
	"log/slog"

	"github.com/propelr/propelr/internal/logattr"
)

// LogDispatcher writes notifications to the log. It is used when no
// broker is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With("component", "notify.log")}
}

// Dispatch logs the notification and never fails.
func (d *LogDispatcher) Dispatch(ctx context.Context, n *Notification) error {
	d.logger.InfoContext(ctx, "notification",
		logattr.FlowID(n.FlowID),
		logattr.RunID(n.RunID),
		logattr.UserID(n.OwnerID),
		slog.String("receiver", string(n.Receiver.Identity)),
		slog.String("queue", QueueName(n.Receiver.Identity)),
		slog.Any("vars", n.Vars),
	)
	return nil
}
