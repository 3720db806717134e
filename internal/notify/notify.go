// Package notify delivers flow results to their receivers.
package notify

import (
	"context"
	"time"

	"github.com/propelr/propelr/internal/model"
)

// QueuePrefix is prepended to the receiver identity to form a queue name.
const QueuePrefix = "propelr.notify."

// Notification is the payload published after a successful run.
type Notification struct {
	FlowID     string         `json:"flowId"`
	OwnerID    string         `json:"ownerUserId"`
	RunID      string         `json:"runId"`
	Receiver   model.Receiver `json:"receiver"`
	Vars       map[string]any `json:"vars"`
	ExecutedAt time.Time      `json:"executedAt"`
}

// Dispatcher sends notifications to a receiver channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification) error
}

// QueueName returns the queue for a receiver identity.
func QueueName(identity model.ReceiverIdentity) string {
	return QueuePrefix + string(identity)
}
