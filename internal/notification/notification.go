package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	KindKeysDistributed = "keys_distributed"
	KindKeysTransferred = "keys_transferred"
	KindKeysReceived    = "keys_received"
	KindKeysActivated   = "keys_activated"
	KindStatusChanged   = "transfer_status_changed"
)

// Message describes a notification payload. Recipient is an account id.
type Message struct {
	Kind      string
	Recipient string
	EntryID   string
	Count     int64
	Body      string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.InfoContext(ctx, "notification",
		slog.String("kind", message.Kind),
		slog.String("recipient", message.Recipient),
		slog.String("entry_id", message.EntryID),
		slog.Int64("count", message.Count),
		slog.String("body", message.Body),
	)
	return nil
}

// Recorder keeps every message in memory. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
