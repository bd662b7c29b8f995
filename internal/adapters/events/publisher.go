package events

import (
	"context"
	"log/slog"
)

// LoggingPublisher writes events to the log instead of a broker. Used when no brokers are
// configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	p.logger.InfoContext(ctx, "published event", "event_type", eventType, "partition_key", partitionKey, "payload", string(payload))
	return nil
}
