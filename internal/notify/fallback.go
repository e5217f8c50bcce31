package notify

import (
	"context"
	"log"
)

// RawRenderer passes the composed HTML through unrendered, for
// deployments where the delivery side does its own rendering.
type RawRenderer struct{}

func (RawRenderer) Render(_ context.Context, htmlContent string) ([]byte, error) {
	return []byte(htmlContent), nil
}

// LogSender records deliveries instead of sending them. Used when no
// delivery endpoint is configured.
type LogSender struct {
	logger *log.Logger
}

// NewLogSender wraps a logger as a Sender.
func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Deliver(_ context.Context, ownerID int64, image []byte) error {
	s.logger.Printf("notify: delivery for owner %d (%d bytes, no sender configured)", ownerID, len(image))
	return nil
}
