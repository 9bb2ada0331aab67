package external

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"duespark/internal/types"
)

// LogTransport implements types.Transport by logging instead of sending.
// Selected for local and dev environments so the pipeline can be exercised
// end to end without provider credentials.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Send logs the message and fabricates a message id.
func (t *LogTransport) Send(ctx context.Context, input types.SendInput) (*types.SendResult, error) {
	msgID := "log_" + uuid.NewString()
	t.logger.InfoContext(ctx, "log transport send",
		"to", input.To,
		"subject", input.Subject,
		"message_id", msgID,
	)
	return &types.SendResult{MessageID: msgID, Provider: "log"}, nil
}

var _ types.Transport = (*LogTransport)(nil)
