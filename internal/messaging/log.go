package messaging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/actions"
)

// LogSender only logs messages. It backs the CLI when no NATS URL is set.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(ctx context.Context, msg actions.EmailMessage) (string, error) {
	id := uuid.NewString()
	s.logger.InfoContext(ctx, "email", "message_id", id, "to", msg.To, "subject", msg.Subject)
	return id, nil
}

func (s *LogSender) SendSMS(ctx context.Context, msg actions.SMSMessage) (actions.SMSReceipt, error) {
	id := uuid.NewString()
	s.logger.InfoContext(ctx, "sms", "message_id", id, "to", msg.To)
	return actions.SMSReceipt{ID: id, Status: "logged"}, nil
}
