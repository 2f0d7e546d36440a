// Package messaging hands outbound email and SMS to a delivery backend.
// Actual delivery is owned by whichever service consumes the messages.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/logging"
)

const (
	defaultSubjectPrefix = "autoflow.messages"
	headerMessageID      = "Autoflow-Message-Id"
	headerExecutionID    = "Autoflow-Execution-Id"
	statusQueued         = "queued"
)

var errNilConn = errors.New("nats connection not initialized")

// Publisher is the part of *nats.Conn the sender needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSender publishes each message as JSON on <prefix>.email or
// <prefix>.sms. The generated message id travels in a header and in the
// returned receipt.
type NATSSender struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSSender wraps an existing publisher.
func NewNATSSender(pub Publisher, prefix string, logger *slog.Logger) *NATSSender {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSender{pub: pub, prefix: prefix, logger: logger}
}

// Dial connects to NATS with reconnects enabled.
func Dial(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name("autoflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
}

// SendEmail publishes an email message.
func (s *NATSSender) SendEmail(ctx context.Context, msg actions.EmailMessage) (string, error) {
	return s.publish(ctx, "email", msg)
}

// SendSMS publishes a text message. Status is always "queued": delivery
// happens downstream.
func (s *NATSSender) SendSMS(ctx context.Context, msg actions.SMSMessage) (actions.SMSReceipt, error) {
	id, err := s.publish(ctx, "sms", msg)
	if err != nil {
		return actions.SMSReceipt{}, err
	}
	return actions.SMSReceipt{ID: id, Status: statusQueued}, nil
}

func (s *NATSSender) publish(ctx context.Context, channel string, payload any) (string, error) {
	if s == nil || s.pub == nil {
		return "", errNilConn
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", channel, err)
	}
	id := uuid.NewString()
	msg := nats.NewMsg(s.prefix + "." + channel)
	msg.Data = data
	msg.Header.Set(headerMessageID, id)
	if execID := logging.ExecutionID(ctx); execID != "" {
		msg.Header.Set(headerExecutionID, execID)
	}
	if err := s.pub.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	s.logger.DebugContext(ctx, "message published", "subject", msg.Subject, "message_id", id)
	return id, nil
}
