package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "insightd"

// ConnectOptions configures Connect.
type ConnectOptions struct {
	URL   string
	Token string
	Name  string
}

// Connect dials NATS, retrying in the background if the server is not up
// yet. Connection state changes are logged.
func Connect(opts ConnectOptions, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "insightd"
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", opts.URL, err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, t insight.EventType) string {
	return subjectRoot(prefix) + "." + t.Name()
}

func subjectRoot(prefix string) string {
	prefix = strings.Trim(prefix, ". ")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".insight"
}

// NATSPublisher publishes events as JSON. The event id is set as the
// Nats-Msg-Id header so JetStream streams can de-duplicate.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

var _ insight.Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates a publisher on an open connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Publish sends e. It does not wait for delivery.
func (p *NATSPublisher) Publish(_ context.Context, e insight.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(p.prefix, e.Type))
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Data = data
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// SubscribeNATS delivers every event published under prefix to fn.
// Messages that do not decode are logged and dropped.
func SubscribeNATS(conn *nats.Conn, prefix string, fn Handler, logger *zap.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	subject := subjectRoot(prefix) + ".>"
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var e insight.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := deliver(context.Background(), fn, e); err != nil {
			logger.Warn("event handler failed",
				zap.String("event", string(e.Type)),
				zap.String("insight.id", e.InsightID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
