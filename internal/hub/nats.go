package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubject is where replicas exchange realtime events
const DefaultSubject = "loomdesk.events"

// NatsBus relays envelopes between replicas over core NATS. Events are
// transient; a replica that misses one converges on the next REST reload.
type NatsBus struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	log     *logrus.Entry
}

// ConnectNATS dials the server in cfg
func ConnectNATS(cfg config.NATSConfig, logger logrus.FieldLogger) (*NatsBus, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	log := logging.Component(logger, "bus")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("loomdesk"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.WithField("url", cfg.URL).WithField("subject", cfg.Subject).Info("connected to NATS")
	return &NatsBus{conn: nc, subject: cfg.Subject, log: log}, nil
}

func (b *NatsBus) Publish(_ context.Context, env *messages.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", b.subject, err)
	}
	return nil
}

// Subscribe hands every envelope on the subject to handler
func (b *NatsBus) Subscribe(handler func(*messages.Envelope)) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		env, err := decode(msg.Data)
		if err != nil {
			b.log.WithError(err).Warn("dropping malformed bus event")
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

// Status reports an error unless the connection is up
func (b *NatsBus) Status() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", b.conn.Status())
	}
	return nil
}

func (b *NatsBus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
}

func decode(data []byte) (*messages.Envelope, error) {
	var env messages.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("event has no type")
	}
	return &env, nil
}
