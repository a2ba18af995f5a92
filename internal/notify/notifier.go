// Package notify emits delivery notifications for downstream consumers
// (operator frontends, bridges). Delivery is fire-and-forget: failures are
// logged and never block ingestion.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// EventKind names the downstream notification kinds.
type EventKind string

const (
	KindNewMessage    EventKind = "new_message"
	KindChatUpdated   EventKind = "chat_updated"
	KindAccountStatus EventKind = "account_status"
)

// Notifier fans an event out to everyone listening on a subscriber key.
type Notifier interface {
	Notify(subscriberKey string, kind EventKind, payload any)
}

// envelope is the published wire form.
type envelope struct {
	ID        uuid.UUID `json:"id"`
	Kind      EventKind `json:"kind"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// AMQPNotifier publishes events to per-subscriber fanout exchanges.
type AMQPNotifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *logrus.Logger
}

// NewAMQPNotifier connects to the broker at amqpURL.
func NewAMQPNotifier(amqpURL string, log *logrus.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPNotifier{conn: conn, channel: ch, log: log}, nil
}

// Notify publishes the event to the subscriber's fanout exchange. Errors are
// logged, never returned.
func (n *AMQPNotifier) Notify(subscriberKey string, kind EventKind, payload any) {
	body, err := json.Marshal(envelope{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		n.log.WithError(err).WithField("kind", kind).Error("encode notification")
		return
	}

	exchange := "crm." + subscriberKey
	if err := n.channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		n.log.WithError(err).WithField("exchange", exchange).Warn("declare exchange")
		return
	}
	err = n.channel.Publish(exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		n.log.WithError(err).WithField("exchange", exchange).Warn("publish notification")
	}
}

// Close closes the broker connection and channel.
func (n *AMQPNotifier) Close() {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}

// LogNotifier writes notifications to the log only. Used when no broker is
// configured.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n *LogNotifier) Notify(subscriberKey string, kind EventKind, payload any) {
	n.Log.WithFields(logrus.Fields{
		"subscriber": subscriberKey,
		"kind":       kind,
	}).Debug("notification (no broker configured)")
}
