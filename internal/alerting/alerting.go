// Package alerting subscribes to the oauth manager's refresh-failure alert
// channel and surfaces each event at WARN, optionally relaying it to Slack.
//
// Subscribe loop grounded on pkg/escalation/engine.go's Run method (Redis
// Subscribe + Channel() + context-cancellation select); the buffered,
// never-blocks-the-publisher handling is adapted from internal/audit's
// Writer, cut down from its batched Postgres flush to a single log/notify
// step since alert volume here is low and there is no per-tenant schema to
// group by. The optional Slack relay is adapted from pkg/slack/notifier.go's
// Notifier, trimmed to the one PostAlert-shaped call this domain needs.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel the oauth manager publishes alert
// events to (see internal/oauthmgr's alertChannel).
const Channel = "agentcore:oauth:alert"

// Event mirrors the JSON payload oauthmgr.Manager.publishAlert emits.
type Event struct {
	ConnectionID string    `json:"connection_id"`
	Provider     string    `json:"provider"`
	Kind         string    `json:"kind"` // "needs_reauth" | "transient_failure" | "expiry_rate_high"
	At           time.Time `json:"at"`
}

// Notifier relays alert events to a destination beyond the log. Slack is the
// only implementation today; nil disables relaying.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Subscriber drains the oauth alert channel and logs each event at WARN,
// relaying to an optional Notifier.
type Subscriber struct {
	rdb      *redis.Client
	logger   *slog.Logger
	notifier Notifier
}

// New creates a Subscriber. notifier may be nil to log only.
func New(rdb *redis.Client, logger *slog.Logger, notifier Notifier) *Subscriber {
	return &Subscriber{rdb: rdb, logger: logger, notifier: notifier}
}

// Run subscribes to the alert channel and blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("alert subscriber started", "channel", Channel)

	pubsub := s.rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	msgCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("alert subscriber stopped")
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn("alerting: malformed event payload", "error", err, "payload", payload)
		return
	}

	s.logger.Warn("oauth connection alert",
		"connection_id", ev.ConnectionID,
		"provider", ev.Provider,
		"kind", ev.Kind,
		"at", ev.At,
	)

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Error("alerting: notify failed", "error", err, "connection_id", ev.ConnectionID)
	}
}

// SlackNotifier posts alert events to a fixed Slack channel. It is a no-op
// (IsEnabled() == false) when botToken or channel is empty, so wiring it in
// is always safe even when Slack isn't configured for a deployment.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
}

// NewSlackNotifier creates a SlackNotifier. If botToken is empty, the
// returned notifier is disabled and Notify is a no-op.
func NewSlackNotifier(botToken, channel string) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel}
}

// IsEnabled reports whether the notifier has a usable client and channel.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Notify posts a one-line alert summary to the configured Slack channel.
func (n *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	if !n.IsEnabled() {
		return nil
	}

	text := fmt.Sprintf(":warning: oauth connection alert: provider=%s kind=%s connection=%s",
		ev.Provider, ev.Kind, ev.ConnectionID)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}
	return nil
}
