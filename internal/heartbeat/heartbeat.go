// Package heartbeat announces that the bridge is alive and which topics
// it listens on.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// TimeFormat is the layout of the heartbeat payload.
const TimeFormat = "2006-01-02 15:04:05"

// Publisher sends a payload to a topic. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Subscriptions() []string
}

// Reporter publishes the heartbeat and subscription catalog under an
// agent topic.
type Reporter struct {
	pub           Publisher
	agentTopic    string
	subscriptions bool
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithSubscriptions toggles the subscription catalog publish.
func WithSubscriptions(enabled bool) Option {
	return func(r *Reporter) { r.subscriptions = enabled }
}

// New creates a Reporter publishing under agentTopic.
func New(pub Publisher, agentTopic string, logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		pub:           pub,
		agentTopic:    agentTopic,
		subscriptions: true,
		now:           time.Now,
		logger:        logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HeartbeatTopic returns the topic the timestamp is published to.
func (r *Reporter) HeartbeatTopic() string { return r.agentTopic + "/heartbeat" }

// SubscriptionsTopic returns the topic the catalog is published to.
func (r *Reporter) SubscriptionsTopic() string { return r.agentTopic + "/subscriptions" }

type catalog struct {
	Subscriptions []string `json:"subscriptions"`
}

// Beat publishes the current local time and, when enabled, the sorted
// list of subscribed topics.
func (r *Reporter) Beat(ctx context.Context) error {
	stamp := r.now().Local().Format(TimeFormat)
	if err := r.pub.Publish(ctx, r.HeartbeatTopic(), []byte(stamp), false); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}

	if !r.subscriptions {
		return nil
	}

	subs := slices.Clone(r.pub.Subscriptions())
	if subs == nil {
		subs = []string{}
	}
	slices.Sort(subs)

	payload, err := json.Marshal(catalog{Subscriptions: subs})
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	if err := r.pub.Publish(ctx, r.SubscriptionsTopic(), payload, false); err != nil {
		return fmt.Errorf("publish subscriptions: %w", err)
	}

	r.logger.Debug("heartbeat published", "time", stamp, "subscriptions", len(subs))
	return nil
}
