package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/ess2mqtt/internal/config"
)

// ErrNotStarted is returned by operations that need a broker connection
// before [Client.Start] has been called.
var ErrNotStarted = errors.New("mqtt client not started")

const (
	// connectWait bounds how long Start waits for the first connection.
	connectWait = 30 * time.Second
	// subscribeTimeout bounds a single SUBSCRIBE round trip.
	subscribeTimeout = 10 * time.Second

	inboundLimit    = 100
	inboundInterval = time.Second
)

// Client manages the broker connection. Publish methods are safe for
// concurrent use. Inbound messages are routed by a paho
// [paho.StandardRouter]; the client keeps only the set of filters it
// subscribes to.
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	limiter  *messageRateLimiter
	router   *paho.StandardRouter

	mu     sync.Mutex
	topics map[string]struct{}
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
}

// New creates a Client but does not connect. Call [Client.Start] to
// connect to the broker.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID()
	}
	return &Client{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		limiter:  newMessageRateLimiter(inboundLimit, inboundInterval, logger),
		router:   paho.NewStandardRouterWithDefault(wrap(defaultMessageHandler(logger))),
		topics:   make(map[string]struct{}),
	}
}

func defaultClientID() string {
	return "ess2mqtt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// wrap adapts a MessageHandler to the paho router.
func wrap(h MessageHandler) paho.MessageHandler {
	return func(p *paho.Publish) {
		h(p.Topic, p.Payload)
	}
}

// ClientID returns the MQTT client identifier in use.
func (c *Client) ClientID() string { return c.clientID }

// Start connects to the broker and waits up to 30 seconds, or until ctx
// is cancelled, for the first connection. If the broker is unreachable
// it logs a warning and returns nil; autopaho keeps retrying in the
// background. The connection itself lives until [Client.Stop], so that
// a cancelled ctx still leaves room to publish "offline".
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)
			c.publishAvailability(connCtx, cm, "online")
			c.resubscribe(connCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.route(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mu.Lock()
	c.cm = cm
	c.cancel = cancel
	c.mu.Unlock()

	go c.limiter.start(connCtx)

	waitCtx, waitCancel := context.WithTimeout(ctx, connectWait)
	defer waitCancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		if ctx.Err() != nil {
			c.logger.Info("mqtt initial connection abandoned", "error", ctx.Err())
			return nil
		}
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both steps. The connection is torn down
// even when the disconnect fails.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm, cancel := c.cm, c.cancel
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	defer cancel()

	c.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.conn()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

func (c *Client) conn() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}

// --- Topic helpers ---

// MetricTopic returns the topic a flattened metric key is published to.
func (c *Client) MetricTopic(key string) string {
	return c.cfg.BaseTopic + "/" + key
}

// AvailabilityTopic carries the retained online/offline status.
func (c *Client) AvailabilityTopic() string {
	return c.cfg.AgentTopic + "/status"
}

// LogTopic carries mirrored log records.
func (c *Client) LogTopic() string {
	return c.cfg.AgentTopic + "/log"
}

// --- Publish ---

// Publish sends payload to topic at QoS 0. It never logs; failures are
// returned so that callers on the log path cannot recurse.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := c.conn()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishMetric publishes a retained metric value under the base topic.
func (c *Client) PublishMetric(ctx context.Context, key, value string) error {
	return c.Publish(ctx, c.MetricTopic(key), []byte(value), true)
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Subscribe ---

// Subscribe registers handler for messages on topic (which may contain
// + and # wildcards). The subscription is sent to the broker now when
// connected and again on every reconnect. A broker error is returned
// but the handler stays registered.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.router.RegisterHandler(topic, wrap(handler))

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	cm := c.cm
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	return c.subscribe(ctx, cm, []string{topic})
}

// Subscriptions returns the registered topic filters, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topics := c.Subscriptions()
	if len(topics) == 0 {
		return
	}
	if err := c.subscribe(ctx, cm, topics); err != nil {
		c.logger.Error("mqtt resubscribe failed", "topics", topics, "error", err)
	}
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, topics []string) error {
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: t, QoS: 1})
	}

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		return fmt.Errorf("mqtt subscribe %v: %w", topics, err)
	}
	c.logger.Info("mqtt subscribed", "topics", topics)
	return nil
}

// route hands an inbound message to the router, which calls every
// handler whose filter matches or the fallback logger when none does.
func (c *Client) route(p *paho.Publish) {
	if !c.limiter.allow() {
		return
	}
	c.router.Route(p.Packet())
}
