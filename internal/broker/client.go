// Package broker wraps an MQTT connection: subscription to the two
// telemetry topic patterns, reconnect with exponential backoff, and
// delivery of inbound messages to a caller-supplied handler.
package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/controlgate/telemetry-writer/internal/config"
)

// Message is one inbound publish, decoupled from the paho message type so
// callers don't depend on the client library directly.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler is invoked for every inbound message on either subscription.
type Handler func(Message)

// Client manages one MQTT connection with reconnect backoff governed by
// the configured reconnect_min_delay/reconnect_max_delay knobs.
type Client struct {
	cfg     config.MQTTConfig
	log     *zap.Logger
	client  mqtt.Client
	handler Handler
	joined  atomic.Bool
	lost    chan struct{}
}

// New builds a Client. Run must be called to connect and start delivering
// messages.
func New(cfg config.MQTTConfig, log *zap.Logger, handler Handler) (*Client, error) {
	c := &Client{cfg: cfg, log: log, handler: handler, lost: make(chan struct{}, 1)}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building mqtt tls config: %w", err)
	}

	scheme := "tcp"
	if tlsCfg != nil {
		scheme = "ssl" // paho dials plain TCP for tcp:// and ignores the TLS config
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(time.Duration(cfg.KeepaliveSeconds) * time.Second)
	opts.SetAutoReconnect(false) // reconnect loop is owned by Run, to honor the configured backoff schedule
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.joined.Store(false)
		log.Warn("mqtt connection lost", zap.Error(err))
		select {
		case c.lost <- struct{}{}:
		default:
		}
	})
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		c.joined.Store(true)
		log.Info("mqtt connected", zap.String("host", cfg.Host))
		c.subscribe(cl)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// IsJoined reports whether the client currently holds a live connection.
// It is set on connect, before subscribing; a failed subscription is only
// logged and does not clear it. Used by the HTTP readiness probe.
func (c *Client) IsJoined() bool {
	return c.joined.Load()
}

func (c *Client) subscribe(cl mqtt.Client) {
	topics := map[string]byte{
		c.cfg.Subscriptions.Telemetry: 1,
		c.cfg.Subscriptions.Decoded:   1,
	}
	for topic := range topics {
		topic := topic
		token := cl.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			c.handler(Message{Topic: msg.Topic(), Payload: msg.Payload()})
		})
		if token.Wait() && token.Error() != nil {
			c.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// Run connects and blocks, reconnecting with exponential backoff on
// failure or connection loss, until ctx is cancelled. Delay doubles from
// ReconnectMinDelay up to ReconnectMaxDelay and resets to the minimum on
// each successful connect.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMinDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		token := c.client.Connect()
		if token.Wait() && token.Error() != nil {
			c.log.Warn("mqtt connect failed, backing off", zap.Error(token.Error()), zap.Duration("delay", delay))
			if !sleepOrDone(ctx, delay) {
				c.client.Disconnect(0)
				return ctx.Err()
			}
			delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
			continue
		}

		delay = c.cfg.ReconnectMinDelay

		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()
		case <-c.lost:
			if !sleepOrDone(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
		}
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
