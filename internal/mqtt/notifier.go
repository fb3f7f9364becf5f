package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/studybuddy/internal/config"
	"github.com/nugget/studybuddy/internal/events"
)

// usageInterval is how often the retained usage summary is refreshed.
const usageInterval = time.Minute

// publisher is the subset of [autopaho.ConnectionManager] the forward
// loop needs.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Notifier relays bus events to the broker.
type Notifier struct {
	cfg    config.MQTTConfig
	nodeID string
	bus    *events.Bus
	usage  *DailyUsage
	logger *slog.Logger
	cm     atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Notifier but does not connect. Call [Notifier.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, nodeID string, bus *events.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		nodeID: nodeID,
		bus:    bus,
		usage:  NewDailyUsage(nil),
		logger: logger,
	}
}

// Usage returns the notifier's daily usage accumulator.
func (n *Notifier) Usage() *DailyUsage { return n.usage }

// Stats reports the broker and today's relayed usage for the stats
// endpoint.
func (n *Notifier) Stats(context.Context) map[string]any {
	return map[string]any{
		"broker":  n.cfg.Broker,
		"started": n.cm.Load() != nil,
		"today":   n.usage.Snapshot(),
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect it publishes an "online" birth
// message.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   n.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			n.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: n.clientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := n.bus.Subscribe(256)
	defer n.bus.Unsubscribe(ch)
	n.forward(ctx, cm, ch, usageInterval)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (n *Notifier) Stop(ctx context.Context) error {
	cm := n.cm.Load()
	if cm == nil {
		return nil
	}
	n.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (n *Notifier) AwaitConnection(ctx context.Context) error {
	cm := n.cm.Load()
	if cm == nil {
		return fmt.Errorf("mqtt notifier not started")
	}
	return cm.AwaitConnection(ctx)
}

func (n *Notifier) clientID() string {
	if n.nodeID == "" {
		return n.cfg.ClientID
	}
	short := n.nodeID
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return n.cfg.ClientID + "-" + short
}

// --- Topic helpers ---

func (n *Notifier) availabilityTopic() string {
	return n.cfg.TopicPrefix + "/availability"
}

func (n *Notifier) usageTopic() string {
	return n.cfg.TopicPrefix + "/usage"
}

// route picks the topic and QoS for an event. Events that are not
// relayed return ok == false.
func (n *Notifier) route(e events.Event) (topic string, qos byte, ok bool) {
	instance, _ := e.Data["instance"].(string)
	perInstance := func(leaf string) string {
		return n.cfg.TopicPrefix + "/instances/" + instance + "/" + leaf
	}

	switch {
	case e.Kind == events.KindReminder && instance != "":
		return perInstance("reminders"), 1, true
	case e.Kind == events.KindConfirmationRequired && instance != "":
		return perInstance("confirmations"), 1, true
	case e.Kind == events.KindTurnComplete && instance != "":
		return perInstance("turns"), 0, true
	case e.Kind == events.KindTaskFired:
		return n.cfg.TopicPrefix + "/scheduler/fired", 0, true
	case e.Kind == events.KindServiceState:
		if service, _ := e.Data["service"].(string); service != "" {
			return n.cfg.TopicPrefix + "/services/" + service, 1, true
		}
	}
	return "", 0, false
}

// --- Forwarding ---

func (n *Notifier) forward(ctx context.Context, pub publisher, ch <-chan events.Event, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.publishUsage(ctx, pub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.publishUsage(ctx, pub)
		case e, ok := <-ch:
			if !ok {
				return
			}
			n.relay(ctx, pub, e)
		}
	}
}

func (n *Notifier) relay(ctx context.Context, pub publisher, e events.Event) {
	n.usage.Observe(e)

	topic, qos, ok := n.route(e)
	if !ok {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	}); err != nil {
		n.logger.Warn("mqtt event publish failed", "kind", e.Kind, "topic", topic, "error", err)
		return
	}
	n.logger.Debug("mqtt event published", "kind", e.Kind, "topic", topic)
}

func (n *Notifier) publishUsage(ctx context.Context, pub publisher) {
	payload, err := json.Marshal(n.usage.Snapshot())
	if err != nil {
		n.logger.Error("mqtt marshal usage", "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   n.usageTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		n.logger.Debug("mqtt usage publish failed", "error", err)
	}
}

func (n *Notifier) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   n.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		n.logger.Info("mqtt availability published", "status", status)
	}
}
