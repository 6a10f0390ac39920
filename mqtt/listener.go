// Package mqtt feeds live telemetry from the broker into watch sessions.
// Each running session's telemetry topic is subscribed while the session
// lives; polling stays the source of truth and this only shortens the delay.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iotconsole/models"
)

const (
	qos            = 1
	subscribeWait  = 5 * time.Second
	disconnectWait = 1500 // ms
	DefaultResync  = 5 * time.Second
)

// TelemetrySink receives decoded telemetry for watched devices.
type TelemetrySink interface {
	TelemetryTopics() map[string]string
	PushTelemetry(deviceID string, snap *models.TelemetrySnapshot) bool
}

type subscriber interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

type Listener struct {
	client paho.Client
	sink   TelemetrySink
	resync time.Duration
	log    zerolog.Logger

	mu         sync.Mutex
	subscribed map[string]string // topic -> device id
}

func NewListener(sink TelemetrySink, resync time.Duration, log zerolog.Logger) *Listener {
	if resync <= 0 {
		resync = DefaultResync
	}
	return &Listener{
		sink:       sink,
		resync:     resync,
		log:        log,
		subscribed: make(map[string]string),
	}
}

// Start connects to the broker, retrying every second until it succeeds or
// ctx is done.
func (l *Listener) Start(ctx context.Context, brokerURL string) error {
	opts := paho.NewClientOptions()
	opts.ClientID = "iotconsole-" + uuid.NewString()[:8]
	opts.AutoReconnect = true

	u, err := url.Parse(brokerURL)
	if err != nil {
		return fmt.Errorf("mqtt url parse: %w", err)
	}
	opts.Servers = []*url.URL{u}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}

	opts.SetOnConnectHandler(l.connected)
	opts.SetConnectionLostHandler(l.disconnected)

	l.client = paho.NewClient(opts)

	retry := time.NewTicker(1 * time.Second)
	defer retry.Stop()

	l.log.Info().Str("broker", u.Host).Msg("Attempting to connect to MQTT")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
			token := l.client.Connect()
			token.Wait()

			if err := token.Error(); err != nil {
				l.log.Error().Err(err).Msg("Connect attempt failed, will retry")
				continue
			}
			return nil
		}
	}
}

// Run keeps subscriptions in line with the running sessions until ctx is
// done, then disconnects.
func (l *Listener) Run(ctx context.Context) {
	ticker := time.NewTicker(l.resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-ticker.C:
			if l.client != nil && l.client.IsConnectionOpen() {
				l.sync(l.client)
			}
		}
	}
}

func (l *Listener) Stop() {
	if l.client == nil {
		return
	}
	l.log.Info().Msg("Disconnecting from MQTT")
	l.client.Disconnect(disconnectWait)
}

func (l *Listener) connected(c paho.Client) {
	l.log.Info().Msg("Connected to MQTT")

	// A fresh connection carries no subscriptions.
	l.mu.Lock()
	l.subscribed = make(map[string]string)
	l.mu.Unlock()

	l.sync(c)
}

func (l *Listener) disconnected(c paho.Client, err error) {
	l.log.Error().Err(err).Msg("Disconnected from MQTT, reconnecting")
}

// sync subscribes to topics of new sessions and drops those of stopped ones.
func (l *Listener) sync(c subscriber) {
	want := l.sink.TelemetryTopics()

	l.mu.Lock()
	var add, drop []string
	for topic, id := range want {
		if cur, ok := l.subscribed[topic]; !ok || cur != id {
			add = append(add, topic)
		}
	}
	for topic := range l.subscribed {
		if _, ok := want[topic]; !ok {
			drop = append(drop, topic)
		}
	}
	l.mu.Unlock()

	sort.Strings(add)
	sort.Strings(drop)

	for _, topic := range add {
		token := c.Subscribe(topic, qos, l.messageTelemetry)
		if !token.WaitTimeout(subscribeWait) || token.Error() != nil {
			l.log.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to telemetry")
			continue
		}
		l.mu.Lock()
		l.subscribed[topic] = want[topic]
		l.mu.Unlock()
		l.log.Info().Str("topic", topic).Str("device_id", want[topic]).Msg("Subscribed to telemetry")
	}

	if len(drop) > 0 {
		token := c.Unsubscribe(drop...)
		if !token.WaitTimeout(subscribeWait) || token.Error() != nil {
			l.log.Warn().Err(token.Error()).Strs("topics", drop).Msg("Failed to unsubscribe")
		}
		l.mu.Lock()
		for _, topic := range drop {
			delete(l.subscribed, topic)
		}
		l.mu.Unlock()
		l.log.Info().Strs("topics", drop).Msg("Unsubscribed from telemetry")
	}
}

// Subscriptions returns the currently subscribed topics.
func (l *Listener) Subscriptions() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.subscribed))
	for k, v := range l.subscribed {
		out[k] = v
	}
	return out
}

func (l *Listener) messageTelemetry(c paho.Client, message paho.Message) {
	l.handle(message.Topic(), message.Payload())
}

// handle decodes one telemetry document and hands it to its session. It
// reports whether a session accepted it.
func (l *Listener) handle(topic string, payload []byte) bool {
	l.mu.Lock()
	deviceID, ok := l.subscribed[topic]
	l.mu.Unlock()
	if !ok {
		return false
	}

	snap := &models.TelemetrySnapshot{}
	if err := json.Unmarshal(payload, snap); err != nil {
		l.log.Error().Err(err).Str("topic", topic).Msg("Unable to unmarshal telemetry payload")
		return false
	}

	return l.sink.PushTelemetry(deviceID, snap)
}
