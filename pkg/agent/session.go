package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
)

// websocketPort selects the WebSocket transport; any other port speaks
// raw TCP.
const websocketPort = 9001

// runSession connects to the broker and publishes until the connection
// drops, the credentials rotate, or the context ends. A non-nil return
// value seeds the next session's credentials.
func (a *Agent) runSession(
	ctx context.Context, creds *nodeauth.BrokerCredentials,
) (*nodeauth.BrokerCredentials, error) {
	connLost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(creds)).
		SetClientID("statix-agent-" + a.cfg.NodeID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetConnectTimeout(a.cfg.ConnectTimeout).
		// The outer loop owns reconnection.
		SetAutoReconnect(false)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		select {
		case connLost <- err:
		default:
		}
	}

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to broker: %w", token.Error())
	}

	defer client.Disconnect(250)

	a.log.WithField("broker", brokerURL(creds)).Info("Broker session established")

	// One sample and one inventory publish immediately on connect, so
	// the dashboard sees the node without waiting a full interval.
	var inFlight atomic.Bool

	a.publishMetrics(client, &inFlight)
	a.publishInventory(client, false)

	publishTicker := time.NewTicker(a.cfg.PublishInterval)
	defer publishTicker.Stop()

	sysinfoTicker := time.NewTicker(a.cfg.SysInfoCheckInterval)
	defer sysinfoTicker.Stop()

	exchangeTicker := time.NewTicker(a.cfg.ExchangeInterval)
	defer exchangeTicker.Stop()

	for {
		select {
		case <-publishTicker.C:
			a.publishMetrics(client, &inFlight)

		case <-sysinfoTicker.C:
			a.publishInventory(client, true)

		case <-exchangeTicker.C:
			next, err := a.client.Exchange(ctx)
			if err != nil {
				a.log.WithError(err).Warn("Credential refresh failed")

				continue
			}

			if !credsEqual(creds, next) {
				a.log.Info("Broker credentials rotated; reconnecting")

				return next, nil
			}

		case err := <-connLost:
			return nil, fmt.Errorf("broker connection lost: %w", err)

		case <-ctx.Done():
			return nil, nil
		}
	}
}

// publishMetrics collects and publishes one sample at QoS 1. At most
// one publish is in flight; ticks during a stuck publish are no-ops.
func (a *Agent) publishMetrics(client mqtt.Client, inFlight *atomic.Bool) {
	if !inFlight.CompareAndSwap(false, true) {
		a.log.Debug("Metrics publish still in flight; skipping tick")

		return
	}

	sample, err := collectMetrics()
	if err != nil {
		inFlight.Store(false)
		a.log.WithError(err).Warn("Metrics collection failed")

		return
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		inFlight.Store(false)
		a.log.WithError(err).Warn("Metrics encoding failed")

		return
	}

	token := client.Publish(a.cfg.MetricsTopic(), 1, false, payload)

	go func() {
		defer inFlight.Store(false)

		if token.Wait() && token.Error() != nil {
			a.log.WithError(token.Error()).Warn("Metrics publish failed")
		}
	}()
}

// publishInventory re-collects the inventory and publishes it retained
// when the hash changed, or unconditionally on session start and after
// the freshness window.
func (a *Agent) publishInventory(client mqtt.Client, onlyOnChange bool) {
	payload, err := a.sysinfo.Collect()
	if err != nil {
		a.log.WithError(err).Warn("Inventory collection failed")

		return
	}

	if onlyOnChange && !a.sysinfo.ShouldPublish(payload.Hash) {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		a.log.WithError(err).Warn("Inventory encoding failed")

		return
	}

	token := client.Publish(a.cfg.SystemTopic(), 1, true, data)
	if token.Wait() && token.Error() != nil {
		a.log.WithError(token.Error()).Warn("Inventory publish failed")

		return
	}

	a.sysinfo.MarkPublished(payload.Hash)
}

func brokerURL(creds *nodeauth.BrokerCredentials) string {
	if creds.Port == websocketPort {
		return fmt.Sprintf("ws://%s:%d", creds.Host, creds.Port)
	}

	return fmt.Sprintf("tcp://%s:%d", creds.Host, creds.Port)
}

// credsEqual reports whether two credential tuples are byte-identical.
func credsEqual(a, b *nodeauth.BrokerCredentials) bool {
	return a.Host == b.Host &&
		a.Port == b.Port &&
		a.Username == b.Username &&
		a.Password == b.Password
}
