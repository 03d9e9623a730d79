// Package ingest subscribes to the broker, validates agent payloads,
// and commits them through the store. Per-message failures are logged
// and dropped; the loop itself never dies on a bad message.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/schema"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

const connectTimeout = 10 * time.Second

// Notifier receives change signals for the live roster.
type Notifier interface {
	Changed()
}

// Ingest is the broker-subscription service.
type Ingest interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Ingest = (*ingest)(nil)

type ingest struct {
	log      logrus.FieldLogger
	cfg      *config.MQTTConfig
	store    store.Store
	notifier Notifier
	client   mqtt.Client
}

// New creates the ingest service.
func New(
	log logrus.FieldLogger,
	cfg *config.MQTTConfig,
	st store.Store,
	notifier Notifier,
) Ingest {
	return &ingest{
		log:      log.WithField("component", "ingest"),
		cfg:      cfg,
		store:    st,
		notifier: notifier,
	}
}

// Start connects to the broker and subscribes to the node topic filter.
func (i *ingest) Start(ctx context.Context) error {
	filter := fmt.Sprintf("%s/+/+", i.cfg.TopicPrefix)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", i.cfg.Host, i.cfg.Port)).
		SetClientID("statix-server-ingest").
		SetUsername(i.cfg.Username).
		SetPassword(i.cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(i.cfg.ReconnectDelayDuration()).
		SetMaxReconnectInterval(i.cfg.ReconnectDelayDuration()).
		SetOrderMatters(true)

	opts.OnConnect = func(client mqtt.Client) {
		// (Re)subscribe on every connect so a broker restart does not
		// silently drop the filter.
		token := client.Subscribe(filter, 1, i.handleMessage)
		if token.Wait() && token.Error() != nil {
			i.log.WithError(token.Error()).
				WithField("filter", filter).
				Error("Broker subscription failed")

			return
		}

		i.log.WithField("filter", filter).Info("Broker subscription active")
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		i.log.WithError(err).Warn("Broker connection lost")
	}

	i.client = mqtt.NewClient(opts)

	token := i.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop revokes the subscription and disconnects.
func (i *ingest) Stop() error {
	if i.client == nil {
		return nil
	}

	filter := fmt.Sprintf("%s/+/+", i.cfg.TopicPrefix)

	if token := i.client.Unsubscribe(filter); token.Wait() && token.Error() != nil {
		i.log.WithError(token.Error()).Warn("Broker unsubscribe failed")
	}

	i.client.Disconnect(250)

	return nil
}

// handleMessage routes one inbound publish. Unknown topics are ignored
// silently; malformed or invalid payloads are logged at warn and dropped.
func (i *ingest) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	nodeID, kind, ok := i.parseTopic(msg.Topic())
	if !ok {
		return
	}

	ctx := context.Background()

	switch kind {
	case "metrics":
		i.handleMetrics(ctx, nodeID, msg.Payload())
	case "system":
		i.handleSystemInfo(ctx, nodeID, msg.Payload())
	default:
		// Not a stream we consume.
	}
}

func (i *ingest) handleMetrics(ctx context.Context, nodeID string, payload []byte) {
	sample, err := schema.ParseMetrics(payload)
	if err != nil {
		i.log.WithError(err).WithField("node", nodeID).
			Warn("Dropping metrics payload")

		return
	}

	metric := &store.Metric{
		NodeID:    nodeID,
		TS:        sample.TS,
		CPU:       sample.CPU,
		MemUsed:   sample.MemUsed,
		MemTotal:  sample.MemTotal,
		DiskUsed:  sample.DiskUsed,
		DiskTotal: sample.DiskTotal,
		NetRx:     sample.NetRx,
		NetTx:     sample.NetTx,
	}

	if err := i.store.AppendMetric(ctx, metric); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			i.log.WithField("node", nodeID).
				Warn("Dropping metrics for unknown node")

			return
		}

		i.log.WithError(err).WithField("node", nodeID).
			Warn("Failed to commit metrics")

		return
	}

	i.notifier.Changed()
}

func (i *ingest) handleSystemInfo(ctx context.Context, nodeID string, payload []byte) {
	info, err := schema.ParseSystemInfo(payload)
	if err != nil {
		i.log.WithError(err).WithField("node", nodeID).
			Warn("Dropping system info payload")

		return
	}

	infoJSON, err := json.Marshal(info.Info)
	if err != nil {
		i.log.WithError(err).WithField("node", nodeID).
			Warn("Dropping unencodable system info")

		return
	}

	changed, err := i.store.UpsertSystemInfo(
		ctx, nodeID, info.Hash, string(infoJSON), info.TS,
	)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			i.log.WithField("node", nodeID).
				Warn("Dropping system info for unknown node")

			return
		}

		i.log.WithError(err).WithField("node", nodeID).
			Warn("Failed to commit system info")

		return
	}

	if changed {
		i.notifier.Changed()
	}
}

// parseTopic splits "<prefix>/<nodeId>/<kind>" and reports whether the
// topic belongs to the node namespace.
func (i *ingest) parseTopic(topic string) (nodeID, kind string, ok bool) {
	prefix := i.cfg.TopicPrefix + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}

	rest := strings.Split(topic[len(prefix):], "/")
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return "", "", false
	}

	return rest[0], rest[1], true
}
