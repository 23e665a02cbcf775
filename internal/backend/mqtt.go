// Package backend carries queued operations to the backend application and
// answers connectivity questions for the sync engine.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/surveylink/surveylink/pkg/types"
)

const (
	topicPrefix    = "surveylink/sync"
	publishTimeout = 10 * time.Second
	publishQoS     = 1
)

// MQTTDeliverer publishes queue entries to the backend broker. It satisfies
// offline.Deliverer.
type MQTTDeliverer struct {
	client       mqtt.Client
	gatewayID    string
	logger       *slog.Logger
	reachability *Reachability
}

// NewMQTTDeliverer connects to the broker at brokerURL (e.g.
// tcp://backend:1883). The optional reachability probe tightens the Online
// answer beyond the broker session state.
func NewMQTTDeliverer(brokerURL, gatewayID string, reachability *Reachability, logger *slog.Logger) (*MQTTDeliverer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := fmt.Sprintf("surveylink-%s-%d", gatewayID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(publishTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return nil, types.WrapError(types.CodeSyncFailed, token.Error(), "connect to broker %s", brokerURL)
	}
	logger.Info("connected to backend broker", "broker", brokerURL, "client_id", clientID)

	return &MQTTDeliverer{
		client:       client,
		gatewayID:    gatewayID,
		logger:       logger,
		reachability: reachability,
	}, nil
}

// Deliver publishes one queue entry to surveylink/sync/<kind> and waits for
// the broker acknowledgement.
func (d *MQTTDeliverer) Deliver(ctx context.Context, entry types.QueueEntry) error {
	body, err := json.Marshal(struct {
		GatewayID string          `json:"gateway_id"`
		EntryID   string          `json:"entry_id"`
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
		QueuedAt  time.Time       `json:"queued_at"`
	}{
		GatewayID: d.gatewayID,
		EntryID:   entry.ID,
		Kind:      entry.Kind,
		Payload:   entry.Payload,
		QueuedAt:  entry.CreatedAt,
	})
	if err != nil {
		return types.WrapError(types.CodeSyncFailed, err, "marshal queue entry %s", entry.ID)
	}

	topic := fmt.Sprintf("%s/%s", topicPrefix, entry.Kind)
	token := d.client.Publish(topic, publishQoS, false, body)

	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return types.NewError(types.CodeSyncFailed, "publish of %s to %s timed out", entry.ID, topic)
	}
	if err := token.Error(); err != nil {
		return types.WrapError(types.CodeSyncFailed, err, "publish %s to %s", entry.ID, topic)
	}
	return nil
}

// Online reports whether the backend looks reachable right now.
func (d *MQTTDeliverer) Online() bool {
	if !d.client.IsConnectionOpen() {
		return false
	}
	if d.reachability != nil {
		return d.reachability.Reachable()
	}
	return true
}

// Close disconnects from the broker, flushing in-flight messages briefly.
func (d *MQTTDeliverer) Close() {
	d.client.Disconnect(250)
}
