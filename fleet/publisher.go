package fleet

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the MQTT topic prefix for printer status.
const DefaultPublishPrefix = "kybercore"

// Publisher mirrors printer status deltas onto MQTT: one retained message
// per printer plus a combined fleet document.
// If client is nil, publishing is disabled (for testing).
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool

	mu       sync.RWMutex
	statuses map[string]map[string]any
}

// NewPublisher creates a status publisher with the given topic prefix.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:   client,
		prefix:   prefix,
		qos:      0,    // fire and forget
		retain:   true, // retain for latest status
		statuses: make(map[string]map[string]any),
	}
}

// PublishStatus publishes one printer's status to its individual topic and
// refreshes the combined fleet topic.
func (p *Publisher) PublishStatus(printerID string, payload map[string]any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.statuses[printerID] = payload
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/printers/%s", p.prefix, printerID)
	if err := p.publish(topic, payload); err != nil {
		return err
	}
	return p.publishCombined()
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	printers := make(map[string]map[string]any, len(p.statuses))
	for id, st := range p.statuses {
		printers[id] = st
	}
	p.mu.RUnlock()

	topic := fmt.Sprintf("%s/printers", p.prefix)
	return p.publish(topic, map[string]any{
		"printers":  printers,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publish(topic string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// ClearStatus removes a printer from the combined document, e.g. after it
// is deregistered.
func (p *Publisher) ClearStatus(printerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.statuses, printerID)
}

// SetQoS sets the publish Quality of Service level (0, 1, or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain controls broker retention of published messages.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
