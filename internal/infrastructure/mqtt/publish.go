package mqtt

import (
	"context"
	"fmt"
)

// maxPayloadSize caps a single message. Unit state documents are far smaller.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified topic and waits for the broker to
// acknowledge it (QoS 1 and 2) or for the write to complete (QoS 0).
//
// Parameters:
//   - topic: e.g. Topics.UnitState(...) or DeviceCommand(...)
//   - payload: max 1MB
//   - qos: 0, 1 or 2
//   - retained: true for state and availability, false for commands
//
// Returns:
//   - error: ErrInvalidTopic (also for wildcards), ErrInvalidQoS, ErrNotConnected or a wrapped ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopicName(topic); err != nil {
		return err
	}
	if err := checkQoS(qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if err := c.await(context.Background(), token, defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// PublishString publishes a string payload.
func (c *Client) PublishString(topic string, payload string, qos byte, retained bool) error {
	return c.Publish(topic, []byte(payload), qos, retained)
}

// PublishRetained publishes a retained message with the configured QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, c.qos(), true)
}

// PublishDevice sends a command to a device listening on the external broker.
// Devices only handle QoS 0 commands reliably, so the message is not retained
// and not acknowledged.
//
// Example:
//
//	client.PublishDevice("shellyswitch25-A4CF12F454A3", "roller/0/command", "open")
func (c *Client) PublishDevice(mqttName, suffix, payload string) error {
	if mqttName == "" {
		return ErrInvalidTopic
	}
	return c.Publish(DeviceCommand(mqttName, suffix), []byte(payload), 0, false)
}
