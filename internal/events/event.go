package events

import (
	"fmt"
	"time"
)

// Event is a published message. Events are values: once published their
// fields never change, and handlers must treat Payload as read-only.
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	Seq     uint64    `json:"seq"`
	Source  string    `json:"source"`
	Time    time.Time `json:"time"`
}

// String returns a human-readable description of the event.
func (e Event) String() string {
	return fmt.Sprintf("#%d %s from %s", e.Seq, e.Topic, e.Source)
}

const (
	// SourceBus is the source name used for events raised by the bus itself.
	SourceBus = "bus"

	// TopicOverflow carries an Overflow payload.
	TopicOverflow = "bus.overflow"

	healthTopicPrefix = "service.health."
)

// HealthTopic is the topic on which handler failures of subscriber are reported.
func HealthTopic(subscriber string) string {
	return healthTopicPrefix + subscriber
}

// Overflow is raised once per overflow episode of a subscription: the first
// time an event is dropped because the subscriber's queue is full.
type Overflow struct {
	SubscriptionID string `json:"subscriptionId"`
	Subscriber     string `json:"subscriber"`
	Pattern        string `json:"pattern"`
	Topic          string `json:"topic"`
	Seq            uint64 `json:"seq"`
	Dropped        uint64 `json:"dropped"`
}

// HandlerFailure reports a handler that kept failing after all delivery
// attempts.
type HandlerFailure struct {
	SubscriptionID string `json:"subscriptionId"`
	Subscriber     string `json:"subscriber"`
	Topic          string `json:"topic"`
	Seq            uint64 `json:"seq"`
	Attempts       int    `json:"attempts"`
	Err            string `json:"error"`
}
