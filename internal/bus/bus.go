// Package bus is the topic-based publish/subscribe transport shared by every
// pipeline component. Delivery is at-least-once; consumers dedupe by record ID.
package bus

import (
	"context"
	"errors"
	"strings"

	"github.com/sgerhart/netsentry/internal/model"
)

const (
	// TopicActionsExecute carries ActionCommands from the orchestrator to the executor
	TopicActionsExecute = "actions.execute"
	// TopicActionsResults carries ActionResults back to the orchestrator
	TopicActionsResults = "actions.results"
	// TopicAllFindings matches every findings.<domain> topic
	TopicAllFindings = "findings.*"
)

var (
	// ErrBusDisconnected is returned when the transport is not connected
	ErrBusDisconnected = errors.New("bus disconnected")
	// ErrBusClosed is returned after Close
	ErrBusClosed = errors.New("bus closed")
)

// LogsTopic returns the topic for classified events of a domain
func LogsTopic(domain model.LogSourceType) string {
	return "logs." + string(domain)
}

// FindingsTopic returns the topic for findings of a domain
func FindingsTopic(domain model.LogSourceType) string {
	return "findings." + string(domain)
}

// Message is a single delivery
type Message struct {
	Topic  string
	Data   []byte
	Header map[string]string
}

// Handler receives deliveries. It must return quickly; components push into a
// Queue and process from their own consumer loop.
type Handler func(msg *Message)

// Subscription is an active topic subscription
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport handle passed to each component
type Bus interface {
	// Publish sends data on topic. The call is bounded by ctx.
	Publish(ctx context.Context, topic string, data []byte, header map[string]string) error
	// Subscribe registers h for topic; "*" matches one token and ">" the rest.
	Subscribe(topic string, h Handler) (Subscription, error)
	// Closed is closed once the current connection is permanently lost.
	Closed() <-chan struct{}
	Close() error
}

// Match reports whether subject matches a subscription pattern
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
