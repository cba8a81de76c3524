package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/store"
	"github.com/ramiqadoumi/go-block-flow/pkg/telemetry"
)

// EventMessage is the JSON value of one event on the events topic.
type EventMessage struct {
	TaskExecutionID int64            `json:"task_execution_id"`
	Type            domain.EventType `json:"type"`
	Message         string           `json:"message,omitempty"`
	At              time.Time        `json:"at"`
	Server          string           `json:"server,omitempty"`
}

// DecodeEvent parses a message value written by EventPublisher.
func DecodeEvent(value []byte) (EventMessage, error) {
	var m EventMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return EventMessage{}, fmt.Errorf("decode execution event: %w", err)
	}
	return m, nil
}

// EventPublisher records events in the wrapped sink and then publishes
// them, keyed by task execution id. The sink stays the source of truth:
// a failed publish is logged and not returned.
type EventPublisher struct {
	next     store.EventSink
	producer Producer
	topic    string
	server   string
	logger   *slog.Logger
}

var _ store.EventSink = (*EventPublisher)(nil)

// NewEventPublisher wraps next.
func NewEventPublisher(next store.EventSink, producer Producer, topic, server string, logger *slog.Logger) *EventPublisher {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &EventPublisher{next: next, producer: producer, topic: topic, server: server, logger: logger}
}

func (p *EventPublisher) RecordEvent(ctx context.Context, e domain.Event) error {
	if err := p.next.RecordEvent(ctx, e); err != nil {
		return err
	}

	value, err := json.Marshal(EventMessage{
		TaskExecutionID: e.TaskExecutionID,
		Type:            e.Type,
		Message:         e.Message,
		At:              e.At,
		Server:          p.server,
	})
	if err != nil {
		return fmt.Errorf("encode execution event: %w", err)
	}
	if err := p.producer.Publish(ctx, p.topic, strconv.FormatInt(e.TaskExecutionID, 10), value); err != nil {
		p.logger.Warn("execution event not published",
			slog.Int64("task_execution_id", e.TaskExecutionID),
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	telemetry.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	return nil
}
