package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/pkg/logging"
	"github.com/adhub/core-service/pkg/rabbitmq"
)

// EventEmitter publishes domain events after a unit of work commits.
// Publishing is best effort: failures are logged and never undo the commit.
// A nil *EventEmitter drops everything.
type EventEmitter struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    logging.Logger
}

func NewEventEmitter(publisher rabbitmq.Publisher, exchange string, logger logging.Logger) *EventEmitter {
	return &EventEmitter{publisher: publisher, exchange: exchange, logger: logger}
}

// Emit publishes one event using its type as the routing key.
func (e *EventEmitter) Emit(ctx context.Context, eventType string, orgID uuid.UUID, data any) {
	if e == nil || e.publisher == nil {
		return
	}

	event := domain.Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	if orgID != uuid.Nil {
		event.OrganizationID = &orgID
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(publishCtx, e.exchange, eventType, event); err != nil {
		e.logger.WithFields(logging.Fields{
			"component":  "event_emitter",
			"event_type": eventType,
			"event_id":   event.ID,
		}).WithError(err).Warn("domain event publish failed")
	}
}
