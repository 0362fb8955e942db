// Package eventlog provides the append-only audit trail for the pipeline.
// Every mutating operation in the other stores appends an event here as part
// of its contract. Append failures are reported but never propagated to the
// caller's outer operation, so a failing audit write cannot roll back the
// state change it describes.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/logging"
	"github.com/flywheel-ml/flywheel/internal/observability"
)

// EventType identifies one kind of audit event.
type EventType string

// The fixed enumeration of audit event types.
const (
	EventRetrainTriggered  EventType = "retrain_triggered"
	EventTrainingCompleted EventType = "training_completed"
	EventTrainingFailed    EventType = "training_failed"
	EventModelPromoted     EventType = "model_promoted"
	EventModelRollback     EventType = "model_rollback"
	EventConfigUpdated     EventType = "config_updated"
	EventLabelAdded        EventType = "label_added"
	EventThresholdReached  EventType = "threshold_reached"
	EventPromotionRejected EventType = "promotion_rejected"
)

// Event is one audit entry before it is persisted.
type Event struct {
	Type     EventType
	Message  string
	Metadata map[string]any
}

// Log is the append-only event log.
type Log struct {
	store   datastore.Interface
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates an event log over the given datastore. metrics may be nil.
func New(store datastore.Interface, metrics *observability.Metrics) *Log {
	return &Log{
		store:   store,
		metrics: metrics,
		logger:  logging.ForService("eventlog"),
	}
}

// Append writes one event record. It never returns an error: persistence
// failures are logged and counted so the caller's primary operation stands.
func (l *Log) Append(ctx context.Context, event Event) {
	record := datastore.EventRecord{
		Timestamp: time.Now(),
		Type:      string(event.Type),
		Message:   event.Message,
		Metadata:  event.Metadata,
	}

	if err := l.store.AppendEvent(ctx, &record); err != nil {
		l.logger.Error("failed to append audit event",
			"type", event.Type,
			"message", event.Message,
			"error", err)
		if l.metrics != nil {
			l.metrics.EventAppendFailed(string(event.Type))
		}
		return
	}

	if l.metrics != nil {
		l.metrics.EventAppended(string(event.Type))
	}
}

// Recent returns the last n records in reverse chronological order.
func (l *Log) Recent(ctx context.Context, n int) ([]datastore.EventRecord, error) {
	return l.store.RecentEvents(ctx, n)
}

// ByType returns all records of the given type in append order.
func (l *Log) ByType(ctx context.Context, eventType EventType) ([]datastore.EventRecord, error) {
	return l.store.EventsByType(ctx, string(eventType))
}

// Since returns all records at or after the given timestamp in append order.
func (l *Log) Since(ctx context.Context, since time.Time) ([]datastore.EventRecord, error) {
	return l.store.EventsSince(ctx, since)
}
