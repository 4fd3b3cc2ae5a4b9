// Package events emits dedup lifecycle events for downstream consumers
// (reporting, the shop's CRM sync). Emission is best-effort: a publish
// failure is logged and never fails the operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/kafka"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// Event types published by the dedup engine.
const (
	EventClientMerged  = "client.merged"
	EventMatchResolved = "match.resolved"
)

// ClientMergedPayload describes a completed merge.
type ClientMergedPayload struct {
	WinnerID  string    `json:"winner_id"`
	MergedIDs []string  `json:"merged_ids"`
	Actor     string    `json:"actor"`
	MergedAt  time.Time `json:"merged_at"`
}

// MatchResolvedPayload describes a closed survey match record.
type MatchResolvedPayload struct {
	MatchID          string    `json:"match_id"`
	ResolvedClientID string    `json:"resolved_client_id,omitempty"`
	Status           string    `json:"status"`
	Strategy         string    `json:"strategy,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Emitter publishes dedup events through the Kafka producer.
type Emitter struct {
	logger   ectologger.Logger
	producer *kafka.Producer
}

// NewEmitter creates an event emitter.
func NewEmitter(logger ectologger.Logger, producer *kafka.Producer) *Emitter {
	return &Emitter{logger: logger, producer: producer}
}

// ClientMerged announces that loser records were collapsed into a winner.
func (e *Emitter) ClientMerged(ctx context.Context, winnerID string, mergedIDs []string, actor string) {
	e.emit(ctx, EventClientMerged, winnerID, ClientMergedPayload{
		WinnerID:  winnerID,
		MergedIDs: mergedIDs,
		Actor:     actor,
		MergedAt:  time.Now().UTC(),
	})
}

// MatchResolved announces that a survey match record left the queue.
func (e *Emitter) MatchResolved(ctx context.Context, matchID, resolvedClientID, status, strategy string) {
	e.emit(ctx, EventMatchResolved, matchID, MatchResolvedPayload{
		MatchID:          matchID,
		ResolvedClientID: resolvedClientID,
		Status:           status,
		Strategy:         strategy,
		ResolvedAt:       time.Now().UTC(),
	})
}

func (e *Emitter) emit(ctx context.Context, eventType, key string, payload any) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.emit")
	defer span.End()

	if e.producer == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"event_type": eventType}).Error("Failed to marshal event payload")
		return
	}

	if err := e.producer.Publish(ctx, &kafka.Event{
		EventType: eventType,
		Key:       key,
		Payload:   data,
	}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"event_type": eventType, "key": key}).Warn("Failed to publish event, continuing")
	}
}
