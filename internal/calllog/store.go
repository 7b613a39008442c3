// Package calllog persists one record per call in MongoDB: opened when the
// stream starts and completed with the transcript and outcome at teardown.
package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lexiqai/voice-bridge/internal/bridge"
)

// Record statuses
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// collection is the subset of *mongo.Collection the store uses
type collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Record is the stored document
type Record struct {
	ID            primitive.ObjectID       `bson:"_id,omitempty"`
	StreamSid     string                   `bson:"stream_sid"`
	CallSid       string                   `bson:"call_sid,omitempty"`
	Direction     string                   `bson:"direction"`
	Context       bridge.BusinessContext   `bson:"context"`
	Status        string                   `bson:"status"`
	StartedAt     time.Time                `bson:"started_at"`
	EndedAt       *time.Time               `bson:"ended_at,omitempty"`
	DurationMs    int64                    `bson:"duration_ms,omitempty"`
	Transcript    []bridge.TranscriptEntry `bson:"transcript,omitempty"`
	Intent        string                   `bson:"intent,omitempty"`
	Entities      map[string]any           `bson:"entities,omitempty"`
	ToolCalls     []bridge.ToolCallRecord  `bson:"tool_calls,omitempty"`
	EndReason     string                   `bson:"end_reason,omitempty"`
	TransferredTo string                   `bson:"transferred_to,omitempty"`
	UpdatedAt     time.Time                `bson:"updated_at"`
}

// Store implements bridge.CallLog
type Store struct {
	coll   collection
	now    func() time.Time
	logger zerolog.Logger
}

// NewStore creates a store over the given collection
func NewStore(coll *mongo.Collection, logger zerolog.Logger) *Store {
	return newStore(coll, logger)
}

func newStore(coll collection, logger zerolog.Logger) *Store {
	return &Store{
		coll:   coll,
		now:    time.Now,
		logger: logger.With().Str("component", "calllog").Logger(),
	}
}

// Start inserts the in-progress record and returns its id
func (s *Store) Start(ctx context.Context, start bridge.CallStart) (string, error) {
	rec := Record{
		ID:        primitive.NewObjectID(),
		StreamSid: start.StreamID,
		CallSid:   start.ExternalCallID,
		Direction: start.Direction,
		Context:   start.Context,
		Status:    StatusInProgress,
		StartedAt: start.StartedAt.UTC(),
		UpdatedAt: s.now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return "", fmt.Errorf("insert call log: %w", err)
	}
	return rec.ID.Hex(), nil
}

// Finish completes the record. With an empty logID the full record is
// inserted, since Start never succeeded.
func (s *Store) Finish(ctx context.Context, logID string, summary bridge.CallSummary) error {
	rec := s.completed(summary)

	if logID == "" {
		rec.ID = primitive.NewObjectID()
		if _, err := s.coll.InsertOne(ctx, rec); err != nil {
			return fmt.Errorf("insert call log: %w", err)
		}
		s.logger.Warn().Str("stream_sid", summary.StreamID).Msg("Call log written without a start record")
		return nil
	}

	id, err := primitive.ObjectIDFromHex(logID)
	if err != nil {
		return fmt.Errorf("invalid call log id %q: %w", logID, err)
	}

	update := bson.M{"$set": bson.M{
		"stream_sid":     rec.StreamSid,
		"call_sid":       rec.CallSid,
		"direction":      rec.Direction,
		"context":        rec.Context,
		"status":         rec.Status,
		"started_at":     rec.StartedAt,
		"ended_at":       rec.EndedAt,
		"duration_ms":    rec.DurationMs,
		"transcript":     rec.Transcript,
		"intent":         rec.Intent,
		"entities":       rec.Entities,
		"tool_calls":     rec.ToolCalls,
		"end_reason":     rec.EndReason,
		"transferred_to": rec.TransferredTo,
		"updated_at":     rec.UpdatedAt,
	}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("update call log: %w", err)
	}
	return nil
}

func (s *Store) completed(summary bridge.CallSummary) Record {
	ended := summary.EndedAt.UTC()
	rec := Record{
		StreamSid:     summary.StreamID,
		CallSid:       summary.ExternalCallID,
		Direction:     summary.Direction,
		Context:       summary.Context,
		Status:        StatusCompleted,
		StartedAt:     summary.StartedAt.UTC(),
		EndedAt:       &ended,
		Transcript:    summary.Transcript,
		Intent:        summary.Intent,
		Entities:      summary.Entities,
		ToolCalls:     summary.ToolCalls,
		EndReason:     summary.Reason,
		TransferredTo: summary.TransferredTo,
		UpdatedAt:     s.now().UTC(),
	}
	if !summary.StartedAt.IsZero() && summary.EndedAt.After(summary.StartedAt) {
		rec.DurationMs = summary.EndedAt.Sub(summary.StartedAt).Milliseconds()
	}
	return rec
}
