package gateway

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoTraceSink is the ExecutionTraceSink implementation backing
// MongoObserver when GatewayConfig.Observer.Mongo.URI is set. It is
// the only gateway component that uses go.mongodb.org/mongo-driver/v2
// (declared in go.mod with no prior callsite in the teacher tree — see
// DESIGN.md): a structured document store is a natural fit for
// variable-shaped per-stage trace data that a relational audit table
// (audit.go) isn't a good fit for.
type MongoTraceSink struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoTraceSink connects to uri and returns a sink writing to
// database.collection.
func NewMongoTraceSink(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoTraceSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoTraceSink{
		collection: client.Database(database).Collection(collection),
		logger:     logger,
	}, nil
}

// SaveTrace inserts one execution trace document.
func (s *MongoTraceSink) SaveTrace(ctx context.Context, trace ExecutionTrace) error {
	doc := bson.M{
		"executionId":    trace.ExecutionID,
		"virtualModelId": trace.VirtualModelID,
		"instanceId":     trace.InstanceID,
		"success":        trace.Success,
		"durationMs":     trace.DurationMS,
		"errorCode":      trace.ErrorCode,
		"stageDurations": trace.StageDurations,
		"recordedAt":     time.Now(),
	}
	_, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		s.logger.Warn("mongo trace sink: insert failed", zap.Error(err))
	}
	return err
}
