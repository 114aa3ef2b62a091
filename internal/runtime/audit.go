package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// auditRecord is the document appended to the audit collection for one
// execute() call. It never stores script output or input, only metadata
// needed to reconstruct what ran and how it behaved.
type auditRecord struct {
	RuntimeName string    `bson:"runtime_name"`
	RuntimeKind string    `bson:"runtime_kind"`
	ScriptHash  string    `bson:"script_hash"`
	Success     bool      `bson:"success"`
	ExitCode    int       `bson:"exit_code"`
	DurationMs  int64     `bson:"duration_ms"`
	RecordedAt  time.Time `bson:"recorded_at"`
}

// AuditSink appends one document per execute() call to a MongoDB
// collection. It is purely additive: nothing in the Script Runtime Manager
// ever reads these documents back, so a sink outage degrades to "no audit
// trail", never to a failed execution.
type AuditSink struct {
	collection *mongo.Collection
}

// NewAuditSink connects to uri and returns a sink backed by db.collection.
func NewAuditSink(ctx context.Context, uri, db, collection string) (*AuditSink, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo audit sink: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongo audit sink: %w", err)
	}
	return &AuditSink{collection: client.Database(db).Collection(collection)}, nil
}

// NewAuditSinkFromCollection wraps an already-connected collection, useful
// for tests that set up their own client lifecycle.
func NewAuditSinkFromCollection(collection *mongo.Collection) *AuditSink {
	return &AuditSink{collection: collection}
}

// Record appends one audit document. Errors are returned, not panicked;
// the Manager discards them and continues rather than fail the execution
// the audit trail describes.
func (s *AuditSink) Record(ctx context.Context, name string, kind string, script string, result ExecutionResult, elapsed time.Duration) error {
	sum := sha256.Sum256([]byte(script))
	rec := auditRecord{
		RuntimeName: name,
		RuntimeKind: kind,
		ScriptHash:  hex.EncodeToString(sum[:]),
		Success:     result.Success,
		ExitCode:    result.ExitCode,
		DurationMs:  elapsed.Milliseconds(),
		RecordedAt:  time.Now(),
	}
	_, err := s.collection.InsertOne(ctx, rec)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// Close disconnects the sink's underlying client.
func (s *AuditSink) Close(ctx context.Context) error {
	return s.collection.Database().Client().Disconnect(ctx)
}
