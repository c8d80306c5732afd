// mongodb.go - MongoDB connection, assignment store, usage ledger and escalations

package storage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
	"github.com/bosocmputer/pharma_ocr_router/internal/usage"
)

// Collection names
const (
	AssignmentsCollection = "provider_assignments"
	UsageCollection       = "usage_logs"
	EscalationCollection  = "escalations"
)

const queryTimeout = 5 * time.Second

// InitMongoDB connects and pings. The caller owns the returned client.
func InitMongoDB(ctx context.Context) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(configs.MONGO_URI))
	if err != nil {
		return nil, nil, eris.Wrap(err, "storage: connect to MongoDB")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, eris.Wrap(err, "storage: ping MongoDB")
	}

	zap.L().Info("connected to MongoDB", zap.String("database", configs.MONGO_DB_NAME))
	return client, client.Database(configs.MONGO_DB_NAME), nil
}

// CloseMongoDB disconnects the client
func CloseMongoDB(client *mongo.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		zap.L().Warn("MongoDB disconnect failed", zap.Error(err))
		return
	}
	zap.L().Info("MongoDB connection closed")
}

// AssignmentStore reads provider assignments; implements routing.AssignmentStore
type AssignmentStore struct {
	coll *mongo.Collection
}

// NewAssignmentStore uses the provider_assignments collection of db
func NewAssignmentStore(db *mongo.Database) *AssignmentStore {
	return &AssignmentStore{coll: db.Collection(AssignmentsCollection)}
}

// assignmentDoc is the stored shape: model settings sit flat on the document
type assignmentDoc struct {
	TierID      string   `bson:"tier_id"`
	Task        string   `bson:"task"`
	ProviderID  string   `bson:"provider_id"`
	Priority    int      `bson:"priority"`
	Model       string   `bson:"model,omitempty"`
	MaxTokens   int      `bson:"max_tokens,omitempty"`
	Temperature *float64 `bson:"temperature,omitempty"`
	IsActive    bool     `bson:"is_active"`
}

// ActiveAssignments returns every active assignment of the tier, ordered by priority
func (s *AssignmentStore) ActiveAssignments(ctx context.Context, tierID string) ([]routing.ProviderAssignment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	filter := bson.M{"tier_id": tierID, "is_active": true}
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: 1}})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: query %s for tier %s", AssignmentsCollection, tierID)
	}
	defer cursor.Close(ctx)

	var docs []assignmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, eris.Wrapf(err, "storage: decode %s", AssignmentsCollection)
	}

	out := make([]routing.ProviderAssignment, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toAssignment())
	}
	return out, nil
}

func (d assignmentDoc) toAssignment() routing.ProviderAssignment {
	// BSON numbers are doubles
	var temperature *float32
	if d.Temperature != nil {
		t := float32(*d.Temperature)
		temperature = &t
	}
	return routing.ProviderAssignment{
		TierID:     d.TierID,
		Task:       common.TaskKind(d.Task),
		ProviderID: d.ProviderID,
		Priority:   d.Priority,
		Active:     d.IsActive,
		Model: routing.ModelConfig{
			Model:       d.Model,
			MaxTokens:   d.MaxTokens,
			Temperature: temperature,
		},
	}
}

// UsageStore appends to usage_logs; implements usage.Store
type UsageStore struct {
	coll *mongo.Collection
}

// NewUsageStore uses the usage_logs collection of db
func NewUsageStore(db *mongo.Database) *UsageStore {
	return &UsageStore{coll: db.Collection(UsageCollection)}
}

// InsertUsage writes one ledger row
func (s *UsageStore) InsertUsage(ctx context.Context, rec usage.Record) error {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return eris.Wrapf(err, "storage: insert %s", UsageCollection)
	}
	return nil
}

// EscalationStore appends to escalations; implements usage.Escalator
type EscalationStore struct {
	coll *mongo.Collection
}

// NewEscalationStore uses the escalations collection of db
func NewEscalationStore(db *mongo.Database) *EscalationStore {
	return &EscalationStore{coll: db.Collection(EscalationCollection)}
}

// Escalate writes one escalation document
func (s *EscalationStore) Escalate(ctx context.Context, e usage.Escalation) error {
	if _, err := s.coll.InsertOne(ctx, e); err != nil {
		return eris.Wrapf(err, "storage: insert %s", EscalationCollection)
	}
	return nil
}
