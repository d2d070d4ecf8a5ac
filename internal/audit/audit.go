// Package audit keeps an append-only trail of order and back-office actions
// in MongoDB.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const service = "candy-planet"

type Entry struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Service   string             `bson:"service" json:"service"`
	Action    string             `bson:"action" json:"action"`
	EntityID  string             `bson:"entity_id" json:"entity_id"`
	Data      bson.M             `bson:"data" json:"data"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// Recorder writes audit entries. Record never fails the caller.
type Recorder interface {
	Record(ctx context.Context, action, entityID string, data bson.M)
	History(ctx context.Context, entityID string, limit int64) ([]Entry, error)
}

type collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

type Mongo struct {
	client     *mongo.Client
	collection collection
	logger     zerolog.Logger
	now        func() time.Time
}

func NewMongo(ctx context.Context, cfg config.MongoConfig, logger zerolog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &Mongo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Record(ctx context.Context, action, entityID string, data bson.M) {
	entry := Entry{
		Service:   service,
		Action:    action,
		EntityID:  entityID,
		Data:      data,
		CreatedAt: m.now().UTC(),
	}
	if _, err := m.collection.InsertOne(ctx, entry); err != nil {
		m.logger.Error().Err(err).Str("action", action).Str("entity_id", entityID).Msg("Write audit entry")
	}
}

// History returns the newest entries for entityID first.
func (m *Mongo) History(ctx context.Context, entityID string, limit int64) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)

	cursor, err := m.collection.Find(ctx, bson.M{"entity_id": entityID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	entries := []Entry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

type Nop struct{}

func (Nop) Record(context.Context, string, string, bson.M) {}

func (Nop) History(context.Context, string, int64) ([]Entry, error) {
	return []Entry{}, nil
}
