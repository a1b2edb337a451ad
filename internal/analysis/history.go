package analysis

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const historyCollection = "consult_history"

// Exchange is one question and answer stored against a consult.
type Exchange struct {
	ConsultID string    `bson:"consult_id" json:"consult_id"`
	ClinicID  string    `bson:"clinic_id" json:"-"`
	AccountID string    `bson:"account_id" json:"account_id"`
	Question  string    `bson:"question,omitempty" json:"question,omitempty"`
	Analysis  string    `bson:"analysis" json:"analysis"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// History stores consult exchanges.
type History interface {
	Append(ctx context.Context, e *Exchange) error
	List(ctx context.Context, clinicID, consultID string, limit int64) ([]*Exchange, error)
}

// NoopHistory discards exchanges. Used when MONGO_URL is not set.
type NoopHistory struct{}

// Append implements History.
func (NoopHistory) Append(context.Context, *Exchange) error { return nil }

// List implements History.
func (NoopHistory) List(context.Context, string, string, int64) ([]*Exchange, error) { return nil, nil }

// MongoHistory keeps exchanges in one MongoDB collection.
type MongoHistory struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoHistory connects to uri and ensures the lookup index.
func NewMongoHistory(ctx context.Context, uri, database string) (*MongoHistory, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	coll := client.Database(database).Collection(historyCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "clinic_id", Value: 1}, {Key: "consult_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index: %w", err)
	}
	return &MongoHistory{client: client, coll: coll}, nil
}

// Append implements History.
func (h *MongoHistory) Append(ctx context.Context, e *Exchange) error {
	if _, err := h.coll.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// List returns a consult's exchanges in the clinic, oldest first.
func (h *MongoHistory) List(ctx context.Context, clinicID, consultID string, limit int64) ([]*Exchange, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := h.coll.Find(ctx, bson.M{"clinic_id": clinicID, "consult_id": consultID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find exchanges: %w", err)
	}
	defer cur.Close(ctx)
	var out []*Exchange
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode exchanges: %w", err)
	}
	return out, nil
}

// Close disconnects the client.
func (h *MongoHistory) Close(ctx context.Context) error {
	return h.client.Disconnect(ctx)
}
