// Package mongo implements the event log on MongoDB: webhook deliveries and metered API calls are appended to the
// deliveries and usage collections of the configured database.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/tarancss/waas/lib/store"
)

// Collection names.
const (
	Deliveries = "deliveries"
	Usage      = "usage"
)

// DefaultDatabase is used when the uri names none.
const DefaultDatabase = "waas"

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// New returns a Mongo client connection to the specified MongoDB database uri and makes sure the event log indexes
// exist.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB: %w", err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	name := DefaultDatabase
	if cs, err := connstring.Parse(uri); err == nil && cs.Database != "" {
		name = cs.Database
	}

	m := &Mongo{c: c, db: c.Database(name)}

	if err = m.ensureIndexes(ctx); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, err
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	if _, err := m.db.Collection(Deliveries).Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys: bson.D{{Key: "webhook_id", Value: 1}, {Key: "at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("cannot index %s: %w", Deliveries, err)
	}

	if _, err := m.db.Collection(Usage).Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("cannot index %s: %w", Usage, err)
	}

	return nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// LogDelivery appends a webhook delivery attempt.
func (m *Mongo) LogDelivery(ctx context.Context, d store.Delivery) error {
	if _, err := m.db.Collection(Deliveries).InsertOne(ctx, d); err != nil {
		return fmt.Errorf("could not insert delivery in db: %w", err)
	}

	return nil
}

// ListDeliveries returns the latest deliveries of a webhook, newest first.
func (m *Mongo) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]store.Delivery, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := m.db.Collection(Deliveries).Find(ctx, bson.M{"webhook_id": webhookID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error getting deliveries: %w", err)
	}

	ds := []store.Delivery{}
	if err = cur.All(ctx, &ds); err != nil {
		return nil, fmt.Errorf("error decoding deliveries: %w", err)
	}

	return ds, nil
}

// RecordUsage appends a metered API call.
func (m *Mongo) RecordUsage(ctx context.Context, u store.Usage) error {
	if _, err := m.db.Collection(Usage).InsertOne(ctx, u); err != nil {
		return fmt.Errorf("could not insert usage in db: %w", err)
	}

	return nil
}

// CountUsage counts the calls of a client since the given time.
func (m *Mongo) CountUsage(ctx context.Context, clientID string, since time.Time) (int64, error) {
	return m.db.Collection(Usage).CountDocuments(ctx, bson.M{"client_id": clientID, "at": bson.M{"$gte": since}})
}
