package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBackend implements Backend as documents {namespace, key, value} in
// a single collection, used for the Key Pool Manager's database storage
// mode (pooled keys and their runtime state, rather than the calendar
// counters/context/cache rows which have their own Postgres/Redis stores).
type MongoBackend struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoDoc struct {
	Namespace string `bson:"namespace"`
	Key       string `bson:"key"`
	Value     []byte `bson:"value"`
}

// NewMongoBackend connects to uri/database, using collection "kv_store".
func NewMongoBackend(ctx context.Context, uri, database string) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return &MongoBackend{client: client, coll: client.Database(database).Collection("kv_store")}, nil
}

func (m *MongoBackend) Initialize(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoBackend) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoBackend) Health(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"namespace": namespace, "key": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	return doc.Value, err
}

func (m *MongoBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"namespace": namespace, "key": key},
		bson.M{"$set": bson.M{"value": value}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoBackend) Delete(ctx context.Context, namespace, key string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"namespace": namespace, "key": key})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoBackend) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	cur, err := m.coll.Find(ctx, bson.M{"namespace": namespace})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make(map[string][]byte)
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.Key] = doc.Value
	}
	return out, cur.Err()
}
