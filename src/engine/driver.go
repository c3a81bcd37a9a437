package engine

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// The interfaces below are the only surface of the driver the adapter uses.
// mongo* types implement them over the real driver; tests substitute fakes.

// Client is an open connection to the document store.
type Client interface {
	Database(name string) Database
	StartSession() (Session, error)
	Disconnect(ctx context.Context) error
}

// Database resolves collections inside one database.
type Database interface {
	Collection(name string) Collection
	ListCollectionNames(ctx context.Context, filter interface{}) ([]string, error)
}

// Collection is one physical collection.
type Collection interface {
	Name() string
	WithReadPreference(rp *readpref.ReadPref) Collection

	Find(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]bson.M, error)
	FindRaw(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]bson.Raw, error)
	CountDocuments(ctx context.Context, filter interface{}, opts *options.CountOptions) (int64, error)
	EstimatedDocumentCount(ctx context.Context, opts *options.EstimatedDocumentCountOptions) (int64, error)
	Distinct(ctx context.Context, field string, filter interface{}) ([]interface{}, error)
	Aggregate(ctx context.Context, pipeline interface{}, opts *options.AggregateOptions) ([]bson.M, error)
	RunCommand(ctx context.Context, command interface{}) (bson.M, error)

	InsertOne(ctx context.Context, document interface{}) error
	UpdateOne(ctx context.Context, filter, update interface{}, opts *options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update interface{}) (*mongo.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts *options.FindOneAndUpdateOptions) (bson.M, error)
	FindOneAndDelete(ctx context.Context, filter interface{}) error
	DeleteMany(ctx context.Context, filter interface{}) (int64, error)
	Drop(ctx context.Context) error

	CreateIndexes(ctx context.Context, models []mongo.IndexModel) error
	DropIndex(ctx context.Context, name string) error
	DropIndexes(ctx context.Context) error
	ListIndexes(ctx context.Context) ([]IndexDescription, error)

	Watch(ctx context.Context) (ChangeStream, error)
}

// IndexDescription is one entry returned by ListIndexes.
type IndexDescription struct {
	Name    string `bson:"name"`
	Key     bson.D `bson:"key"`
	Weights bson.M `bson:"weights,omitempty"`
}

// ChangeStream delivers change events until closed.
type ChangeStream interface {
	Next(ctx context.Context) bool
	Err() error
	Close(ctx context.Context) error
}

// Session is a driver session able to run one transaction.
type Session interface {
	StartTransaction() error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	EndSession(ctx context.Context)

	// Bind returns a context that runs operations inside this session.
	Bind(ctx context.Context) context.Context
}

type mongoClient struct {
	client *mongo.Client
}

func (c *mongoClient) Database(name string) Database {
	return &mongoDatabase{db: c.client.Database(name)}
}

func (c *mongoClient) StartSession() (Session, error) {
	sess, err := c.client.StartSession()
	if err != nil {
		return nil, err
	}
	return &mongoSession{sess: sess}, nil
}

func (c *mongoClient) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

type mongoDatabase struct {
	db *mongo.Database
}

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoDriverCollection{coll: d.db.Collection(name)}
}

func (d *mongoDatabase) ListCollectionNames(ctx context.Context, filter interface{}) ([]string, error) {
	return d.db.ListCollectionNames(ctx, filter)
}

type mongoDriverCollection struct {
	coll *mongo.Collection
}

func (c *mongoDriverCollection) Name() string {
	return c.coll.Name()
}

func (c *mongoDriverCollection) WithReadPreference(rp *readpref.ReadPref) Collection {
	clone, err := c.coll.Clone(options.Collection().SetReadPreference(rp))
	if err != nil {
		return c
	}
	return &mongoDriverCollection{coll: clone}
}

func (c *mongoDriverCollection) Find(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]bson.M, error) {
	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	results := []bson.M{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// FindRaw returns the matching documents undecoded. Nested documents keep
// their key order, which bson.M loses.
func (c *mongoDriverCollection) FindRaw(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]bson.Raw, error) {
	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	results := []bson.Raw{}
	for cursor.Next(ctx) {
		results = append(results, append(bson.Raw(nil), cursor.Current...))
	}
	return results, cursor.Err()
}

func (c *mongoDriverCollection) CountDocuments(ctx context.Context, filter interface{}, opts *options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts)
}

func (c *mongoDriverCollection) EstimatedDocumentCount(ctx context.Context, opts *options.EstimatedDocumentCountOptions) (int64, error) {
	return c.coll.EstimatedDocumentCount(ctx, opts)
}

func (c *mongoDriverCollection) Distinct(ctx context.Context, field string, filter interface{}) ([]interface{}, error) {
	return c.coll.Distinct(ctx, field, filter)
}

func (c *mongoDriverCollection) Aggregate(ctx context.Context, pipeline interface{}, opts *options.AggregateOptions) ([]bson.M, error) {
	cursor, err := c.coll.Aggregate(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	results := []bson.M{}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *mongoDriverCollection) RunCommand(ctx context.Context, command interface{}) (bson.M, error) {
	var out bson.M
	if err := c.coll.Database().RunCommand(ctx, command).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mongoDriverCollection) InsertOne(ctx context.Context, document interface{}) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c *mongoDriverCollection) UpdateOne(ctx context.Context, filter, update interface{}, opts *options.UpdateOptions) (*mongo.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts)
}

func (c *mongoDriverCollection) UpdateMany(ctx context.Context, filter, update interface{}) (*mongo.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update)
}

func (c *mongoDriverCollection) FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts *options.FindOneAndUpdateOptions) (bson.M, error) {
	var out bson.M
	err := c.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mongoDriverCollection) FindOneAndDelete(ctx context.Context, filter interface{}) error {
	err := c.coll.FindOneAndDelete(ctx, filter).Err()
	if err == mongo.ErrNoDocuments {
		return nil
	}
	return err
}

func (c *mongoDriverCollection) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *mongoDriverCollection) Drop(ctx context.Context) error {
	return c.coll.Drop(ctx)
}

func (c *mongoDriverCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}

func (c *mongoDriverCollection) DropIndex(ctx context.Context, name string) error {
	_, err := c.coll.Indexes().DropOne(ctx, name)
	return err
}

func (c *mongoDriverCollection) DropIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().DropAll(ctx)
	return err
}

func (c *mongoDriverCollection) ListIndexes(ctx context.Context) ([]IndexDescription, error) {
	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	var indexes []IndexDescription
	if err := cursor.All(ctx, &indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}

func (c *mongoDriverCollection) Watch(ctx context.Context) (ChangeStream, error) {
	stream, err := c.coll.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

type mongoSession struct {
	sess mongo.Session
}

func (s *mongoSession) StartTransaction() error {
	return s.sess.StartTransaction()
}

func (s *mongoSession) CommitTransaction(ctx context.Context) error {
	return s.sess.CommitTransaction(ctx)
}

func (s *mongoSession) AbortTransaction(ctx context.Context) error {
	return s.sess.AbortTransaction(ctx)
}

func (s *mongoSession) EndSession(ctx context.Context) {
	s.sess.EndSession(ctx)
}

func (s *mongoSession) Bind(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, s.sess)
}
