package engine

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const errCodeNoGeoIndex = 17007

var (
	noGeoIndexPattern    = regexp.MustCompile(`unable to find index for .geoNear`)
	noGeoIndexFieldMatch = regexp.MustCompile(`field=([A-Za-z_0-9]+) `)
)

// FindOptions are the knobs of MongoCollection.Find. Field names are already
// in storage form.
type FindOptions struct {
	Skip            int64
	Limit           int64
	Sort            bson.D
	Keys            bson.M
	MaxTime         time.Duration
	ReadPreference  *readpref.ReadPref
	Hint            interface{}
	CaseInsensitive bool

	// Explain is the verbosity of the query plan to return instead of
	// documents. Empty runs the query.
	Explain string
	Comment string
}

// CountOptions are the knobs of MongoCollection.Count.
type CountOptions struct {
	Skip           int64
	Limit          int64
	MaxTime        time.Duration
	ReadPreference *readpref.ReadPref
	Hint           interface{}
	Comment        string
}

// AggregateOptions are the knobs of MongoCollection.Aggregate.
type AggregateOptions struct {
	MaxTime        time.Duration
	ReadPreference *readpref.ReadPref
	Hint           interface{}
	Explain        string
	Comment        string
}

// MongoCollection wraps one physical collection and hides two quirks of the
// store: geo queries need a 2d index that may not exist yet, and an
// unconstrained count is much cheaper as an estimate.
type MongoCollection struct {
	coll   Collection
	logger *zap.SugaredLogger
}

// NewMongoCollection wraps coll.
func NewMongoCollection(coll Collection, logger *zap.SugaredLogger) *MongoCollection {
	return &MongoCollection{coll: coll, logger: logger}
}

// CaseInsensitiveCollation is the collation used for locale-aware,
// case-insensitive string comparison.
func CaseInsensitiveCollation() *options.Collation {
	return &options.Collation{Locale: "en_US", Strength: 2}
}

// Name returns the physical collection name.
func (c *MongoCollection) Name() string {
	return c.coll.Name()
}

// Find runs query. If the store rejects the query because a geo index is
// missing, the index is created and the query is retried once.
func (c *MongoCollection) Find(ctx context.Context, query bson.M, opts FindOptions) ([]bson.M, error) {
	if opts.Keys != nil {
		if _, ok := opts.Keys["$score"]; ok {
			keys := bson.M{}
			for k, v := range opts.Keys {
				if k != "$score" {
					keys[k] = v
				}
			}
			keys["score"] = bson.M{"$meta": "textScore"}
			opts.Keys = keys
		}
	}

	results, err := c.rawFind(ctx, query, opts)
	if err == nil {
		return results, nil
	}

	field, ok := missingGeoIndexField(err)
	if !ok {
		return nil, err
	}
	c.logger.Infof("Creating missing 2d index on %s.%s", c.coll.Name(), field)
	index := mongo.IndexModel{Keys: bson.D{{Key: field, Value: "2d"}}}
	if err := c.coll.CreateIndexes(ctx, []mongo.IndexModel{index}); err != nil {
		return nil, err
	}
	return c.rawFind(ctx, query, opts)
}

// missingGeoIndexField returns the field named by a "no geo index" error.
func missingGeoIndexField(err error) (string, bool) {
	var se mongo.ServerError
	isGeo := errors.As(err, &se) && se.HasErrorCode(errCodeNoGeoIndex)
	if !isGeo && !noGeoIndexPattern.MatchString(err.Error()) {
		return "", false
	}
	m := noGeoIndexFieldMatch.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (c *MongoCollection) rawFind(ctx context.Context, query bson.M, opts FindOptions) ([]bson.M, error) {
	if query == nil {
		query = bson.M{}
	}
	coll := c.coll
	if opts.ReadPreference != nil {
		coll = coll.WithReadPreference(opts.ReadPreference)
	}
	if opts.Explain != "" {
		return c.explainFind(ctx, coll, query, opts)
	}
	return coll.Find(ctx, query, findOptions(opts))
}

// FindRaw runs query and returns the stored documents undecoded.
func (c *MongoCollection) FindRaw(ctx context.Context, query bson.M, opts FindOptions) ([]bson.Raw, error) {
	if query == nil {
		query = bson.M{}
	}
	coll := c.coll
	if opts.ReadPreference != nil {
		coll = coll.WithReadPreference(opts.ReadPreference)
	}
	return coll.FindRaw(ctx, query, findOptions(opts))
}

func findOptions(opts FindOptions) *options.FindOptions {
	findOpts := options.Find()
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Keys != nil {
		findOpts.SetProjection(opts.Keys)
	}
	if opts.Hint != nil {
		findOpts.SetHint(opts.Hint)
	}
	if opts.CaseInsensitive {
		findOpts.SetCollation(CaseInsensitiveCollation())
	}
	if opts.MaxTime > 0 {
		findOpts.SetMaxTime(opts.MaxTime)
	}
	if opts.Comment != "" {
		findOpts.SetComment(opts.Comment)
	}
	return findOpts
}

func (c *MongoCollection) explainFind(ctx context.Context, coll Collection, query bson.M, opts FindOptions) ([]bson.M, error) {
	find := bson.D{{Key: "find", Value: coll.Name()}, {Key: "filter", Value: query}}
	if opts.Skip > 0 {
		find = append(find, bson.E{Key: "skip", Value: opts.Skip})
	}
	if opts.Limit > 0 {
		find = append(find, bson.E{Key: "limit", Value: opts.Limit})
	}
	if len(opts.Sort) > 0 {
		find = append(find, bson.E{Key: "sort", Value: opts.Sort})
	}
	if opts.Keys != nil {
		find = append(find, bson.E{Key: "projection", Value: opts.Keys})
	}
	if opts.Hint != nil {
		find = append(find, bson.E{Key: "hint", Value: opts.Hint})
	}
	if opts.CaseInsensitive {
		find = append(find, bson.E{Key: "collation", Value: bson.D{{Key: "locale", Value: "en_US"}, {Key: "strength", Value: 2}}})
	}
	if opts.MaxTime > 0 {
		find = append(find, bson.E{Key: "maxTimeMS", Value: opts.MaxTime.Milliseconds()})
	}
	if opts.Comment != "" {
		find = append(find, bson.E{Key: "comment", Value: opts.Comment})
	}
	plan, err := coll.RunCommand(ctx, bson.D{{Key: "explain", Value: find}, {Key: "verbosity", Value: opts.Explain}})
	if err != nil {
		return nil, err
	}
	return []bson.M{plan}, nil
}

// Count counts the documents matching query. An empty query without a
// hint, skip or limit is answered with the collection's estimated document
// count.
func (c *MongoCollection) Count(ctx context.Context, query bson.M, opts CountOptions) (int64, error) {
	coll := c.coll
	if opts.ReadPreference != nil {
		coll = coll.WithReadPreference(opts.ReadPreference)
	}

	if len(query) == 0 && opts.Hint == nil && opts.Skip == 0 && opts.Limit == 0 {
		estimateOpts := options.EstimatedDocumentCount()
		if opts.MaxTime > 0 {
			estimateOpts.SetMaxTime(opts.MaxTime)
		}
		if opts.Comment != "" {
			estimateOpts.SetComment(opts.Comment)
		}
		return coll.EstimatedDocumentCount(ctx, estimateOpts)
	}

	countOpts := options.Count()
	if opts.Skip > 0 {
		countOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		countOpts.SetLimit(opts.Limit)
	}
	if opts.Hint != nil {
		countOpts.SetHint(opts.Hint)
	}
	if opts.MaxTime > 0 {
		countOpts.SetMaxTime(opts.MaxTime)
	}
	if opts.Comment != "" {
		countOpts.SetComment(opts.Comment)
	}
	return coll.CountDocuments(ctx, query, countOpts)
}

// Distinct returns the distinct values of field among documents matching query.
func (c *MongoCollection) Distinct(ctx context.Context, field string, query bson.M) ([]interface{}, error) {
	if query == nil {
		query = bson.M{}
	}
	return c.coll.Distinct(ctx, field, query)
}

// Aggregate runs pipeline and returns every resulting document.
func (c *MongoCollection) Aggregate(ctx context.Context, pipeline []interface{}, opts AggregateOptions) ([]bson.M, error) {
	coll := c.coll
	if opts.ReadPreference != nil {
		coll = coll.WithReadPreference(opts.ReadPreference)
	}
	if opts.Explain != "" {
		aggregate := bson.D{
			{Key: "aggregate", Value: coll.Name()},
			{Key: "pipeline", Value: pipeline},
			{Key: "cursor", Value: bson.D{}},
		}
		if opts.Hint != nil {
			aggregate = append(aggregate, bson.E{Key: "hint", Value: opts.Hint})
		}
		plan, err := coll.RunCommand(ctx, bson.D{{Key: "explain", Value: aggregate}, {Key: "verbosity", Value: opts.Explain}})
		if err != nil {
			return nil, err
		}
		return []bson.M{plan}, nil
	}

	aggOpts := options.Aggregate()
	if opts.MaxTime > 0 {
		aggOpts.SetMaxTime(opts.MaxTime)
	}
	if opts.Hint != nil {
		aggOpts.SetHint(opts.Hint)
	}
	if opts.Comment != "" {
		aggOpts.SetComment(opts.Comment)
	}
	return coll.Aggregate(ctx, pipeline, aggOpts)
}

// InsertOne inserts object, inside session when one is given.
func (c *MongoCollection) InsertOne(ctx context.Context, object bson.M, session *TransactionalSession) error {
	return c.coll.InsertOne(session.bind(ctx), object)
}

// UpsertOne updates the first document matching query, inserting one when
// nothing matches.
func (c *MongoCollection) UpsertOne(ctx context.Context, query, update bson.M, session *TransactionalSession) (*mongo.UpdateResult, error) {
	return c.coll.UpdateOne(session.bind(ctx), query, update, options.Update().SetUpsert(true))
}

// UpdateOne updates the first document matching query.
func (c *MongoCollection) UpdateOne(ctx context.Context, query, update bson.M) (*mongo.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, query, update, options.Update())
}

// UpdateMany updates every document matching query.
func (c *MongoCollection) UpdateMany(ctx context.Context, query, update bson.M, session *TransactionalSession) (*mongo.UpdateResult, error) {
	return c.coll.UpdateMany(session.bind(ctx), query, update)
}

// FindOneAndUpdate updates the first document matching query and returns it
// as it is after the update. A nil document means nothing matched.
func (c *MongoCollection) FindOneAndUpdate(ctx context.Context, query, update bson.M, session *TransactionalSession) (bson.M, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return c.coll.FindOneAndUpdate(session.bind(ctx), query, update, opts)
}

// FindOneAndDelete removes the first document matching query.
func (c *MongoCollection) FindOneAndDelete(ctx context.Context, query bson.M) error {
	return c.coll.FindOneAndDelete(ctx, query)
}

// DeleteMany removes every document matching query and reports how many
// were removed.
func (c *MongoCollection) DeleteMany(ctx context.Context, query bson.M, session *TransactionalSession) (int64, error) {
	return c.coll.DeleteMany(session.bind(ctx), query)
}

// EnsureSparseUniqueIndexInBackground creates a unique, sparse index built in
// the background. Duplicate key errors are returned to the caller.
func (c *MongoCollection) EnsureSparseUniqueIndexInBackground(ctx context.Context, keys bson.D) error {
	index := mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true).SetBackground(true).SetSparse(true),
	}
	return c.coll.CreateIndexes(ctx, []mongo.IndexModel{index})
}

// CreateIndexes creates every index in models.
func (c *MongoCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	return c.coll.CreateIndexes(ctx, models)
}

// DropIndex drops the index called name.
func (c *MongoCollection) DropIndex(ctx context.Context, name string) error {
	return c.coll.DropIndex(ctx, name)
}

// DropIndexes drops every index except the primary key index.
func (c *MongoCollection) DropIndexes(ctx context.Context) error {
	return c.coll.DropIndexes(ctx)
}

// ListIndexes returns the indexes defined on the collection.
func (c *MongoCollection) ListIndexes(ctx context.Context) ([]IndexDescription, error) {
	return c.coll.ListIndexes(ctx)
}

// Drop removes the collection.
func (c *MongoCollection) Drop(ctx context.Context) error {
	return c.coll.Drop(ctx)
}

// Watch opens a change stream over the collection.
func (c *MongoCollection) Watch(ctx context.Context) (ChangeStream, error) {
	return c.coll.Watch(ctx)
}
