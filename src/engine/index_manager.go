package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"objectdb/src/helpers"
	"objectdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// IndexSpec is a named index key specification.
type IndexSpec struct {
	Name string
	Keys bson.D
}

func (s IndexSpec) model() mongo.IndexModel {
	m := mongo.IndexModel{Keys: s.Keys}
	if s.Name != "" {
		m.Options = options.Index().SetName(s.Name)
	}
	return m
}

// EnsureIndex creates an index over fieldNames, built in the background and
// sparse. indexName, caseInsensitive and opts refine it.
func (a *MongoStorageAdapter) EnsureIndex(ctx context.Context, className string, schema *models.ClassSchema, fieldNames []string, indexName string, caseInsensitive bool, opts models.IndexOptions) error {
	schema = storageSchema(schema)
	var value interface{} = 1
	if opts.IndexType != nil {
		value = opts.IndexType
	}
	keys := make(bson.D, 0, len(fieldNames))
	for _, name := range fieldNames {
		keys = append(keys, bson.E{Key: transformKey(name, schema), Value: value})
	}

	indexOpts := options.Index().SetBackground(true).SetSparse(true)
	if indexName != "" {
		indexOpts.SetName(indexName)
	}
	if opts.TTL != nil {
		indexOpts.SetExpireAfterSeconds(*opts.TTL)
	}
	if caseInsensitive {
		indexOpts.SetCollation(CaseInsensitiveCollation())
	}

	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	return a.HandleError(coll.CreateIndexes(ctx, []mongo.IndexModel{{Keys: keys, Options: indexOpts}}))
}

// EnsureUniqueness creates a unique index over fieldNames. It fails with
// DuplicateValue when existing objects already collide.
func (a *MongoStorageAdapter) EnsureUniqueness(ctx context.Context, className string, schema *models.ClassSchema, fieldNames []string) error {
	schema = storageSchema(schema)
	keys := make(bson.D, 0, len(fieldNames))
	for _, name := range fieldNames {
		keys = append(keys, bson.E{Key: transformKey(name, schema), Value: 1})
	}
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	if err := coll.EnsureSparseUniqueIndexInBackground(ctx, keys); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return a.HandleError(models.WrapError(models.DuplicateValue, "Tried to ensure field uniqueness for a class that already has duplicates.", err))
		}
		return a.HandleError(err)
	}
	return nil
}

// CreateIndex creates one index with the given keys.
func (a *MongoStorageAdapter) CreateIndex(ctx context.Context, className string, keys bson.D) error {
	return a.CreateIndexes(ctx, className, []IndexSpec{{Keys: keys}})
}

// CreateIndexes creates every index in specs with a single call.
func (a *MongoStorageAdapter) CreateIndexes(ctx context.Context, className string, specs []IndexSpec) error {
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	indexModels := make([]mongo.IndexModel, 0, len(specs))
	for _, spec := range specs {
		indexModels = append(indexModels, spec.model())
	}
	return a.HandleError(coll.CreateIndexes(ctx, indexModels))
}

// DropIndex drops the index called name.
func (a *MongoStorageAdapter) DropIndex(ctx context.Context, className, name string) error {
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	return a.HandleError(coll.DropIndex(ctx, name))
}

// DropAllIndexes drops every index of className but the primary key's.
func (a *MongoStorageAdapter) DropAllIndexes(ctx context.Context, className string) error {
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	return a.HandleError(coll.DropIndexes(ctx))
}

// GetIndexes lists the indexes of className as the store reports them.
func (a *MongoStorageAdapter) GetIndexes(ctx context.Context, className string) ([]IndexDescription, error) {
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return nil, a.HandleError(err)
	}
	indexes, err := coll.ListIndexes(ctx)
	if err != nil {
		return nil, a.HandleError(err)
	}
	return indexes, nil
}

// SetIndexesWithSchemaFormat applies submitted index changes to className
// and records the resulting index set on its schema. Every request is
// checked before anything is changed: an existing index cannot be
// redeclared, a missing one cannot be deleted, and new indexes may only
// reference fields of the class.
func (a *MongoStorageAdapter) SetIndexesWithSchemaFormat(ctx context.Context, className string, submitted map[string]models.IndexRequest, existing map[string]bson.D, fields map[string]models.FieldType) error {
	if len(submitted) == 0 {
		return nil
	}
	indexes := make(map[string]bson.D, len(existing)+len(submitted))
	for name, keys := range existing {
		indexes[name] = keys
	}
	if len(indexes) == 0 {
		indexes["_id_"] = bson.D{{Key: "_id", Value: 1}}
	}

	names := make([]string, 0, len(submitted))
	for name := range submitted {
		names = append(names, name)
	}
	sort.Strings(names)

	var deletes []string
	var inserts []IndexSpec
	for _, name := range names {
		req := submitted[name]
		_, exists := indexes[name]
		switch {
		case exists && !req.Delete:
			return models.NewError(models.InvalidQuery, fmt.Sprintf("Index %s exists, cannot update.", name))
		case !exists && req.Delete:
			return models.NewError(models.InvalidQuery, fmt.Sprintf("Index %s does not exist, cannot delete.", name))
		case req.Delete:
			deletes = append(deletes, name)
			delete(indexes, name)
		default:
			for _, key := range req.Keys {
				if _, ok := fields[strings.TrimPrefix(key.Key, "_p_")]; !ok {
					return models.NewError(models.InvalidQuery, fmt.Sprintf("Field %s does not exist, cannot add index.", key.Key))
				}
			}
			indexes[name] = req.Keys
			inserts = append(inserts, IndexSpec{Name: name, Keys: req.Keys})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range deletes {
		g.Go(func() error {
			return a.DropIndex(gctx, className, name)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(inserts) > 0 {
		if err := a.CreateIndexes(ctx, className, inserts); err != nil {
			return err
		}
	}
	return a.storeIndexes(ctx, className, indexes)
}

func (a *MongoStorageAdapter) storeIndexes(ctx context.Context, className string, indexes map[string]bson.D) error {
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	doc := bson.M{}
	for name, keys := range indexes {
		doc[name] = keys
	}
	return a.HandleError(sc.Update(ctx, className, bson.M{"$set": bson.M{"_metadata.indexes": doc}}))
}

// SetIndexesFromMongo records the indexes the store actually has on the
// schema of className. Text indexes are recorded by the fields they cover.
// Failures are logged and otherwise ignored.
func (a *MongoStorageAdapter) SetIndexesFromMongo(ctx context.Context, className string) error {
	described, err := a.GetIndexes(ctx, className)
	if err != nil {
		a.logger.Warnf("Unable to read indexes of %s: %v", className, err)
		return nil
	}
	indexes := make(map[string]bson.D, len(described))
	for _, index := range described {
		indexes[index.Name] = textIndexKeys(index)
	}
	if err := a.storeIndexes(ctx, className, indexes); err != nil {
		a.logger.Warnf("Unable to record indexes of %s: %v", className, err)
	}
	return nil
}

// textIndexKeys replaces the internal keys of a text index by one "text"
// key per weighted field.
func textIndexKeys(index IndexDescription) bson.D {
	isText := false
	for _, e := range index.Key {
		if e.Key == "_fts" {
			isText = true
			break
		}
	}
	if !isText {
		return index.Key
	}
	keys := make(bson.D, 0, len(index.Key)+len(index.Weights))
	for _, e := range index.Key {
		if e.Key != "_fts" && e.Key != "_ftsx" {
			keys = append(keys, e)
		}
	}
	weighted, _ := helpers.SortedD(index.Weights)
	for _, e := range weighted {
		keys = append(keys, bson.E{Key: e.Key, Value: "text"})
	}
	return keys
}

// UpdateSchemaWithIndexes refreshes the recorded indexes of every class.
func (a *MongoStorageAdapter) UpdateSchemaWithIndexes(ctx context.Context) error {
	schemas, err := a.GetAllClasses(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, schema := range schemas {
		g.Go(func() error {
			return a.SetIndexesFromMongo(gctx, schema.ClassName)
		})
	}
	return g.Wait()
}

// CreateIndexesIfNeeded builds the index a new field of fieldType needs.
// Polygons need a 2dsphere index.
func (a *MongoStorageAdapter) CreateIndexesIfNeeded(ctx context.Context, className, fieldName string, fieldType models.FieldType) error {
	if fieldType.Type != models.Polygon {
		return nil
	}
	return a.CreateIndex(ctx, className, bson.D{{Key: fieldName, Value: "2dsphere"}})
}

// CreateTextIndexesIfNeeded creates a text index for the first field of
// query searched with $text that no recorded index covers. When the store
// already has a text index with other options, the recorded indexes are
// refreshed from the store instead.
func (a *MongoStorageAdapter) CreateTextIndexesIfNeeded(ctx context.Context, className string, query models.Query, schema *models.ClassSchema) error {
	for fieldName, constraint := range query {
		c, ok := helpers.ToMap(constraint)
		if !ok || c["$text"] == nil {
			continue
		}
		for _, keys := range schema.Indexes {
			for _, e := range keys {
				if e.Key == fieldName {
					return nil
				}
			}
		}

		indexName := fieldName + "_text"
		submitted := map[string]models.IndexRequest{
			indexName: {Keys: bson.D{{Key: fieldName, Value: "text"}}},
		}
		err := a.SetIndexesWithSchemaFormat(ctx, className, submitted, schema.Indexes, schema.Fields)
		if err != nil && hasErrorCode(err, errCodeIndexOptionsConflict) {
			return a.SetIndexesFromMongo(ctx, className)
		}
		return err
	}
	return nil
}
