package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"objectdb/src/models"
	"objectdb/src/settings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const duplicateValueMessage = "A duplicate value for a field with unique values was provided"

// MongoStorageAdapter maps classes, objects and queries onto a document
// store. It is safe for concurrent use.
type MongoStorageAdapter struct {
	collectionPrefix  string
	maxTime           time.Duration
	enableSchemaHooks bool
	logger            *zap.SugaredLogger
	connections       ConnectionManager

	mu             sync.Mutex
	onSchemaChange func()
	stream         ChangeStream
	streamCancel   context.CancelFunc
}

// AdapterOption customizes a MongoStorageAdapter.
type AdapterOption func(*MongoStorageAdapter)

// WithConnectionManager replaces the connection manager built from the
// adapter settings.
func WithConnectionManager(cm ConnectionManager) AdapterOption {
	return func(a *MongoStorageAdapter) {
		a.connections = cm
	}
}

// NewMongoStorageAdapter creates an adapter. No connection is opened until
// the first operation.
func NewMongoStorageAdapter(cfg settings.AdapterSettings, logger *zap.SugaredLogger, opts ...AdapterOption) (*MongoStorageAdapter, error) {
	a := &MongoStorageAdapter{
		collectionPrefix:  cfg.CollectionPrefix,
		maxTime:           time.Duration(cfg.DatabaseOptions.MaxOperationTimeMS) * time.Millisecond,
		enableSchemaHooks: cfg.DatabaseOptions.EnableSchemaChangeHooks,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.connections == nil {
		cm, err := NewMongoConnectionManager(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.connections = cm
	}
	return a, nil
}

// Connect opens the shared connection if needed and returns it.
func (a *MongoStorageAdapter) Connect(ctx context.Context) (*Connection, error) {
	return a.connections.Connect(ctx)
}

// HandleError inspects an operation failure before it is returned. An
// authorization failure drops the cached connection so the next operation
// reconnects. err is always returned unchanged.
func (a *MongoStorageAdapter) HandleError(err error) error {
	if err == nil {
		return nil
	}
	if hasErrorCode(err, errCodeUnauthorized) {
		a.logger.Errorf("Received unauthorized error: %v", err)
		a.connections.Reset()
	}
	return err
}

// PerformInitialization is a hook for adapters that need warming up. The
// document store needs none.
func (a *MongoStorageAdapter) PerformInitialization(ctx context.Context) error {
	return nil
}

// HandleShutdown closes the schema change stream and the connection.
func (a *MongoStorageAdapter) HandleShutdown(ctx context.Context) error {
	a.mu.Lock()
	stream, cancel := a.stream, a.streamCancel
	a.stream, a.streamCancel = nil, nil
	a.mu.Unlock()

	var err error
	if stream != nil {
		cancel()
		err = multierr.Append(err, stream.Close(ctx))
	}
	return multierr.Append(err, a.connections.Shutdown(ctx))
}

// Watch registers the function called on every change to a schema document.
// It only fires when schema change hooks are enabled.
func (a *MongoStorageAdapter) Watch(onChange func()) {
	a.mu.Lock()
	a.onSchemaChange = onChange
	a.mu.Unlock()
}

func (a *MongoStorageAdapter) adaptiveCollection(ctx context.Context, name string) (*MongoCollection, error) {
	conn, err := a.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return NewMongoCollection(conn.Database.Collection(a.collectionPrefix+name), a.logger), nil
}

func (a *MongoStorageAdapter) schemaCollection(ctx context.Context) (*SchemaCollection, error) {
	coll, err := a.adaptiveCollection(ctx, SchemaCollectionName)
	if err != nil {
		return nil, err
	}
	if a.enableSchemaHooks {
		a.watchSchemaChanges(coll)
	}
	return NewSchemaCollection(coll, a.logger), nil
}

// watchSchemaChanges opens the shared schema change stream unless it is
// already running.
func (a *MongoStorageAdapter) watchSchemaChanges(coll *MongoCollection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := coll.Watch(ctx)
	if err != nil {
		cancel()
		a.logger.Warnf("Unable to watch schema changes: %v", err)
		return
	}
	a.stream, a.streamCancel = stream, cancel

	go func() {
		for stream.Next(ctx) {
			a.mu.Lock()
			onChange := a.onSchemaChange
			a.mu.Unlock()
			if onChange != nil {
				onChange()
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			a.logger.Warnf("Schema change stream stopped: %v", err)
		}
		a.mu.Lock()
		current := a.stream == stream
		if current {
			a.stream, a.streamCancel = nil, nil
		}
		a.mu.Unlock()
		if current {
			cancel()
			_ = stream.Close(context.Background())
		}
	}()
}

// storageSchema returns a copy of schema without the bookkeeping fields
// that are never queried as columns.
func storageSchema(schema *models.ClassSchema) *models.ClassSchema {
	out := schema.Clone()
	if out == nil {
		return models.NewClassSchema("")
	}
	delete(out.Fields, "_rperm")
	delete(out.Fields, "_wperm")
	if out.ClassName == models.UserClassName {
		delete(out.Fields, "_hashed_password")
	}
	return out
}

// ---------------------------------------------------------------- classes

// ClassExists reports whether the collection of className exists.
func (a *MongoStorageAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	conn, err := a.Connect(ctx)
	if err != nil {
		return false, a.HandleError(err)
	}
	names, err := conn.Database.ListCollectionNames(ctx, bson.D{{Key: "name", Value: a.collectionPrefix + className}})
	if err != nil {
		return false, a.HandleError(err)
	}
	return len(names) > 0, nil
}

// SetClassLevelPermissions replaces the permissions of className.
func (a *MongoStorageAdapter) SetClassLevelPermissions(ctx context.Context, className string, clps models.ClassLevelPermissions) error {
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	err = sc.Update(ctx, className, bson.M{"$set": bson.M{"_metadata.class_permissions": map[string]interface{}(clps)}})
	return a.HandleError(err)
}

// CreateClass stores the schema of a new class and builds its indexes.
func (a *MongoStorageAdapter) CreateClass(ctx context.Context, className string, schema *models.ClassSchema) (*models.ClassSchema, error) {
	schema = storageSchema(schema)
	schema.ClassName = className
	doc := ClassSchemaToMongoSchema(schema)

	if len(schema.Indexes) > 0 {
		submitted := make(map[string]models.IndexRequest, len(schema.Indexes))
		for name, keys := range schema.Indexes {
			submitted[name] = models.IndexRequest{Keys: keys}
		}
		if err := a.SetIndexesWithSchemaFormat(ctx, className, submitted, nil, schema.Fields); err != nil {
			return nil, err
		}
	}

	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return nil, a.HandleError(err)
	}
	created, err := sc.Insert(ctx, doc)
	if err != nil {
		return nil, a.HandleError(err)
	}
	return created, nil
}

// DeleteClass drops the collection of className and its schema document.
func (a *MongoStorageAdapter) DeleteClass(ctx context.Context, className string) error {
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	if err := coll.Drop(ctx); err != nil && !hasErrorCode(err, errCodeNamespaceNotFound) {
		return a.HandleError(err)
	}
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	return a.HandleError(sc.FindAndDelete(ctx, className))
}

// DeleteAllClasses removes every collection carrying the prefix. fast only
// empties them, keeping their indexes.
func (a *MongoStorageAdapter) DeleteAllClasses(ctx context.Context, fast bool) error {
	conn, err := a.Connect(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	names, err := conn.Database.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return a.HandleError(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if strings.HasPrefix(name, "system.") || !strings.HasPrefix(name, a.collectionPrefix) {
			continue
		}
		coll := NewMongoCollection(conn.Database.Collection(name), a.logger)
		g.Go(func() error {
			if fast {
				_, err := coll.DeleteMany(gctx, bson.M{}, nil)
				return err
			}
			return coll.Drop(gctx)
		})
	}
	return a.HandleError(g.Wait())
}

// GetAllClasses returns the schema of every class.
func (a *MongoStorageAdapter) GetAllClasses(ctx context.Context) ([]*models.ClassSchema, error) {
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return nil, a.HandleError(err)
	}
	schemas, err := sc.FetchAll(ctx)
	if err != nil {
		return nil, a.HandleError(err)
	}
	return schemas, nil
}

// GetClass returns the schema of className, or ErrClassNotFound.
func (a *MongoStorageAdapter) GetClass(ctx context.Context, className string) (*models.ClassSchema, error) {
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return nil, a.HandleError(err)
	}
	schema, err := sc.FetchOne(ctx, className)
	if err != nil {
		return nil, a.HandleError(err)
	}
	return schema, nil
}

// ---------------------------------------------------------------- fields

// AddFieldIfNotExists records a field on className, creating the class if
// needed, and builds the index the field type requires.
func (a *MongoStorageAdapter) AddFieldIfNotExists(ctx context.Context, className, fieldName string, fieldType models.FieldType) error {
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	if err := sc.AddFieldIfNotExists(ctx, className, fieldName, fieldType); err != nil {
		return a.HandleError(err)
	}
	return a.CreateIndexesIfNeeded(ctx, className, fieldName, fieldType)
}

// UpdateFieldOptions replaces the options of an existing field.
func (a *MongoStorageAdapter) UpdateFieldOptions(ctx context.Context, className, fieldName string, fieldType models.FieldType) error {
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	return a.HandleError(sc.UpdateFieldOptions(ctx, className, fieldName, fieldType))
}

// DeleteFields removes fieldNames from every object of className and from
// its schema.
func (a *MongoStorageAdapter) DeleteFields(ctx context.Context, className string, schema *models.ClassSchema, fieldNames []string) error {
	if len(fieldNames) == 0 {
		return nil
	}
	unset := bson.M{}
	exists := make(bson.A, 0, len(fieldNames))
	schemaUnset := bson.M{}
	for _, name := range fieldNames {
		storageName := name
		if field, ok := schema.Field(name); ok && field.IsPointer() {
			storageName = "_p_" + name
		}
		unset[storageName] = nil
		exists = append(exists, bson.M{storageName: bson.M{"$exists": true}})
		schemaUnset[name] = nil
		schemaUnset["_metadata.fields_options."+name] = nil
	}

	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	if _, err := coll.UpdateMany(ctx, bson.M{"$or": exists}, bson.M{"$unset": unset}, nil); err != nil {
		return a.HandleError(err)
	}
	sc, err := a.schemaCollection(ctx)
	if err != nil {
		return a.HandleError(err)
	}
	return a.HandleError(sc.Update(ctx, className, bson.M{"$unset": schemaUnset}))
}

// ---------------------------------------------------------------- objects

// CreateObject inserts object into className.
func (a *MongoStorageAdapter) CreateObject(ctx context.Context, className string, schema *models.ClassSchema, object models.Object, session *TransactionalSession) error {
	schema = storageSchema(schema)
	doc, err := parseObjectToMongoObjectForCreate(object, schema)
	if err != nil {
		return err
	}
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	if err := coll.InsertOne(ctx, doc, session); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return a.HandleError(duplicateValueError(err, duplicateValueMessage))
		}
		return a.HandleError(err)
	}
	return nil
}

// DeleteObjectsByQuery removes the objects matching query. Matching nothing
// is an ObjectNotFound error; any driver failure is an InternalServerError
// keeping the driver error as its cause.
func (a *MongoStorageAdapter) DeleteObjectsByQuery(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, session *TransactionalSession) error {
	schema = storageSchema(schema)
	where, err := transformWhere(query, schema, false)
	if err != nil {
		return err
	}
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return a.HandleError(err)
	}
	deleted, err := coll.DeleteMany(ctx, where, session)
	if err != nil {
		_ = a.HandleError(err)
		return models.WrapError(models.InternalServerError, "Database adapter error", err)
	}
	if deleted == 0 {
		return models.NewError(models.ObjectNotFound, "Object not found.")
	}
	return nil
}

// UpdateObjectsByQuery applies update to every object matching query.
func (a *MongoStorageAdapter) UpdateObjectsByQuery(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, update models.Update, session *TransactionalSession) error {
	coll, where, mongoUpdate, err := a.prepareUpdate(ctx, className, schema, query, update)
	if err != nil {
		return err
	}
	_, err = coll.UpdateMany(ctx, where, mongoUpdate, session)
	return a.updateError(err)
}

// FindOneAndUpdate applies update to the first object matching query and
// returns it as updated. It returns nil when nothing matched.
func (a *MongoStorageAdapter) FindOneAndUpdate(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, update models.Update, session *TransactionalSession) (models.Object, error) {
	coll, where, mongoUpdate, err := a.prepareUpdate(ctx, className, schema, query, update)
	if err != nil {
		return nil, err
	}
	doc, err := coll.FindOneAndUpdate(ctx, where, mongoUpdate, session)
	if err != nil {
		return nil, a.updateError(err)
	}
	return mongoObjectToParseObject(doc, storageSchema(schema)), nil
}

// UpsertOneObject applies update to the first object matching query,
// creating it when nothing matches.
func (a *MongoStorageAdapter) UpsertOneObject(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, update models.Update, session *TransactionalSession) error {
	coll, where, mongoUpdate, err := a.prepareUpdate(ctx, className, schema, query, update)
	if err != nil {
		return err
	}
	_, err = coll.UpsertOne(ctx, where, mongoUpdate, session)
	return a.updateError(err)
}

func (a *MongoStorageAdapter) prepareUpdate(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, update models.Update) (*MongoCollection, bson.M, bson.M, error) {
	schema = storageSchema(schema)
	mongoUpdate, err := transformUpdate(update, schema)
	if err != nil {
		return nil, nil, nil, err
	}
	where, err := transformWhere(query, schema, false)
	if err != nil {
		return nil, nil, nil, err
	}
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return nil, nil, nil, a.HandleError(err)
	}
	return coll, where, mongoUpdate, nil
}

func (a *MongoStorageAdapter) updateError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return a.HandleError(duplicateValueError(err, duplicateValueMessage))
	}
	return a.HandleError(err)
}

// Find returns the objects of className matching query. With an explain
// option the query plan is returned instead.
func (a *MongoStorageAdapter) Find(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, opts models.QueryOptions) ([]models.Object, error) {
	explain, err := parseExplain(opts.Explain)
	if err != nil {
		return nil, err
	}
	readPref, err := parseReadPreference(opts.ReadPreference)
	if err != nil {
		return nil, err
	}
	schema = storageSchema(schema)
	where, err := transformWhere(query, schema, false)
	if err != nil {
		return nil, err
	}
	if err := a.CreateTextIndexesIfNeeded(ctx, className, query, schema); err != nil {
		return nil, err
	}

	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return nil, a.HandleError(err)
	}
	docs, err := coll.Find(ctx, where, FindOptions{
		Skip:            opts.Skip,
		Limit:           opts.Limit,
		Sort:            transformSort(opts.Sort, schema),
		Keys:            transformProjection(opts.Keys, schema),
		MaxTime:         a.maxTime,
		ReadPreference:  readPref,
		Hint:            opts.Hint,
		CaseInsensitive: opts.CaseInsensitive,
		Explain:         explain,
		Comment:         opts.Comment,
	})
	if err != nil {
		return nil, a.HandleError(err)
	}

	objects := make([]models.Object, 0, len(docs))
	for _, doc := range docs {
		if explain != "" {
			objects = append(objects, models.Object(doc))
			continue
		}
		objects = append(objects, mongoObjectToParseObject(doc, schema))
	}
	return objects, nil
}

// Count returns the number of objects matching query.
func (a *MongoStorageAdapter) Count(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, readPreference string, hint interface{}) (int64, error) {
	readPref, err := parseReadPreference(readPreference)
	if err != nil {
		return 0, err
	}
	schema = storageSchema(schema)
	where, err := transformWhere(query, schema, true)
	if err != nil {
		return 0, err
	}
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return 0, a.HandleError(err)
	}
	n, err := coll.Count(ctx, where, CountOptions{MaxTime: a.maxTime, ReadPreference: readPref, Hint: hint})
	if err != nil {
		return 0, a.HandleError(err)
	}
	return n, nil
}

// Distinct returns the distinct non-null values of fieldName among objects
// matching query. Pointer values are returned as pointers.
func (a *MongoStorageAdapter) Distinct(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, fieldName string) ([]interface{}, error) {
	schema = storageSchema(schema)
	field, _ := schema.Field(fieldName)
	where, err := transformWhere(query, schema, false)
	if err != nil {
		return nil, err
	}
	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return nil, a.HandleError(err)
	}
	values, err := coll.Distinct(ctx, transformKey(fieldName, schema), where)
	if err != nil {
		return nil, a.HandleError(err)
	}

	out := make([]interface{}, 0, len(values))
	for _, value := range values {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && field.IsPointer() {
			pointer, err := transformPointerString(schema, fieldName, s)
			if err != nil {
				return nil, err
			}
			out = append(out, pointer)
			continue
		}
		out = append(out, decodeFieldValue(value, field))
	}
	return out, nil
}

// Aggregate runs pipeline over className. Stage arguments use generic field
// names; grouping keys come back as objectId.
func (a *MongoStorageAdapter) Aggregate(ctx context.Context, className string, schema *models.ClassSchema, pipeline []interface{}, opts models.QueryOptions) ([]models.Object, error) {
	explain, err := parseExplain(opts.Explain)
	if err != nil {
		return nil, err
	}
	readPref, err := parseReadPreference(opts.ReadPreference)
	if err != nil {
		return nil, err
	}
	schema = storageSchema(schema)
	stages, pointerGroup, err := aggregateRewriter{schema: schema}.rewritePipeline(pipeline)
	if err != nil {
		return nil, err
	}

	coll, err := a.adaptiveCollection(ctx, className)
	if err != nil {
		return nil, a.HandleError(err)
	}
	results, err := coll.Aggregate(ctx, stages, AggregateOptions{
		MaxTime:        a.maxTime,
		ReadPreference: readPref,
		Hint:           opts.Hint,
		Explain:        explain,
		Comment:        opts.Comment,
	})
	if err != nil {
		return nil, a.HandleError(err)
	}

	objects := make([]models.Object, 0, len(results))
	for _, result := range results {
		if explain != "" {
			objects = append(objects, models.Object(result))
			continue
		}
		normalizeAggregateResult(result, pointerGroup)
		objects = append(objects, mongoObjectToParseObject(result, schema))
	}
	return objects, nil
}

// IsClassNotFound reports whether err means a class has no schema document.
func IsClassNotFound(err error) bool {
	return errors.Is(err, ErrClassNotFound)
}
