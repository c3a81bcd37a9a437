package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"objectdb/src/helpers"
	"objectdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// SchemaCollectionName is the reserved collection holding one metadata
// document per class.
const SchemaCollectionName = "_SCHEMA"

var nonFieldSchemaKeys = map[string]bool{
	"_id":                 true,
	"_metadata":           true,
	"_client_permissions": true,
}

// SchemaCollection reads and writes class metadata documents.
type SchemaCollection struct {
	collection *MongoCollection
	logger     *zap.SugaredLogger
}

// NewSchemaCollection wraps the schema collection.
func NewSchemaCollection(collection *MongoCollection, logger *zap.SugaredLogger) *SchemaCollection {
	return &SchemaCollection{collection: collection, logger: logger}
}

// FieldTypeToMongoFieldType encodes a field type as its storage token.
// ACL has no token; it is implied by every class.
func FieldTypeToMongoFieldType(f models.FieldType) string {
	switch f.Type {
	case models.Pointer:
		return "*" + f.TargetClass
	case models.Relation:
		return "relation<" + f.TargetClass + ">"
	case models.Number:
		return "number"
	case models.String:
		return "string"
	case models.Boolean:
		return "boolean"
	case models.Date:
		return "date"
	case models.ObjectType:
		return "object"
	case models.Array:
		return "array"
	case models.GeoPoint:
		return "geopoint"
	case models.File:
		return "file"
	case models.Bytes:
		return "bytes"
	case models.Polygon:
		return "polygon"
	}
	return ""
}

// MongoFieldToFieldType decodes a storage token. ok is false for tokens that
// name no known type.
func MongoFieldToFieldType(token string) (models.FieldType, bool) {
	if strings.HasPrefix(token, "*") {
		return models.FieldType{Type: models.Pointer, TargetClass: token[1:]}, true
	}
	if strings.HasPrefix(token, "relation<") && strings.HasSuffix(token, ">") {
		return models.FieldType{Type: models.Relation, TargetClass: token[len("relation<") : len(token)-1]}, true
	}
	switch token {
	case "number":
		return models.FieldType{Type: models.Number}, true
	case "string":
		return models.FieldType{Type: models.String}, true
	case "boolean":
		return models.FieldType{Type: models.Boolean}, true
	case "date":
		return models.FieldType{Type: models.Date}, true
	case "map", "object":
		return models.FieldType{Type: models.ObjectType}, true
	case "array":
		return models.FieldType{Type: models.Array}, true
	case "geopoint":
		return models.FieldType{Type: models.GeoPoint}, true
	case "file":
		return models.FieldType{Type: models.File}, true
	case "bytes":
		return models.FieldType{Type: models.Bytes}, true
	case "polygon":
		return models.FieldType{Type: models.Polygon}, true
	}
	return models.FieldType{}, false
}

// MongoSchemaToClassSchema converts a stored metadata document to its
// generic form. Documents without permissions metadata are fully open; once
// permissions are stored, operations they do not list are closed.
func MongoSchemaToClassSchema(doc bson.M) *models.ClassSchema {
	className, _ := doc["_id"].(string)
	schema := models.NewClassSchema(className)
	schema.ClassLevelPermissions = models.DefaultCLPs()

	metadata, _ := helpers.ToMap(doc["_metadata"])
	fieldOptions, _ := helpers.ToMap(metadata["fields_options"])

	for name, raw := range doc {
		if nonFieldSchemaKeys[name] {
			continue
		}
		token, _ := raw.(string)
		field, ok := MongoFieldToFieldType(token)
		if !ok {
			continue
		}
		if opts, ok := helpers.ToMap(fieldOptions[name]); ok && len(opts) > 0 {
			field.Options = helpers.DeepCopy(opts).(map[string]interface{})
		}
		schema.Fields[name] = field
	}
	for name, field := range models.DefaultFields() {
		schema.Fields[name] = field
	}

	if metadata != nil {
		if perms, ok := helpers.ToMap(metadata["class_permissions"]); ok {
			clps := models.EmptyCLPs()
			for op, perm := range perms {
				clps[op] = helpers.DeepCopy(perm)
			}
			schema.ClassLevelPermissions = clps
		}
		if indexes, ok := helpers.ToMap(metadata["indexes"]); ok {
			for name, keys := range indexes {
				if d, ok := helpers.SortedD(keys); ok {
					schema.Indexes[name] = d
				}
			}
		}
	}
	return schema
}

// ClassSchemaToMongoSchema builds the metadata document stored for schema.
func ClassSchemaToMongoSchema(schema *models.ClassSchema) bson.M {
	doc := bson.M{
		"_id":       schema.ClassName,
		"objectId":  "string",
		"updatedAt": "string",
		"createdAt": "string",
	}
	metadata := bson.M{}
	fieldOptions := bson.M{}

	for name, field := range schema.Fields {
		if _, system := doc[name]; system {
			continue
		}
		token := FieldTypeToMongoFieldType(field)
		if token == "" {
			continue
		}
		doc[name] = token
		if field.HasOptions() {
			fieldOptions[name] = field.Options
		}
	}
	if len(fieldOptions) > 0 {
		metadata["fields_options"] = fieldOptions
	}
	if schema.ClassLevelPermissions != nil {
		metadata["class_permissions"] = map[string]interface{}(schema.ClassLevelPermissions)
	}
	if len(schema.Indexes) > 0 {
		indexes := bson.M{}
		for name, keys := range schema.Indexes {
			indexes[name] = keys
		}
		metadata["indexes"] = indexes
	}
	if len(metadata) > 0 {
		doc["_metadata"] = metadata
	}
	return doc
}

func schemaQuery(name string, query bson.M) bson.M {
	q := bson.M{"_id": name}
	for k, v := range query {
		q[k] = v
	}
	return q
}

// decodeSchemaDocument decodes a stored metadata document. Index key
// specifications are read as ordered documents since the order of compound
// keys is part of the index. Integers come back as int.
func decodeSchemaDocument(raw bson.Raw) (bson.M, error) {
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if value, err := raw.LookupErr("_metadata", "indexes"); err == nil {
		stored, ok := value.DocumentOK()
		if !ok {
			return nil, fmt.Errorf("schema %v: indexes is not a document", doc["_id"])
		}
		elems, err := stored.Elements()
		if err != nil {
			return nil, err
		}
		indexes := bson.D{}
		for _, elem := range elems {
			var keys bson.D
			if err := elem.Value().Unmarshal(&keys); err != nil {
				return nil, fmt.Errorf("schema %v: index %s: %w", doc["_id"], elem.Key(), err)
			}
			indexes = append(indexes, bson.E{Key: elem.Key(), Value: keys})
		}
		if metadata, ok := helpers.ToMap(doc["_metadata"]); ok {
			metadata["indexes"] = indexes
		}
	}
	return plainInts(doc).(bson.M), nil
}

func plainInts(v interface{}) interface{} {
	switch t := v.(type) {
	case int32:
		return int(t)
	case bson.M:
		for k, val := range t {
			t[k] = plainInts(val)
		}
	case bson.D:
		for i := range t {
			t[i].Value = plainInts(t[i].Value)
		}
	case bson.A:
		for i := range t {
			t[i] = plainInts(t[i])
		}
	}
	return v
}

// FetchAll returns the schema of every class.
func (s *SchemaCollection) FetchAll(ctx context.Context) ([]*models.ClassSchema, error) {
	docs, err := s.collection.FindRaw(ctx, bson.M{}, FindOptions{})
	if err != nil {
		return nil, err
	}
	schemas := make([]*models.ClassSchema, 0, len(docs))
	for _, raw := range docs {
		doc, err := decodeSchemaDocument(raw)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, MongoSchemaToClassSchema(doc))
	}
	return schemas, nil
}

// FetchOne returns the schema of name, or ErrClassNotFound when no metadata
// document exists for it.
func (s *SchemaCollection) FetchOne(ctx context.Context, name string) (*models.ClassSchema, error) {
	docs, err := s.collection.FindRaw(ctx, schemaQuery(name, nil), FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) != 1 {
		return nil, ErrClassNotFound
	}
	doc, err := decodeSchemaDocument(docs[0])
	if err != nil {
		return nil, err
	}
	return MongoSchemaToClassSchema(doc), nil
}

// FindAndDelete removes the metadata document of name.
func (s *SchemaCollection) FindAndDelete(ctx context.Context, name string) error {
	return s.collection.FindOneAndDelete(ctx, schemaQuery(name, nil))
}

// Insert stores a new metadata document.
func (s *SchemaCollection) Insert(ctx context.Context, doc bson.M) (*models.ClassSchema, error) {
	if err := s.collection.InsertOne(ctx, doc, nil); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, models.WrapError(models.DuplicateValue, "Class already exists.", err)
		}
		return nil, err
	}
	return MongoSchemaToClassSchema(doc), nil
}

// Update applies update to the metadata document of name.
func (s *SchemaCollection) Update(ctx context.Context, name string, update bson.M) error {
	_, err := s.collection.UpdateOne(ctx, schemaQuery(name, nil), update)
	return err
}

// Upsert applies update to the metadata document of name when it also
// matches query, creating the document when none matches.
func (s *SchemaCollection) Upsert(ctx context.Context, name string, query, update bson.M) error {
	_, err := s.collection.UpsertOne(ctx, schemaQuery(name, query), update, nil)
	return err
}

// AddFieldIfNotExists records a new field on className, creating the class
// document when needed. The write only matches while the field is still
// absent, so a concurrent add of the same field leaves the first writer's
// type in place and this call returns without error.
func (s *SchemaCollection) AddFieldIfNotExists(ctx context.Context, className, fieldName string, fieldType models.FieldType) error {
	schema, err := s.FetchOne(ctx, className)
	switch {
	case errors.Is(err, ErrClassNotFound):
		// the upsert below creates the class
	case err != nil:
		return err
	default:
		if _, exists := schema.Fields[fieldName]; exists {
			return nil
		}
		if fieldType.Type == models.GeoPoint {
			for _, existing := range schema.Fields {
				if existing.Type == models.GeoPoint {
					return models.NewError(models.IncorrectType, "MongoDB only supports one GeoPoint field in a class.")
				}
			}
		}
	}

	set := bson.M{fieldName: FieldTypeToMongoFieldType(fieldType)}
	if fieldType.HasOptions() {
		set["_metadata.fields_options."+fieldName] = fieldType.Options
	}
	err = s.Upsert(ctx, className, bson.M{fieldName: bson.M{"$exists": false}}, bson.M{"$set": set})
	if mongo.IsDuplicateKeyError(err) {
		s.logger.Debugf("Field %s.%s was added concurrently, keeping existing type", className, fieldName)
		return nil
	}
	return err
}

// UpdateFieldOptions replaces the options stored for an existing field.
func (s *SchemaCollection) UpdateFieldOptions(ctx context.Context, className, fieldName string, fieldType models.FieldType) error {
	opts := map[string]interface{}{}
	for k, v := range fieldType.Options {
		if k == "type" || k == "targetClass" {
			continue
		}
		opts[k] = v
	}
	err := s.Upsert(ctx, className, bson.M{fieldName: bson.M{"$exists": true}}, bson.M{
		"$set": bson.M{"_metadata.fields_options." + fieldName: opts},
	})
	if mongo.IsDuplicateKeyError(err) {
		s.logger.Debugf("Field %s.%s does not exist, options not updated", className, fieldName)
		return nil
	}
	return err
}
