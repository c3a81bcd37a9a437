package directors

import (
	"context"
	"fmt"
	"time"

	"objectdb/src/engine"
	"objectdb/src/helpers"
	"objectdb/src/models"

	"go.uber.org/zap"
)

// ObjectStore is the part of the storage adapter that reads and writes
// objects.
type ObjectStore interface {
	CreateObject(ctx context.Context, className string, schema *models.ClassSchema, object models.Object, session *engine.TransactionalSession) error
	Find(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, opts models.QueryOptions) ([]models.Object, error)
	Count(ctx context.Context, className string, schema *models.ClassSchema, query models.Query, readPreference string, hint interface{}) (int64, error)
}

// ObjectService runs object operations against the current schema of their
// class.
type ObjectService struct {
	store   ObjectStore
	schemas *SchemaService
	logger  *zap.SugaredLogger
}

func NewObjectService(store ObjectStore, schemas *SchemaService, logger *zap.SugaredLogger) *ObjectService {
	return &ObjectService{
		store:   store,
		schemas: schemas,
		logger:  logger,
	}
}

func (s *ObjectService) schema(ctx context.Context, className string) (*models.ClassSchema, error) {
	schema, ok, err := s.schemas.Class(ctx, className)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("class '%s': %w", className, engine.ErrClassNotFound)
	}
	return schema, nil
}

// CreateObject stores object in className. objectId, createdAt and updatedAt
// are filled in when missing. The stored object is returned.
func (s *ObjectService) CreateObject(ctx context.Context, className string, object models.Object) (models.Object, error) {
	schema, err := s.schema(ctx, className)
	if err != nil {
		return nil, err
	}

	out := make(models.Object, len(object)+3)
	for k, v := range object {
		out[k] = v
	}
	if _, ok := out["objectId"]; !ok {
		out["objectId"] = helpers.GenerateUUID()
	}
	now := models.FormatTime(time.Now())
	if _, ok := out["createdAt"]; !ok {
		out["createdAt"] = now
	}
	if _, ok := out["updatedAt"]; !ok {
		out["updatedAt"] = now
	}

	if err := s.store.CreateObject(ctx, className, schema, out, nil); err != nil {
		return nil, err
	}
	s.logger.Debugf("Created object %v in %s", out["objectId"], className)
	return out, nil
}

// Find returns the objects of className matching query.
func (s *ObjectService) Find(ctx context.Context, className string, query models.Query, opts models.QueryOptions) ([]models.Object, error) {
	schema, err := s.schema(ctx, className)
	if err != nil {
		return nil, err
	}
	if query == nil {
		query = models.Query{}
	}
	return s.store.Find(ctx, className, schema, query, opts)
}

// Count returns the number of objects of className matching query.
func (s *ObjectService) Count(ctx context.Context, className string, query models.Query, readPreference string) (int64, error) {
	schema, err := s.schema(ctx, className)
	if err != nil {
		return 0, err
	}
	if query == nil {
		query = models.Query{}
	}
	return s.store.Count(ctx, className, schema, query, readPreference, nil)
}
