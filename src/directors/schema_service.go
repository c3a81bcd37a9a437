package directors

import (
	"context"
	"sort"
	"sync"

	"objectdb/src/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SchemaStore is the part of the storage adapter the schema cache reads from.
type SchemaStore interface {
	GetAllClasses(ctx context.Context) ([]*models.ClassSchema, error)
	Watch(onChange func())
}

// SchemaService caches class schemas in memory. The cache is dropped on
// every schema change the store reports, and rebuilt on the next read.
type SchemaService struct {
	store  SchemaStore
	logger *zap.SugaredLogger

	group singleflight.Group

	mu      sync.RWMutex
	classes map[string]*models.ClassSchema
	// generation changes on every invalidation so a load that raced an
	// invalidation is not cached.
	generation uint64
}

// NewSchemaService creates a SchemaService and registers it for schema
// change notifications.
func NewSchemaService(store SchemaStore, logger *zap.SugaredLogger) *SchemaService {
	s := &SchemaService{
		store:  store,
		logger: logger,
	}
	store.Watch(s.Invalidate)
	return s
}

// Invalidate drops every cached schema.
func (s *SchemaService) Invalidate() {
	s.mu.Lock()
	s.classes = nil
	s.generation++
	s.mu.Unlock()
	s.logger.Debug("Schema cache invalidated")
}

// Classes returns every class schema, sorted by class name.
func (s *SchemaService) Classes(ctx context.Context) ([]*models.ClassSchema, error) {
	classes, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ClassSchema, 0, len(classes))
	for _, schema := range classes {
		out = append(out, schema.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClassName < out[j].ClassName
	})
	return out, nil
}

// Class returns the schema of className. ok is false when the class does not
// exist.
func (s *SchemaService) Class(ctx context.Context, className string) (schema *models.ClassSchema, ok bool, err error) {
	classes, err := s.load(ctx)
	if err != nil {
		return nil, false, err
	}
	schema, ok = classes[className]
	if !ok {
		return nil, false, nil
	}
	return schema.Clone(), true, nil
}

func (s *SchemaService) load(ctx context.Context) (map[string]*models.ClassSchema, error) {
	s.mu.RLock()
	classes, gen := s.classes, s.generation
	s.mu.RUnlock()
	if classes != nil {
		return classes, nil
	}

	v, err, _ := s.group.Do("classes", func() (interface{}, error) {
		schemas, err := s.store.GetAllClasses(ctx)
		if err != nil {
			return nil, err
		}
		loaded := make(map[string]*models.ClassSchema, len(schemas))
		for _, schema := range schemas {
			loaded[schema.ClassName] = schema
		}

		s.mu.Lock()
		if s.generation == gen {
			s.classes = loaded
		}
		s.mu.Unlock()
		s.logger.Debugf("Loaded %d class schemas", len(loaded))
		return loaded, nil
	})
	if err != nil {
		s.logger.Warnf("Failed to load class schemas: %v", err)
		return nil, err
	}
	return v.(map[string]*models.ClassSchema), nil
}
