package directors

import (
	"sync"

	"objectdb/src/engine"

	"go.uber.org/zap"
)

type ServiceManager struct {
	Adapter       *engine.MongoStorageAdapter
	SchemaService *SchemaService
	ObjectService *ObjectService
	logger        *zap.SugaredLogger
}

var (
	instance *ServiceManager
	once     sync.Once
	mu       sync.RWMutex
)

// GetServiceManager returns the singleton instance of ServiceManager
func GetServiceManager() *ServiceManager {
	mu.RLock()
	defer mu.RUnlock()

	if instance == nil {
		// not initialized yet, hand out an empty manager
		return &ServiceManager{}
	}
	return instance
}

// InitServiceManager builds the services around adapter once and returns
// the singleton.
func InitServiceManager(adapter *engine.MongoStorageAdapter, logger *zap.SugaredLogger) *ServiceManager {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		schemas := NewSchemaService(adapter, logger)
		instance = &ServiceManager{
			Adapter:       adapter,
			SchemaService: schemas,
			ObjectService: NewObjectService(adapter, schemas, logger),
			logger:        logger,
		}

		if logger != nil {
			logger.Info("ServiceManager singleton initialized")
		}
	})

	return instance
}

// ResetServiceManager is useful for testing - it resets the singleton
func ResetServiceManager() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
	once = sync.Once{}
}
