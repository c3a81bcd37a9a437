package settings

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultURI is used when neither flags nor the config file name a database.
const DefaultURI = "mongodb://localhost:27017/objectdb"

type Arguments struct {
	// Path to an optional YAML config file
	ConfigFile string

	Verbose bool
	Debug   bool

	Adapter AdapterSettings
}

// AdapterSettings configures the document-store adapter.
type AdapterSettings struct {
	URI              string          `yaml:"uri"`
	CollectionPrefix string          `yaml:"collectionPrefix"`
	DatabaseOptions  DatabaseOptions `yaml:"databaseOptions"`
}

// DatabaseOptions holds the adapter's own switches plus whatever else should
// reach the driver.
type DatabaseOptions struct {
	// MaxOperationTimeMS bounds every read (find, count, aggregate). Zero means
	// no limit.
	MaxOperationTimeMS int64 `yaml:"maxOperationTimeMs"`

	// EnableSchemaChangeHooks opens a change stream on the schema collection.
	EnableSchemaChangeHooks bool `yaml:"enableSchemaChangeHooks"`

	// DriverOptions keeps every other key found under databaseOptions.
	DriverOptions map[string]interface{} `yaml:",inline"`
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide arguments instance.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{
			Adapter: AdapterSettings{URI: DefaultURI},
		}
	})
	return instance
}

// LoadAdapterSettings reads adapter settings from a YAML file. Values missing
// from the file keep the defaults.
func LoadAdapterSettings(path string) (AdapterSettings, error) {
	cfg := AdapterSettings{URI: DefaultURI}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings for values the adapter cannot work with.
func (s AdapterSettings) Validate() error {
	if s.URI == "" {
		return fmt.Errorf("database uri must not be empty")
	}
	if s.DatabaseOptions.MaxOperationTimeMS < 0 {
		return fmt.Errorf("invalid maxOperationTimeMs: %d (must not be negative)", s.DatabaseOptions.MaxOperationTimeMS)
	}
	return nil
}
