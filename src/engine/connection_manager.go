package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"objectdb/src/settings"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultDatabaseName = "test"

// Connection is an open client and the database the adapter works in.
type Connection struct {
	Client   Client
	Database Database
}

// ConnectionManager owns the process-wide connection.
//
// Connect returns the cached connection or opens one; concurrent callers
// share a single attempt. Reset forgets the cached connection so the next
// Connect dials again. Shutdown closes it.
type ConnectionManager interface {
	Connect(ctx context.Context) (*Connection, error)
	Reset()
	Shutdown(ctx context.Context) error
}

type mongoConnectionManager struct {
	uri           string
	databaseName  string
	driverOptions map[string]interface{}
	logger        *zap.SugaredLogger

	group singleflight.Group

	mu         sync.Mutex
	conn       *Connection
	generation uint64
}

// NewMongoConnectionManager creates a manager for the database named in the
// configured URI.
func NewMongoConnectionManager(cfg settings.AdapterSettings, logger *zap.SugaredLogger) (ConnectionManager, error) {
	cs, err := connstring.ParseAndValidate(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid database uri: %w", err)
	}
	name := cs.Database
	if name == "" {
		name = defaultDatabaseName
	}
	return &mongoConnectionManager{
		uri:           cfg.URI,
		databaseName:  name,
		driverOptions: cfg.DatabaseOptions.DriverOptions,
		logger:        logger,
	}, nil
}

func (m *mongoConnectionManager) Connect(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	v, err, _ := m.group.Do("connect", func() (interface{}, error) {
		m.mu.Lock()
		if m.conn != nil {
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		}
		m.generation++
		gen := m.generation
		m.mu.Unlock()

		client, err := mongo.Connect(ctx, m.clientOptions(gen))
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}

		conn := &Connection{
			Client:   &mongoClient{client: client},
			Database: &mongoDatabase{db: client.Database(m.databaseName)},
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.logger.Infof("Connected to database %s", m.databaseName)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// clientOptions builds driver options whose pool events drop the connection
// of generation gen when its pool is cleared or closed.
func (m *mongoConnectionManager) clientOptions(gen uint64) *options.ClientOptions {
	opts := options.Client().ApplyURI(m.uri)
	opts.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.PoolCleared, event.PoolClosedEvent:
				m.resetGeneration(gen)
			}
		},
	})

	for key, value := range m.driverOptions {
		switch key {
		case "appName":
			if s, ok := value.(string); ok {
				opts.SetAppName(s)
			}
		case "maxPoolSize":
			if n, ok := toInt64(value); ok {
				opts.SetMaxPoolSize(uint64(n))
			}
		case "minPoolSize":
			if n, ok := toInt64(value); ok {
				opts.SetMinPoolSize(uint64(n))
			}
		case "serverSelectionTimeoutMS":
			if n, ok := toInt64(value); ok {
				opts.SetServerSelectionTimeout(time.Duration(n) * time.Millisecond)
			}
		case "connectTimeoutMS":
			if n, ok := toInt64(value); ok {
				opts.SetConnectTimeout(time.Duration(n) * time.Millisecond)
			}
		case "retryWrites":
			if b, ok := value.(bool); ok {
				opts.SetRetryWrites(b)
			}
		default:
			m.logger.Warnf("Ignoring unsupported database option %s", key)
		}
	}
	return opts
}

func (m *mongoConnectionManager) Reset() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	m.discard(conn)
}

func (m *mongoConnectionManager) resetGeneration(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	m.discard(conn)
}

// discard closes a dropped connection without blocking the caller.
func (m *mongoConnectionManager) discard(conn *Connection) {
	if conn == nil {
		return
	}
	m.logger.Warn("Discarding database connection, the next operation reconnects")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Client.Disconnect(ctx); err != nil {
			m.logger.Debugf("Error closing discarded connection: %v", err)
		}
	}()
}

func (m *mongoConnectionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Client.Disconnect(ctx)
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
