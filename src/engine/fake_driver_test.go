package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"objectdb/src/helpers"
	"objectdb/src/settings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// In-memory stand-ins for the driver. They understand just enough of the
// query and update language for the adapter's own filters.

type fakeConnectionManager struct {
	conn       *Connection
	connectErr error

	mu        sync.Mutex
	connects  int
	resets    int
	shutdowns int
}

func (m *fakeConnectionManager) Connect(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return m.conn, nil
}

func (m *fakeConnectionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *fakeConnectionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}

// counts returns how often Connect, Reset and Shutdown ran.
func (m *fakeConnectionManager) counts() (connects, resets, shutdowns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects, m.resets, m.shutdowns
}

type fakeClient struct {
	db          *fakeDatabase
	session     *fakeSession
	disconnects int
}

func (c *fakeClient) Database(name string) Database { return c.db }

func (c *fakeClient) StartSession() (Session, error) {
	if c.session == nil {
		c.session = &fakeSession{}
	}
	return c.session, nil
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.disconnects++
	return nil
}

type fakeDatabase struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{collections: map[string]*fakeCollection{}}
}

func (d *fakeDatabase) Collection(name string) Collection {
	return d.collection(name)
}

func (d *fakeDatabase) collection(name string) *fakeCollection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = &fakeCollection{name: name, db: d}
		d.collections[name] = c
	}
	return c
}

func (d *fakeDatabase) ListCollectionNames(ctx context.Context, filter interface{}) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	want, _ := helpers.ToMap(filter)
	names := []string{}
	for name := range d.collections {
		if n, ok := want["name"]; ok && n != name {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type fakeCollection struct {
	name string
	db   *fakeDatabase

	mu      sync.Mutex
	docs    []map[string]interface{}
	indexes []mongo.IndexModel

	// scripted failures, consumed in order
	findErrs        []error
	insertErr       error
	updateErr       error
	deleteErr       error
	createIndexErrs []error

	aggregateResults []bson.M
	lastPipeline     interface{}
	lastFindOpts     *options.FindOptions
	lastEstimateOpts *options.EstimatedDocumentCountOptions
	lastFilter       interface{}
	lastCommand      interface{}
	readPreference   *readpref.ReadPref

	// staleReads makes Find miss every document, as a reader racing a
	// concurrent writer would.
	staleReads bool

	findCalls     int
	countCalls    int
	estimateCalls int
	dropped       bool
}

func (c *fakeCollection) Name() string { return c.name }

func (c *fakeCollection) WithReadPreference(rp *readpref.ReadPref) Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readPreference = rp
	return c
}

func (c *fakeCollection) Find(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]bson.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.findLocked(filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		out = append(out, bson.M(helpers.DeepCopy(doc).(map[string]interface{})))
	}
	return out, nil
}

// FindRaw encodes the matches the way the server sends them, so callers
// decode exactly what the driver would hand them.
func (c *fakeCollection) FindRaw(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]bson.Raw, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.findLocked(filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]bson.Raw, 0, len(docs))
	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (c *fakeCollection) findLocked(filter interface{}, opts *options.FindOptions) ([]map[string]interface{}, error) {
	c.findCalls++
	c.lastFindOpts = opts
	c.lastFilter = filter
	if len(c.findErrs) > 0 {
		err := c.findErrs[0]
		c.findErrs = c.findErrs[1:]
		return nil, err
	}
	out := []map[string]interface{}{}
	for _, doc := range c.docs {
		if !c.staleReads && matches(doc, filter) {
			out = append(out, doc)
		}
	}
	if opts != nil && opts.Limit != nil && *opts.Limit > 0 && int64(len(out)) > *opts.Limit {
		out = out[:*opts.Limit]
	}
	return out, nil
}

func (c *fakeCollection) CountDocuments(ctx context.Context, filter interface{}, opts *options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.countCalls++
	c.lastFilter = filter
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (c *fakeCollection) EstimatedDocumentCount(ctx context.Context, opts *options.EstimatedDocumentCountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimateCalls++
	c.lastEstimateOpts = opts
	return int64(len(c.docs)), nil
}

func (c *fakeCollection) Distinct(ctx context.Context, field string, filter interface{}) ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []interface{}{}
	for _, doc := range c.docs {
		if !matches(doc, filter) {
			continue
		}
		v, ok := lookup(doc, field)
		if !ok {
			out = appendUnique(out, nil)
			continue
		}
		out = appendUnique(out, v)
	}
	return out, nil
}

func (c *fakeCollection) Aggregate(ctx context.Context, pipeline interface{}, opts *options.AggregateOptions) ([]bson.M, error) {
	c.lastPipeline = pipeline
	out := make([]bson.M, 0, len(c.aggregateResults))
	for _, r := range c.aggregateResults {
		out = append(out, bson.M(helpers.DeepCopy(r).(map[string]interface{})))
	}
	return out, nil
}

func (c *fakeCollection) RunCommand(ctx context.Context, command interface{}) (bson.M, error) {
	c.lastCommand = command
	return bson.M{"queryPlanner": bson.M{"namespace": c.name}}, nil
}

func (c *fakeCollection) InsertOne(ctx context.Context, document interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return c.insertErr
	}
	doc, _ := helpers.ToMap(document)
	return c.insertLocked(doc)
}

func (c *fakeCollection) insertLocked(doc map[string]interface{}) error {
	if id, ok := doc["_id"]; ok {
		for _, existing := range c.docs {
			if reflect.DeepEqual(existing["_id"], id) {
				return duplicateKeyException("_id_")
			}
		}
	}
	c.docs = append(c.docs, helpers.DeepCopy(doc).(map[string]interface{}))
	return nil
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter, update interface{}, opts *options.UpdateOptions) (*mongo.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, update, false)
			return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	if opts == nil || opts.Upsert == nil || !*opts.Upsert {
		return &mongo.UpdateResult{}, nil
	}
	doc := map[string]interface{}{}
	f, _ := helpers.ToMap(filter)
	for k, v := range f {
		if _, isOp := helpers.ToMap(v); !isOp && !strings.HasPrefix(k, "$") {
			doc[k] = v
		}
	}
	applyUpdate(doc, update, true)
	if err := c.insertLocked(doc); err != nil {
		return nil, err
	}
	return &mongo.UpdateResult{UpsertedCount: 1, UpsertedID: doc["_id"]}, nil
}

func (c *fakeCollection) UpdateMany(ctx context.Context, filter, update interface{}) (*mongo.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	c.lastFilter = filter
	res := &mongo.UpdateResult{}
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, update, false)
			res.MatchedCount++
			res.ModifiedCount++
		}
	}
	return res, nil
}

func (c *fakeCollection) FindOneAndUpdate(ctx context.Context, filter, update interface{}, opts *options.FindOneAndUpdateOptions) (bson.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, update, false)
			return bson.M(helpers.DeepCopy(doc).(map[string]interface{})), nil
		}
	}
	return nil, nil
}

func (c *fakeCollection) FindOneAndDelete(ctx context.Context, filter interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return nil
		}
	}
	return mongo.ErrNoDocuments
}

func (c *fakeCollection) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return 0, c.deleteErr
	}
	kept := c.docs[:0]
	var n int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return n, nil
}

func (c *fakeCollection) Drop(ctx context.Context) error {
	c.db.mu.Lock()
	delete(c.db.collections, c.name)
	c.db.mu.Unlock()
	c.mu.Lock()
	c.docs = nil
	c.indexes = nil
	c.dropped = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.createIndexErrs) > 0 {
		err := c.createIndexErrs[0]
		c.createIndexErrs = c.createIndexErrs[1:]
		if err != nil {
			return err
		}
	}
	c.indexes = append(c.indexes, models...)
	return nil
}

func (c *fakeCollection) DropIndex(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.indexes {
		if indexName(m) == name {
			c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
			return nil
		}
	}
	return mongo.CommandError{Code: 27, Message: "index not found with name [" + name + "]"}
}

func (c *fakeCollection) DropIndexes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = nil
	return nil
}

func (c *fakeCollection) ListIndexes(ctx context.Context) ([]IndexDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []IndexDescription{{Name: "_id_", Key: bson.D{{Key: "_id", Value: 1}}}}
	for _, m := range c.indexes {
		keys, _ := m.Keys.(bson.D)
		out = append(out, IndexDescription{Name: indexName(m), Key: keys})
	}
	return out, nil
}

func (c *fakeCollection) Watch(ctx context.Context) (ChangeStream, error) {
	return &fakeChangeStream{events: make(chan struct{}, 8)}, nil
}

func (c *fakeCollection) indexCount(value interface{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.indexes {
		keys, _ := m.Keys.(bson.D)
		for _, e := range keys {
			if e.Value == value {
				n++
			}
		}
	}
	return n
}

func indexName(m mongo.IndexModel) string {
	if m.Options != nil && m.Options.Name != nil {
		return *m.Options.Name
	}
	keys, _ := m.Keys.(bson.D)
	parts := make([]string, 0, len(keys))
	for _, e := range keys {
		parts = append(parts, fmt.Sprintf("%s_%v", e.Key, e.Value))
	}
	return strings.Join(parts, "_")
}

type fakeChangeStream struct {
	events chan struct{}
	closed bool
}

func (s *fakeChangeStream) Next(ctx context.Context) bool {
	select {
	case _, ok := <-s.events:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (s *fakeChangeStream) Err() error { return nil }

func (s *fakeChangeStream) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

type fakeSession struct {
	commitErrs  []error
	commitCalls int
	abortCalls  int
	endCalls    int
	started     bool
}

func (s *fakeSession) StartTransaction() error {
	s.started = true
	return nil
}

func (s *fakeSession) CommitTransaction(ctx context.Context) error {
	s.commitCalls++
	if len(s.commitErrs) == 0 {
		return nil
	}
	err := s.commitErrs[0]
	if len(s.commitErrs) > 1 {
		s.commitErrs = s.commitErrs[1:]
	}
	return err
}

func (s *fakeSession) AbortTransaction(ctx context.Context) error {
	s.abortCalls++
	return nil
}

func (s *fakeSession) EndSession(ctx context.Context) { s.endCalls++ }

func (s *fakeSession) Bind(ctx context.Context) context.Context { return ctx }

func duplicateKeyException(index string) error {
	return mongo.WriteException{WriteErrors: mongo.WriteErrors{{
		Code:    11000,
		Message: "E11000 duplicate key error collection: test.coll index: " + index + " dup key: { }",
	}}}
}

// ---------------------------------------------------------------- matching

func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := helpers.ToMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	return okA && okB && fa == fb
}

func matches(doc map[string]interface{}, filter interface{}) bool {
	f, _ := helpers.ToMap(filter)
	for key, want := range f {
		switch key {
		case "$or":
			clauses, _ := helpers.ToSlice(want)
			matched := false
			for _, clause := range clauses {
				if matches(doc, clause) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		case "$and":
			clauses, _ := helpers.ToSlice(want)
			for _, clause := range clauses {
				if !matches(doc, clause) {
					return false
				}
			}
			continue
		}

		got, present := lookup(doc, key)
		if cond, ok := helpers.ToMap(want); ok && isOperatorDoc(cond) {
			if !matchOperators(got, present, cond) {
				return false
			}
			continue
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func isOperatorDoc(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func matchValue(got, want interface{}) bool {
	if equalValues(got, want) {
		return true
	}
	if items, ok := helpers.ToSlice(got); ok {
		for _, item := range items {
			if equalValues(item, want) {
				return true
			}
		}
	}
	return false
}

func matchOperators(got interface{}, present bool, cond map[string]interface{}) bool {
	for op, arg := range cond {
		switch op {
		case "$exists":
			if present != (arg == true) {
				return false
			}
		case "$ne":
			if present && matchValue(got, arg) {
				return false
			}
		case "$in":
			items, _ := helpers.ToSlice(arg)
			found := false
			for _, item := range items {
				if present && matchValue(got, item) {
					found = true
				}
			}
			if !found {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			g, okG := toFloat(got)
			w, okW := toFloat(arg)
			if !okG || !okW {
				return false
			}
			if (op == "$gt" && !(g > w)) || (op == "$gte" && !(g >= w)) || (op == "$lt" && !(g < w)) || (op == "$lte" && !(g <= w)) {
				return false
			}
		}
	}
	return true
}

func appendUnique(values []interface{}, v interface{}) []interface{} {
	for _, existing := range values {
		if equalValues(existing, v) {
			return values
		}
	}
	return append(values, v)
}

// ---------------------------------------------------------------- updates

func setPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := helpers.ToMap(cur[part])
		if !ok {
			next = map[string]interface{}{}
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = helpers.DeepCopy(value)
}

func unsetPath(doc map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := helpers.ToMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func applyUpdate(doc map[string]interface{}, update interface{}, inserting bool) {
	u, _ := helpers.ToMap(update)
	for op, raw := range u {
		args, _ := helpers.ToMap(raw)
		for path, value := range args {
			switch op {
			case "$set":
				setPath(doc, path, value)
			case "$setOnInsert":
				if inserting {
					setPath(doc, path, value)
				}
			case "$unset":
				unsetPath(doc, path)
			case "$inc":
				cur, _ := lookup(doc, path)
				c, _ := toFloat(cur)
				d, _ := toFloat(value)
				setPath(doc, path, c+d)
			case "$push", "$addToSet":
				cur, _ := lookup(doc, path)
				items, _ := helpers.ToSlice(cur)
				each, _ := helpers.ToMap(value)
				adds, _ := helpers.ToSlice(each["$each"])
				for _, item := range adds {
					if op == "$addToSet" {
						items = appendUnique(items, item)
					} else {
						items = append(items, item)
					}
				}
				setPath(doc, path, items)
			}
		}
	}
}

// ---------------------------------------------------------------- harness

type testHarness struct {
	db      *fakeDatabase
	client  *fakeClient
	manager *fakeConnectionManager
	adapter *MongoStorageAdapter
}

func newTestHarness(t *testing.T, mutate ...func(*settings.AdapterSettings)) *testHarness {
	t.Helper()
	db := newFakeDatabase()
	client := &fakeClient{db: db}
	manager := &fakeConnectionManager{conn: &Connection{Client: client, Database: db}}
	cfg := settings.AdapterSettings{URI: settings.DefaultURI}
	for _, m := range mutate {
		m(&cfg)
	}
	adapter, err := NewMongoStorageAdapter(cfg, zap.NewNop().Sugar(), WithConnectionManager(manager))
	if err != nil {
		t.Fatalf("creating adapter: %v", err)
	}
	return &testHarness{db: db, client: client, manager: manager, adapter: adapter}
}
