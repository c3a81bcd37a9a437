package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Object is a record in its generic form. Typed values (pointers, dates,
// geo points, files, bytes) are encoded as maps carrying a "__type" key.
type Object = map[string]interface{}

// Query is a generic filter over a class, using generic field names.
type Query = map[string]interface{}

// Update is a generic update; values may be plain values or "__op" operators.
type Update = map[string]interface{}

// ISOTimeLayout is the layout used for every date rendered in generic form.
const ISOTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the generic date layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(ISOTimeLayout)
}

// NewPointer builds a pointer value to className/objectID.
func NewPointer(className, objectID string) map[string]interface{} {
	return map[string]interface{}{
		"__type":    "Pointer",
		"className": className,
		"objectId":  objectID,
	}
}

// NewDate builds a date value.
func NewDate(t time.Time) map[string]interface{} {
	return map[string]interface{}{
		"__type": "Date",
		"iso":    FormatTime(t),
	}
}

// NewGeoPoint builds a geo point value.
func NewGeoPoint(latitude, longitude float64) map[string]interface{} {
	return map[string]interface{}{
		"__type":    "GeoPoint",
		"latitude":  latitude,
		"longitude": longitude,
	}
}

// NewFile builds a file reference value.
func NewFile(name string) map[string]interface{} {
	return map[string]interface{}{
		"__type": "File",
		"name":   name,
	}
}

// NewRelation builds the placeholder value reported for relation fields.
func NewRelation(className string) map[string]interface{} {
	return map[string]interface{}{
		"__type":    "Relation",
		"className": className,
	}
}

// TypeOf returns the "__type" tag of v, or "" if v is not a typed value.
func TypeOf(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	t, _ := m["__type"].(string)
	return t
}

// OpOf returns the "__op" tag of v, or "" if v is not an update operator.
func OpOf(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	op, _ := m["__op"].(string)
	return op
}

// QueryOptions controls how Find reads a class.
type QueryOptions struct {
	Skip  int64
	Limit int64

	// Sort uses generic field names; values are 1 or -1.
	Sort bson.D

	// Keys restricts the returned fields. A nil slice returns everything.
	Keys []string

	ReadPreference  string
	Hint            interface{}
	CaseInsensitive bool

	// Explain is false/nil, true, or a verbosity name.
	Explain interface{}
	Comment string
}

// IndexOptions tunes EnsureIndex.
type IndexOptions struct {
	// IndexType replaces the default ascending key value (for example "2dsphere").
	IndexType interface{}

	// TTL sets expireAfterSeconds when non-nil.
	TTL *int32
}
