package helpers

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ToMap returns v as a plain map when it is any of the document shapes the
// driver or callers produce.
func ToMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case primitive.M:
		return map[string]interface{}(t), true
	case primitive.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return m, true
	}
	return nil, false
}

// ToSlice returns v as a plain slice when it is an array shape.
func ToSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case primitive.A:
		return []interface{}(t), true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// ToStrings collects the string members of an array value.
func ToStrings(v interface{}) []string {
	items, ok := ToSlice(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DeepCopy copies nested maps and slices so the result can be rewritten
// without touching v. Documents come back as plain maps.
func DeepCopy(v interface{}) interface{} {
	if d, ok := v.(primitive.D); ok {
		out := make(primitive.D, len(d))
		for i, e := range d {
			out[i] = primitive.E{Key: e.Key, Value: DeepCopy(e.Value)}
		}
		return out
	}
	if m, ok := ToMap(v); ok {
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = DeepCopy(val)
		}
		return out
	}
	if s, ok := ToSlice(v); ok {
		out := make([]interface{}, len(s))
		for i, val := range s {
			out[i] = DeepCopy(val)
		}
		return out
	}
	return v
}

// SortedD converts a key specification to bson.D. Maps have no order, so
// their keys are emitted sorted to keep the result stable.
func SortedD(v interface{}) (bson.D, bool) {
	switch t := v.(type) {
	case primitive.D:
		return t, true
	case map[string]interface{}, primitive.M:
		m, _ := ToMap(t)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(keys))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: m[k]})
		}
		return out, true
	}
	return nil, false
}
