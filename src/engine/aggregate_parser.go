package engine

import (
	"fmt"
	"strings"

	"objectdb/src/helpers"
	"objectdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
)

// aggregateRewriter rewrites pipeline stage arguments from generic to
// storage field names, dispatching on the declared type of each field.
type aggregateRewriter struct {
	schema *models.ClassSchema
}

// systemFieldStorageName returns the storage name of the system fields an
// aggregation may reference.
func systemFieldStorageName(field string) (string, bool) {
	switch field {
	case "objectId":
		return "_id", true
	case "createdAt":
		return "_created_at", true
	case "updatedAt":
		return "_updated_at", true
	}
	return "", false
}

// rewritePipeline rewrites every stage. pointerGroup reports whether a
// $group stage groups by a pointer field, whose keys must then be decoded.
func (r aggregateRewriter) rewritePipeline(pipeline []interface{}) (out []interface{}, pointerGroup bool, err error) {
	out = make([]interface{}, 0, len(pipeline))
	for _, raw := range pipeline {
		stage, ok := helpers.ToMap(raw)
		if !ok {
			return nil, false, models.NewError(models.InvalidQuery, "aggregation stages must be objects")
		}
		rewritten := bson.M{}
		for name, args := range stage {
			switch name {
			case "$group":
				group := r.groupArgs(args)
				if m, ok := helpers.ToMap(group); ok {
					if id, ok := m["_id"].(string); ok && strings.Contains(id, "$_p_") {
						pointerGroup = true
					}
				}
				rewritten[name] = group
			case "$match":
				match, err := r.matchArgs(args)
				if err != nil {
					return nil, false, err
				}
				rewritten[name] = match
			case "$project":
				project, err := r.projectArgs(args)
				if err != nil {
					return nil, false, err
				}
				rewritten[name] = project
			case "$geoNear":
				geoNear, ok := helpers.ToMap(args)
				if !ok || geoNear["query"] == nil {
					rewritten[name] = args
					continue
				}
				copied := bson.M{}
				for k, v := range geoNear {
					copied[k] = v
				}
				query, err := r.matchArgs(geoNear["query"])
				if err != nil {
					return nil, false, err
				}
				copied["query"] = query
				rewritten[name] = copied
			default:
				rewritten[name] = args
			}
		}
		out = append(out, rewritten)
	}
	return out, pointerGroup, nil
}

// matchArgs rewrites filter-shaped arguments ($match and $geoNear.query).
// Pointer values are encoded and dates coerced from their string form.
func (r aggregateRewriter) matchArgs(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if items, ok := helpers.ToSlice(v); ok {
		out := make(bson.A, 0, len(items))
		for _, item := range items {
			rewritten, err := r.matchArgs(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rewritten)
		}
		return out, nil
	}
	m, ok := helpers.ToMap(v)
	if !ok {
		return v, nil
	}

	out := bson.M{}
	for field, value := range m {
		key := field
		var rewritten interface{}
		var err error

		fieldType, _ := r.schema.Field(field)
		switch fieldType.Type {
		case models.Pointer:
			key = "_p_" + field
			if _, isDoc := helpers.ToMap(value); isDoc {
				rewritten = value
			} else {
				rewritten = fieldType.TargetClass + "$" + toString(value)
			}
		case models.Date:
			rewritten, err = convertToDate(value)
		default:
			rewritten, err = r.matchArgs(value)
		}
		if err != nil {
			return nil, err
		}
		if storage, ok := systemFieldStorageName(field); ok {
			key = storage
		}
		out[key] = rewritten
	}
	return out, nil
}

// projectArgs rewrites a $project stage. Pointer inclusions are renamed
// without touching their value.
func (r aggregateRewriter) projectArgs(v interface{}) (interface{}, error) {
	m, ok := helpers.ToMap(v)
	if !ok {
		return v, nil
	}
	out := bson.M{}
	for field, value := range m {
		key := field
		rewritten := value
		if fieldType, ok := r.schema.Field(field); ok && fieldType.IsPointer() {
			key = "_p_" + field
		} else {
			var err error
			if rewritten, err = r.matchArgs(value); err != nil {
				return nil, err
			}
		}
		if storage, ok := systemFieldStorageName(field); ok {
			key = storage
		}
		out[key] = rewritten
	}
	return out, nil
}

// groupArgs rewrites field references ("$field") inside a $group stage.
func (r aggregateRewriter) groupArgs(v interface{}) interface{} {
	if items, ok := helpers.ToSlice(v); ok {
		out := make(bson.A, 0, len(items))
		for _, item := range items {
			out = append(out, r.groupArgs(item))
		}
		return out
	}
	if m, ok := helpers.ToMap(v); ok {
		out := bson.M{}
		for k, value := range m {
			out[k] = r.groupArgs(value)
		}
		return out
	}
	ref, ok := v.(string)
	if !ok || !strings.HasPrefix(ref, "$") {
		return v
	}
	field := ref[1:]
	if fieldType, ok := r.schema.Field(field); ok && fieldType.IsPointer() {
		return "$_p_" + field
	}
	switch field {
	case "createdAt":
		return "$_created_at"
	case "updatedAt":
		return "$_updated_at"
	}
	return v
}

// convertToDate coerces date strings, including those nested in operator
// documents such as {$gt: "..."}, to native dates.
func convertToDate(v interface{}) (interface{}, error) {
	if _, ok := asTime(v); ok {
		return v, nil
	}
	if s, ok := v.(string); ok {
		return parseISODate(s)
	}
	if models.TypeOf(v) == "Date" {
		return parseISODate(v)
	}
	if m, ok := helpers.ToMap(v); ok {
		out := bson.M{}
		for k, value := range m {
			converted, err := convertToDate(value)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	}
	return v, nil
}

// normalizeAggregateResult moves the grouping key to objectId. Pointer keys
// lose their "Class$" prefix; empty keys become null.
func normalizeAggregateResult(result bson.M, pointerGroup bool) {
	id, ok := result["_id"]
	if !ok {
		return
	}
	delete(result, "_id")
	if s, isString := id.(string); isString && pointerGroup && s != "" {
		if i := strings.Index(s, "$"); i >= 0 {
			id = s[i+1:]
		}
	}
	switch t := id.(type) {
	case string:
		if t == "" {
			id = nil
		}
	case bson.M:
		if len(t) == 0 {
			id = nil
		}
	case map[string]interface{}:
		if len(t) == 0 {
			id = nil
		}
	case bson.D:
		if len(t) == 0 {
			id = nil
		}
	}
	result["objectId"] = id
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
