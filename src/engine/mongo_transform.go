package engine

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"objectdb/src/helpers"
	"objectdb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	earthRadiusMiles      = 3958.8
	earthRadiusKilometers = 6371.0
)

var regexOptionsPattern = regexp.MustCompile(`^[imxs]+$`)

// transformKey maps a generic field name to its storage name.
func transformKey(fieldName string, schema *models.ClassSchema) string {
	switch fieldName {
	case "objectId":
		return "_id"
	case "createdAt":
		return "_created_at"
	case "updatedAt":
		return "_updated_at"
	case "sessionToken":
		return "_session_token"
	case "lastUsed":
		return "_last_used"
	case "timesUsed":
		return "times_used"
	case "expiresAt":
		return "_expiresAt"
	}
	if field, ok := schema.Field(fieldName); ok && field.IsPointer() {
		return "_p_" + fieldName
	}
	if strings.HasPrefix(fieldName, "authData.") {
		return "_auth_data_" + strings.TrimPrefix(fieldName, "authData.")
	}
	return fieldName
}

// transformSort maps the keys of a sort specification to storage names.
func transformSort(sort bson.D, schema *models.ClassSchema) bson.D {
	if len(sort) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(sort))
	for _, e := range sort {
		out = append(out, bson.E{Key: transformKey(e.Key, schema), Value: e.Value})
	}
	return out
}

// transformProjection maps requested keys to a storage projection. Unless
// objectId is requested, _id is excluded so covering indexes can serve the
// query.
func transformProjection(keys []string, schema *models.ClassSchema) bson.M {
	if keys == nil {
		return nil
	}
	projection := bson.M{}
	for _, key := range keys {
		if key == "ACL" {
			projection["_rperm"] = 1
			projection["_wperm"] = 1
			continue
		}
		projection[transformKey(key, schema)] = 1
	}
	if _, ok := projection["_id"]; !ok {
		projection["_id"] = 0
	}
	return projection
}

// ---------------------------------------------------------------- atoms

func parseISODate(v interface{}) (time.Time, error) {
	var iso string
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case primitive.DateTime:
		return t.Time(), nil
	case string:
		iso = t
	case map[string]interface{}:
		iso, _ = t["iso"].(string)
	}
	parsed, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return time.Time{}, models.NewError(models.InvalidJSON, fmt.Sprintf("invalid date: %v", v))
	}
	return parsed, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// geoPointCoordinates returns [longitude, latitude] for a GeoPoint value.
func geoPointCoordinates(v interface{}) (bson.A, error) {
	m, ok := helpers.ToMap(v)
	if !ok || models.TypeOf(map[string]interface{}(m)) != "GeoPoint" {
		return nil, models.NewError(models.InvalidJSON, "bad GeoPoint")
	}
	lat, okLat := toFloat(m["latitude"])
	lng, okLng := toFloat(m["longitude"])
	if !okLat || !okLng {
		return nil, models.NewError(models.InvalidJSON, "GeoPoint latitude and longitude must be numbers")
	}
	if lat < -90 || lat > 90 {
		return nil, models.NewError(models.InvalidJSON, "GeoPoint latitude out of bounds")
	}
	if lng < -180 || lng > 180 {
		return nil, models.NewError(models.InvalidJSON, "GeoPoint longitude out of bounds")
	}
	return bson.A{lng, lat}, nil
}

// polygonPoints returns the [longitude, latitude] pairs of a polygon given
// as a Polygon value, a list of GeoPoints or a list of [lat, lng] pairs.
func polygonPoints(v interface{}) (bson.A, error) {
	if models.TypeOf(v) == "Polygon" {
		v = v.(map[string]interface{})["coordinates"]
	}
	items, ok := helpers.ToSlice(v)
	if !ok || len(items) < 3 {
		return nil, models.NewError(models.InvalidJSON, "Polygon must have at least 3 values")
	}
	points := make(bson.A, 0, len(items))
	for _, item := range items {
		if pair, ok := helpers.ToSlice(item); ok && len(pair) == 2 {
			lat, okLat := toFloat(pair[0])
			lng, okLng := toFloat(pair[1])
			if !okLat || !okLng {
				return nil, models.NewError(models.InvalidJSON, "bad Polygon coordinate")
			}
			points = append(points, bson.A{lng, lat})
			continue
		}
		coords, err := geoPointCoordinates(item)
		if err != nil {
			return nil, err
		}
		points = append(points, coords)
	}
	return points, nil
}

func polygonToGeoJSON(v interface{}) (bson.M, error) {
	points, err := polygonPoints(v)
	if err != nil {
		return nil, err
	}
	first := points[0].(bson.A)
	last := points[len(points)-1].(bson.A)
	if first[0] != last[0] || first[1] != last[1] {
		points = append(points, first)
	}
	return bson.M{"type": "Polygon", "coordinates": bson.A{points}}, nil
}

// encodeTopLevelAtom encodes a typed value stored directly under a field.
// ok is false when v is not a typed value.
func encodeTopLevelAtom(v interface{}) (interface{}, bool, error) {
	m, isMap := v.(map[string]interface{})
	if !isMap {
		return nil, false, nil
	}
	switch models.TypeOf(v) {
	case "Pointer":
		className, _ := m["className"].(string)
		objectID, _ := m["objectId"].(string)
		return className + "$" + objectID, true, nil
	case "Date":
		t, err := parseISODate(m)
		return t, true, err
	case "Bytes":
		data, err := base64.StdEncoding.DecodeString(fmt.Sprint(m["base64"]))
		if err != nil {
			return nil, true, models.NewError(models.InvalidJSON, "invalid base64 bytes")
		}
		return primitive.Binary{Data: data}, true, nil
	case "GeoPoint":
		coords, err := geoPointCoordinates(m)
		return coords, true, err
	case "Polygon":
		geo, err := polygonToGeoJSON(m)
		return geo, true, err
	case "File":
		name, _ := m["name"].(string)
		return name, true, nil
	}
	return nil, false, nil
}

// encodeInteriorValue encodes a value nested inside an object or array.
// Pointers keep their typed form there; dates and bytes are converted.
func encodeInteriorValue(v interface{}) (interface{}, error) {
	switch models.TypeOf(v) {
	case "Pointer":
		m := v.(map[string]interface{})
		return bson.M{"__type": "Pointer", "className": m["className"], "objectId": m["objectId"]}, nil
	case "Date", "Bytes":
		out, _, err := encodeTopLevelAtom(v)
		return out, err
	}
	if m, ok := helpers.ToMap(v); ok {
		out := bson.M{}
		for key, value := range m {
			if strings.ContainsAny(key, "$.") {
				return nil, models.NewError(models.InvalidNestedKey, "Nested keys should not contain the '$' or '.' characters")
			}
			encoded, err := encodeInteriorValue(value)
			if err != nil {
				return nil, err
			}
			out[key] = encoded
		}
		return out, nil
	}
	if items, ok := helpers.ToSlice(v); ok {
		out := make(bson.A, 0, len(items))
		for _, item := range items {
			encoded, err := encodeInteriorValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, encoded)
		}
		return out, nil
	}
	return v, nil
}

// encodeValue encodes a value written to a top-level field.
func encodeValue(v interface{}) (interface{}, error) {
	out, ok, err := encodeTopLevelAtom(v)
	if err != nil {
		return nil, err
	}
	if ok {
		return out, nil
	}
	return encodeInteriorValue(v)
}

// ---------------------------------------------------------------- ACL

func aclToStorage(v interface{}) (rperm, wperm []string, acl bson.M, err error) {
	m, ok := helpers.ToMap(v)
	if !ok {
		return nil, nil, nil, models.NewError(models.InvalidJSON, "ACL must be an object")
	}
	rperm, wperm = []string{}, []string{}
	acl = bson.M{}
	for entity, raw := range m {
		perms, ok := helpers.ToMap(raw)
		if !ok {
			continue
		}
		entry := bson.M{}
		if perms["read"] == true {
			rperm = append(rperm, entity)
			entry["r"] = true
		}
		if perms["write"] == true {
			wperm = append(wperm, entity)
			entry["w"] = true
		}
		if len(entry) > 0 {
			acl[entity] = entry
		}
	}
	sort.Strings(rperm)
	sort.Strings(wperm)
	return rperm, wperm, acl, nil
}

func aclFromStorage(rperm, wperm []string) map[string]interface{} {
	acl := map[string]interface{}{}
	entry := func(entity string) map[string]interface{} {
		e, ok := acl[entity].(map[string]interface{})
		if !ok {
			e = map[string]interface{}{}
			acl[entity] = e
		}
		return e
	}
	for _, entity := range rperm {
		entry(entity)["read"] = true
	}
	for _, entity := range wperm {
		entry(entity)["write"] = true
	}
	return acl
}

// ---------------------------------------------------------------- create

// parseObjectToMongoObjectForCreate converts a new object to the document
// stored for it.
func parseObjectToMongoObjectForCreate(object models.Object, schema *models.ClassSchema) (bson.M, error) {
	doc := bson.M{}
	for key, value := range object {
		if models.TypeOf(value) == "Relation" || models.OpOf(value) == "Delete" {
			continue
		}
		switch key {
		case "objectId":
			doc["_id"] = value
		case "createdAt", "updatedAt", "expiresAt", "lastUsed":
			t, err := parseISODate(value)
			if err != nil {
				return nil, err
			}
			doc[transformKey(key, schema)] = t
		case "sessionToken", "timesUsed":
			doc[transformKey(key, schema)] = value
		case "ACL":
			rperm, wperm, acl, err := aclToStorage(value)
			if err != nil {
				return nil, err
			}
			doc["_rperm"] = rperm
			doc["_wperm"] = wperm
			doc["_acl"] = acl
		case "authData":
			providers, ok := helpers.ToMap(value)
			if !ok {
				return nil, models.NewError(models.InvalidJSON, "authData must be an object")
			}
			for provider, data := range providers {
				doc["_auth_data_"+provider] = data
			}
		default:
			storageKey := key
			field, known := schema.Field(key)
			if (known && field.IsPointer()) || models.TypeOf(value) == "Pointer" {
				storageKey = "_p_" + key
			}
			encoded, err := encodeValue(value)
			if err != nil {
				return nil, err
			}
			doc[storageKey] = encoded
		}
	}
	return doc, nil
}

// ---------------------------------------------------------------- update

// transformUpdate converts a generic update to update operators.
func transformUpdate(update models.Update, schema *models.ClassSchema) (bson.M, error) {
	out := bson.M{}
	add := func(op, key string, value interface{}) {
		m, ok := out[op].(bson.M)
		if !ok {
			m = bson.M{}
			out[op] = m
		}
		m[key] = value
	}

	for key, value := range update {
		if models.TypeOf(value) == "Relation" {
			continue
		}
		if key == "ACL" {
			if models.OpOf(value) == "Delete" {
				add("$unset", "_rperm", "")
				add("$unset", "_wperm", "")
				add("$unset", "_acl", "")
				continue
			}
			rperm, wperm, acl, err := aclToStorage(value)
			if err != nil {
				return nil, err
			}
			add("$set", "_rperm", rperm)
			add("$set", "_wperm", wperm)
			add("$set", "_acl", acl)
			continue
		}

		storageKey := transformKey(key, schema)
		if models.TypeOf(value) == "Pointer" && !strings.HasPrefix(storageKey, "_p_") {
			storageKey = "_p_" + key
		}

		op := models.OpOf(value)
		if op == "" {
			var encoded interface{}
			var err error
			switch key {
			case "createdAt", "updatedAt", "expiresAt", "lastUsed":
				encoded, err = parseISODate(value)
			default:
				encoded, err = encodeValue(value)
			}
			if err != nil {
				return nil, err
			}
			add("$set", storageKey, encoded)
			continue
		}

		args := value.(map[string]interface{})
		switch op {
		case "Delete":
			add("$unset", storageKey, "")
		case "Increment":
			if _, ok := toFloat(args["amount"]); !ok {
				return nil, models.NewError(models.InvalidJSON, "incrementing must provide a number")
			}
			add("$inc", storageKey, args["amount"])
		case "SetOnInsert":
			encoded, err := encodeValue(args["amount"])
			if err != nil {
				return nil, err
			}
			add("$setOnInsert", storageKey, encoded)
		case "Add", "AddUnique", "Remove":
			objects, ok := helpers.ToSlice(args["objects"])
			if !ok {
				return nil, models.NewError(models.InvalidJSON, "objects to add must be an array")
			}
			encoded := make(bson.A, 0, len(objects))
			for _, obj := range objects {
				e, err := encodeInteriorValue(obj)
				if err != nil {
					return nil, err
				}
				encoded = append(encoded, e)
			}
			switch op {
			case "Add":
				add("$push", storageKey, bson.M{"$each": encoded})
			case "AddUnique":
				add("$addToSet", storageKey, bson.M{"$each": encoded})
			default:
				add("$pullAll", storageKey, encoded)
			}
		default:
			return nil, models.NewError(models.InvalidJSON, fmt.Sprintf("The %s operator is not supported yet.", op))
		}
	}
	return out, nil
}

// ---------------------------------------------------------------- where

// transformWhere converts a generic query to a storage filter. count is set
// for count queries, which cannot use $nearSphere.
func transformWhere(where models.Query, schema *models.ClassSchema, count bool) (bson.M, error) {
	out := bson.M{}
	for key, value := range where {
		switch key {
		case "$or", "$and", "$nor":
			clauses, ok := helpers.ToSlice(value)
			if !ok {
				return nil, models.NewError(models.InvalidQuery, "bad "+key+" format - use an array value")
			}
			transformed := make(bson.A, 0, len(clauses))
			for _, clause := range clauses {
				sub, ok := helpers.ToMap(clause)
				if !ok {
					return nil, models.NewError(models.InvalidQuery, "bad "+key+" format - use an array of objects")
				}
				t, err := transformWhere(sub, schema, count)
				if err != nil {
					return nil, err
				}
				transformed = append(transformed, t)
			}
			out[key] = transformed
		case "ACL":
			rperm, wperm, _, err := aclToStorage(value)
			if err != nil {
				return nil, err
			}
			out["_rperm"] = rperm
			out["_wperm"] = wperm
		case "_rperm", "_wperm", "_perishable_token", "_email_verify_token":
			out[key] = value
		default:
			k, v, err := transformQueryKeyValue(key, value, schema, count)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
	}
	return out, nil
}

func isConstraint(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	if !ok || models.TypeOf(v) != "" {
		return false
	}
	for key := range m {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}

func transformQueryKeyValue(key string, value interface{}, schema *models.ClassSchema, count bool) (string, interface{}, error) {
	rootField := key
	if i := strings.Index(key, "."); i >= 0 {
		rootField = key[:i]
	}
	field, _ := schema.Field(rootField)
	dotted := rootField != key
	storageKey := key
	if !dotted || strings.HasPrefix(key, "authData.") {
		storageKey = transformKey(key, schema)
	}
	if !dotted && models.TypeOf(value) == "Pointer" && !strings.HasPrefix(storageKey, "_p_") {
		storageKey = "_p_" + key
	}
	isDate := !dotted && (field.Type == models.Date || key == "createdAt" || key == "updatedAt" || key == "expiresAt")

	if isConstraint(value) {
		res, err := transformConstraint(value.(map[string]interface{}), field, isDate, dotted || field.Type == models.Array, count)
		if err != nil {
			return "", nil, err
		}
		if text, ok := res["$text"]; ok {
			return "$text", text, nil
		}
		if elem, ok := res["$elemMatch"]; ok && len(res) == 1 {
			return "$nor", bson.A{bson.M{storageKey: bson.M{"$elemMatch": elem}}}, nil
		}
		return storageKey, res, nil
	}

	if !dotted && field.Type == models.Array {
		if _, isArray := helpers.ToSlice(value); !isArray {
			atom, err := encodeInteriorValue(value)
			if err != nil {
				return "", nil, err
			}
			return storageKey, bson.M{"$all": bson.A{atom}}, nil
		}
	}

	if dotted {
		atom, err := encodeInteriorValue(value)
		return storageKey, atom, err
	}
	if isDate {
		if s, ok := value.(string); ok {
			t, err := parseISODate(s)
			return storageKey, t, err
		}
	}
	atom, ok, err := encodeTopLevelAtom(value)
	if err != nil {
		return "", nil, err
	}
	if ok {
		return storageKey, atom, nil
	}
	if _, isArray := helpers.ToSlice(value); isArray {
		return "", nil, models.NewError(models.InvalidJSON, "cannot use array as query param")
	}
	if _, isMap := helpers.ToMap(value); isMap {
		return "", nil, models.NewError(models.InvalidJSON, fmt.Sprintf("You cannot use %v as a query parameter.", value))
	}
	return storageKey, value, nil
}

// maxDistanceRadians reads whichever $maxDistance variant the constraint
// carries, converted to radians.
func maxDistanceRadians(constraint map[string]interface{}) (float64, bool) {
	if d, ok := toFloat(constraint["$maxDistance"]); ok {
		return d, true
	}
	if d, ok := toFloat(constraint["$maxDistanceInRadians"]); ok {
		return d, true
	}
	if d, ok := toFloat(constraint["$maxDistanceInMiles"]); ok {
		return d / earthRadiusMiles, true
	}
	if d, ok := toFloat(constraint["$maxDistanceInKilometers"]); ok {
		return d / earthRadiusKilometers, true
	}
	return 0, false
}

func transformConstraint(constraint map[string]interface{}, field models.FieldType, isDate, inArray, count bool) (bson.M, error) {
	atom := func(v interface{}) (interface{}, error) {
		if isDate {
			if _, isString := v.(string); isString {
				return parseISODate(v)
			}
		}
		if inArray {
			return encodeInteriorValue(v)
		}
		return encodeValue(v)
	}
	atoms := func(key string, v interface{}) (bson.A, error) {
		items, ok := helpers.ToSlice(v)
		if !ok {
			return nil, models.NewError(models.InvalidJSON, "bad "+key+" value")
		}
		out := make(bson.A, 0, len(items))
		for _, item := range items {
			a, err := atom(item)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}

	answer := bson.M{}
	for key, value := range constraint {
		switch key {
		case "$exists":
			answer[key] = value
		case "$lt", "$lte", "$gt", "$gte", "$ne", "$eq":
			if value == nil {
				answer[key] = nil
				continue
			}
			a, err := atom(value)
			if err != nil {
				return nil, err
			}
			answer[key] = a
		case "$in", "$nin", "$all":
			a, err := atoms(key, value)
			if err != nil {
				return nil, err
			}
			answer[key] = a
		case "$containedBy":
			a, err := atoms(key, value)
			if err != nil {
				return nil, err
			}
			answer["$elemMatch"] = bson.M{"$nin": a}
		case "$regex":
			s, ok := value.(string)
			if !ok {
				return nil, models.NewError(models.InvalidQuery, "bad regex: "+fmt.Sprint(value))
			}
			answer[key] = s
		case "$options":
			s, ok := value.(string)
			if !ok || !regexOptionsPattern.MatchString(s) {
				return nil, models.NewError(models.InvalidQuery, "got a bad $options")
			}
			answer[key] = s
		case "$text":
			text, err := transformTextSearch(value)
			if err != nil {
				return nil, err
			}
			answer[key] = text
		case "$nearSphere":
			coords, err := geoPointCoordinates(value)
			if err != nil {
				return nil, err
			}
			if count {
				distance, _ := maxDistanceRadians(constraint)
				answer["$geoWithin"] = bson.M{"$centerSphere": bson.A{coords, distance}}
				continue
			}
			answer[key] = coords
		case "$maxDistance", "$maxDistanceInRadians", "$maxDistanceInMiles", "$maxDistanceInKilometers":
			if count {
				continue
			}
			distance, ok := maxDistanceRadians(constraint)
			if !ok {
				return nil, models.NewError(models.InvalidJSON, "bad "+key+" value")
			}
			answer["$maxDistance"] = distance
		case "$within":
			within, _ := helpers.ToMap(value)
			box, ok := helpers.ToSlice(within["$box"])
			if !ok || len(box) != 2 {
				return nil, models.NewError(models.InvalidJSON, "malformatted $within arg")
			}
			lower, err := geoPointCoordinates(box[0])
			if err != nil {
				return nil, err
			}
			upper, err := geoPointCoordinates(box[1])
			if err != nil {
				return nil, err
			}
			answer[key] = bson.M{"$box": bson.A{lower, upper}}
		case "$geoWithin":
			within, err := transformGeoWithin(value)
			if err != nil {
				return nil, err
			}
			answer[key] = within
		case "$geoIntersects":
			args, _ := helpers.ToMap(value)
			coords, err := geoPointCoordinates(args["$point"])
			if err != nil {
				return nil, err
			}
			answer[key] = bson.M{"$geometry": bson.M{"type": "Point", "coordinates": coords}}
		default:
			return nil, models.NewError(models.InvalidJSON, "bad constraint: "+key)
		}
	}
	return answer, nil
}

func transformTextSearch(value interface{}) (bson.M, error) {
	text, _ := helpers.ToMap(value)
	search, ok := helpers.ToMap(text["$search"])
	if !ok {
		return nil, models.NewError(models.InvalidJSON, "bad $text: $search, should be object")
	}
	term, ok := search["$term"].(string)
	if !ok {
		return nil, models.NewError(models.InvalidJSON, "bad $text: $term, should be string")
	}
	out := bson.M{"$search": term}
	if lang, present := search["$language"]; present {
		s, ok := lang.(string)
		if !ok {
			return nil, models.NewError(models.InvalidJSON, "bad $text: $language, should be string")
		}
		out["$language"] = s
	}
	for _, flag := range []string{"$caseSensitive", "$diacriticSensitive"} {
		if v, present := search[flag]; present {
			b, ok := v.(bool)
			if !ok {
				return nil, models.NewError(models.InvalidJSON, "bad $text: "+flag+", should be boolean")
			}
			out[flag] = b
		}
	}
	return out, nil
}

func transformGeoWithin(value interface{}) (bson.M, error) {
	args, _ := helpers.ToMap(value)
	if polygon, ok := args["$polygon"]; ok {
		points, err := polygonPoints(polygon)
		if err != nil {
			return nil, err
		}
		return bson.M{"$polygon": points}, nil
	}
	if sphere, ok := helpers.ToSlice(args["$centerSphere"]); ok {
		if len(sphere) != 2 {
			return nil, models.NewError(models.InvalidJSON, "bad $geoWithin value; $centerSphere should be an array of GeoPoint and distance")
		}
		var center bson.A
		if pair, ok := helpers.ToSlice(sphere[0]); ok && len(pair) == 2 {
			center = bson.A{pair[1], pair[0]}
		} else {
			coords, err := geoPointCoordinates(sphere[0])
			if err != nil {
				return nil, err
			}
			center = coords
		}
		distance, ok := toFloat(sphere[1])
		if !ok || distance < 0 {
			return nil, models.NewError(models.InvalidJSON, "bad $geoWithin value; $centerSphere distance invalid")
		}
		return bson.M{"$centerSphere": bson.A{center, distance}}, nil
	}
	return nil, models.NewError(models.InvalidJSON, "bad $geoWithin value; $polygon or $centerSphere required")
}

// ---------------------------------------------------------------- read

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

// decodeInteriorValue converts stored values nested in objects and arrays
// back to their generic form.
func decodeInteriorValue(v interface{}) interface{} {
	if t, ok := asTime(v); ok {
		return models.NewDate(t)
	}
	switch t := v.(type) {
	case primitive.Binary:
		return map[string]interface{}{"__type": "Bytes", "base64": base64.StdEncoding.EncodeToString(t.Data)}
	case primitive.ObjectID:
		return t.Hex()
	}
	if m, ok := helpers.ToMap(v); ok {
		out := make(map[string]interface{}, len(m))
		for key, value := range m {
			out[key] = decodeInteriorValue(value)
		}
		return out
	}
	if items, ok := helpers.ToSlice(v); ok {
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = decodeInteriorValue(item)
		}
		return out
	}
	return v
}

// decodeFieldValue converts a stored top-level value using the declared type.
func decodeFieldValue(v interface{}, field models.FieldType) interface{} {
	switch field.Type {
	case models.GeoPoint:
		if coords, ok := helpers.ToSlice(v); ok && len(coords) == 2 {
			lng, _ := toFloat(coords[0])
			lat, _ := toFloat(coords[1])
			return models.NewGeoPoint(lat, lng)
		}
	case models.Polygon:
		geo, _ := helpers.ToMap(v)
		rings, _ := helpers.ToSlice(geo["coordinates"])
		if len(rings) > 0 {
			ring, _ := helpers.ToSlice(rings[0])
			coords := make([]interface{}, 0, len(ring))
			for _, point := range ring {
				pair, _ := helpers.ToSlice(point)
				if len(pair) == 2 {
					coords = append(coords, []interface{}{pair[1], pair[0]})
				}
			}
			return map[string]interface{}{"__type": "Polygon", "coordinates": coords}
		}
	case models.File:
		if name, ok := v.(string); ok {
			return models.NewFile(name)
		}
	}
	return decodeInteriorValue(v)
}

// transformPointerString decodes a stored "Class$id" pointer of fieldName.
func transformPointerString(schema *models.ClassSchema, fieldName string, pointer string) (map[string]interface{}, error) {
	parts := strings.SplitN(pointer, "$", 2)
	if len(parts) != 2 {
		return nil, models.NewError(models.InvalidJSON, "malformed pointer: "+pointer)
	}
	if field, ok := schema.Field(fieldName); ok && field.TargetClass != parts[0] {
		return nil, models.NewError(models.IncorrectType, "pointer to incorrect className")
	}
	return models.NewPointer(parts[0], parts[1]), nil
}

// mongoObjectToParseObject converts a stored document back to its generic
// form. Permission fields are folded into ACL and never returned.
func mongoObjectToParseObject(doc bson.M, schema *models.ClassSchema) models.Object {
	if doc == nil {
		return nil
	}
	out := models.Object{}
	var rperm, wperm []string
	hasPerms := false

	for key, value := range doc {
		switch key {
		case "_id":
			if oid, ok := value.(primitive.ObjectID); ok {
				value = oid.Hex()
			}
			out["objectId"] = value
		case "_created_at", "_updated_at":
			name := "createdAt"
			if key == "_updated_at" {
				name = "updatedAt"
			}
			if t, ok := asTime(value); ok {
				out[name] = models.FormatTime(t)
			} else {
				out[name] = value
			}
		case "_expiresAt", "_last_used":
			name := "expiresAt"
			if key == "_last_used" {
				name = "lastUsed"
			}
			out[name] = decodeInteriorValue(value)
		case "_session_token":
			out["sessionToken"] = value
		case "times_used":
			out["timesUsed"] = value
		case "_rperm":
			rperm = helpers.ToStrings(value)
			hasPerms = true
		case "_wperm":
			wperm = helpers.ToStrings(value)
			hasPerms = true
		case "_acl":
		default:
			switch {
			case strings.HasPrefix(key, "_auth_data_"):
				authData, _ := out["authData"].(map[string]interface{})
				if authData == nil {
					authData = map[string]interface{}{}
					out["authData"] = authData
				}
				authData[strings.TrimPrefix(key, "_auth_data_")] = decodeInteriorValue(value)
			case strings.HasPrefix(key, "_p_"):
				fieldName := strings.TrimPrefix(key, "_p_")
				field, ok := schema.Field(fieldName)
				s, isString := value.(string)
				if !ok || !field.IsPointer() || !isString {
					// pointer columns missing from the schema are dropped
					continue
				}
				pointer, err := transformPointerString(schema, fieldName, s)
				if err != nil {
					continue
				}
				out[fieldName] = pointer
			default:
				if field, ok := schema.Field(key); ok {
					out[key] = decodeFieldValue(value, field)
				} else {
					out[key] = decodeInteriorValue(value)
				}
			}
		}
	}

	if schema != nil {
		for name, field := range schema.Fields {
			if field.Type == models.Relation {
				out[name] = models.NewRelation(field.TargetClass)
			}
		}
	}
	if hasPerms {
		out["ACL"] = aclFromStorage(rperm, wperm)
	}
	return out
}
