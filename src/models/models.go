package models

import (
	"go.mongodb.org/mongo-driver/bson"
)

// FieldKind names the type of a class field.
type FieldKind string

const (
	String     FieldKind = "String"
	Number     FieldKind = "Number"
	Boolean    FieldKind = "Boolean"
	Date       FieldKind = "Date"
	ObjectType FieldKind = "Object"
	Array      FieldKind = "Array"
	GeoPoint   FieldKind = "GeoPoint"
	Polygon    FieldKind = "Polygon"
	File       FieldKind = "File"
	Bytes      FieldKind = "Bytes"
	ACL        FieldKind = "ACL"
	Pointer    FieldKind = "Pointer"
	Relation   FieldKind = "Relation"
)

// UserClassName is the distinguished class holding user accounts.
const UserClassName = "_User"

// FieldType describes a single field of a class.
type FieldType struct {
	Type FieldKind

	// TargetClass is only set for Pointer and Relation fields.
	TargetClass string

	// Options carries per-field settings such as "required" or "defaultValue".
	// They are persisted apart from the type itself.
	Options map[string]interface{}
}

// IsPointer reports whether the field holds a pointer to another class.
func (f FieldType) IsPointer() bool {
	return f.Type == Pointer
}

// HasOptions reports whether any field option is set.
func (f FieldType) HasOptions() bool {
	return len(f.Options) > 0
}

// ClassSchema is the generic description of a class, independent of how a
// storage adapter lays it out.
type ClassSchema struct {
	ClassName string

	// Fields maps field names to their types. The system fields objectId,
	// createdAt, updatedAt and ACL are always present when read back from
	// storage.
	Fields map[string]FieldType

	ClassLevelPermissions ClassLevelPermissions

	// Indexes maps index names to their key specification.
	Indexes map[string]bson.D
}

// NewClassSchema creates an empty schema for className.
func NewClassSchema(className string) *ClassSchema {
	return &ClassSchema{
		ClassName: className,
		Fields:    make(map[string]FieldType),
		Indexes:   make(map[string]bson.D),
	}
}

// Field returns the type of fieldName and whether it exists.
func (s *ClassSchema) Field(fieldName string) (FieldType, bool) {
	if s == nil || s.Fields == nil {
		return FieldType{}, false
	}
	f, ok := s.Fields[fieldName]
	return f, ok
}

// Clone returns a copy that can be modified without touching s.
func (s *ClassSchema) Clone() *ClassSchema {
	if s == nil {
		return nil
	}
	out := &ClassSchema{
		ClassName: s.ClassName,
		Fields:    make(map[string]FieldType, len(s.Fields)),
		Indexes:   make(map[string]bson.D, len(s.Indexes)),
	}
	for name, field := range s.Fields {
		if field.Options != nil {
			opts := make(map[string]interface{}, len(field.Options))
			for k, v := range field.Options {
				opts[k] = v
			}
			field.Options = opts
		}
		out.Fields[name] = field
	}
	for name, keys := range s.Indexes {
		out.Indexes[name] = append(bson.D(nil), keys...)
	}
	if s.ClassLevelPermissions != nil {
		out.ClassLevelPermissions = make(ClassLevelPermissions, len(s.ClassLevelPermissions))
		for op, perm := range s.ClassLevelPermissions {
			out.ClassLevelPermissions[op] = perm
		}
	}
	return out
}

// DefaultFields returns the system fields carried implicitly by every class.
func DefaultFields() map[string]FieldType {
	return map[string]FieldType{
		"objectId":  {Type: String},
		"createdAt": {Type: Date},
		"updatedAt": {Type: Date},
		"ACL":       {Type: ACL},
	}
}

// ClassLevelPermissions maps an operation (find, get, create, ...) to its
// allow-list.
type ClassLevelPermissions map[string]interface{}

var clpOperations = []string{"find", "count", "get", "create", "update", "delete", "addField"}

// DefaultCLPs returns permissions that allow every operation to everyone.
func DefaultCLPs() ClassLevelPermissions {
	clps := ClassLevelPermissions{}
	for _, op := range clpOperations {
		clps[op] = map[string]interface{}{"*": true}
	}
	clps["protectedFields"] = map[string]interface{}{"*": []interface{}{}}
	return clps
}

// EmptyCLPs returns permissions that deny every operation.
func EmptyCLPs() ClassLevelPermissions {
	clps := ClassLevelPermissions{}
	for _, op := range clpOperations {
		clps[op] = map[string]interface{}{}
	}
	clps["protectedFields"] = map[string]interface{}{}
	return clps
}

// IndexRequest is one entry of a submitted index set: either the keys of an
// index to create or a request to delete the index with that name.
type IndexRequest struct {
	Keys   bson.D
	Delete bool
}
