package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := NewError(ObjectNotFound, "Object not found.")
	assert.Equal(t, "OBJECT_NOT_FOUND: Object not found.", err.Error())

	dup := &Error{Code: DuplicateValue, Message: "A duplicate value for a field with unique values was provided", DuplicatedField: "email"}
	assert.Equal(t, "DUPLICATE_VALUE: A duplicate value for a field with unique values was provided (field email)", dup.Error())

	assert.Equal(t, "ErrorCode(999)", ErrorCode(999).String())
}

func TestWrapErrorKeepsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := fmt.Errorf("deleting: %w", WrapError(InternalServerError, "Database adapter error", cause))

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsErrorCode(err, InternalServerError))
	assert.False(t, IsErrorCode(err, ObjectNotFound))
	assert.False(t, IsErrorCode(cause, InternalServerError))
}

func TestDefaultCLPsAreOpen(t *testing.T) {
	clps := DefaultCLPs()
	for _, op := range clpOperations {
		assert.Equal(t, map[string]interface{}{"*": true}, clps[op], op)
	}
	empty := EmptyCLPs()
	for _, op := range clpOperations {
		assert.Equal(t, map[string]interface{}{}, empty[op], op)
	}
}

func TestClassSchemaClone(t *testing.T) {
	schema := NewClassSchema("Note")
	schema.Fields["body"] = FieldType{Type: String, Options: map[string]interface{}{"required": true}}
	schema.Indexes["body_1"] = nil
	schema.ClassLevelPermissions = DefaultCLPs()

	clone := schema.Clone()
	assert.Equal(t, schema, clone)

	clone.Fields["body"].Options["required"] = false
	clone.Fields["extra"] = FieldType{Type: Number}
	delete(clone.ClassLevelPermissions, "find")

	assert.Equal(t, true, schema.Fields["body"].Options["required"])
	assert.NotContains(t, schema.Fields, "extra")
	assert.Contains(t, schema.ClassLevelPermissions, "find")

	var missing *ClassSchema
	assert.Nil(t, missing.Clone())
	_, ok := missing.Field("body")
	assert.False(t, ok)
}

func TestTypedValues(t *testing.T) {
	assert.Equal(t, "Pointer", TypeOf(NewPointer("_User", "u1")))
	assert.Equal(t, "GeoPoint", TypeOf(NewGeoPoint(1, 2)))
	assert.Equal(t, "", TypeOf("plain"))
	assert.Equal(t, "Increment", OpOf(map[string]interface{}{"__op": "Increment", "amount": 1}))
	assert.Equal(t, "", OpOf(42))
}

func TestObjectFieldKindAndObjectValue(t *testing.T) {
	schema := NewClassSchema("Game")
	schema.Fields["meta"] = FieldType{Type: ObjectType}

	field, ok := schema.Field("meta")
	assert.True(t, ok)
	assert.Equal(t, FieldKind("Object"), field.Type)

	object := Object{"meta": map[string]interface{}{"level": 3}}
	assert.Equal(t, map[string]interface{}{"level": 3}, object["meta"])
}
