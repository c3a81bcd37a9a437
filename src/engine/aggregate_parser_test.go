package engine

import (
	"testing"
	"time"

	"objectdb/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestRewriteMatchStage(t *testing.T) {
	r := aggregateRewriter{schema: gameSchema()}
	out, pointerGroup, err := r.rewritePipeline([]interface{}{
		map[string]interface{}{"$match": map[string]interface{}{
			"author":    "u1",
			"objectId":  "abc",
			"createdAt": map[string]interface{}{"$gt": sampleISO},
			"count":     map[string]interface{}{"$gte": 3},
		}},
	})
	require.NoError(t, err)
	assert.False(t, pointerGroup)
	require.Len(t, out, 1)

	match := out[0].(bson.M)["$match"].(bson.M)
	gt, ok := match["_created_at"].(bson.M)["$gt"].(time.Time)
	require.True(t, ok)
	assert.True(t, sampleTime.Equal(gt))
	delete(match, "_created_at")

	assert.Equal(t, bson.M{
		"_p_author": "_User$u1",
		"_id":       "abc",
		"count":     bson.M{"$gte": 3},
	}, match)
}

func TestRewriteMatchRejectsBadDate(t *testing.T) {
	r := aggregateRewriter{schema: gameSchema()}
	_, _, err := r.rewritePipeline([]interface{}{
		map[string]interface{}{"$match": map[string]interface{}{"createdAt": "not a date"}},
	})
	require.Error(t, err)
	assert.True(t, models.IsErrorCode(err, models.InvalidJSON))
}

func TestRewriteGroupStage(t *testing.T) {
	r := aggregateRewriter{schema: gameSchema()}
	out, pointerGroup, err := r.rewritePipeline([]interface{}{
		map[string]interface{}{"$group": map[string]interface{}{
			"_id":   "$author",
			"total": map[string]interface{}{"$sum": "$count"},
		}},
	})
	require.NoError(t, err)
	assert.True(t, pointerGroup)
	assert.Equal(t, []interface{}{bson.M{"$group": bson.M{
		"_id":   "$_p_author",
		"total": bson.M{"$sum": "$count"},
	}}}, out)

	out, pointerGroup, err = r.rewritePipeline([]interface{}{
		map[string]interface{}{"$group": map[string]interface{}{
			"_id":    map[string]interface{}{"day": map[string]interface{}{"$dayOfMonth": "$createdAt"}},
			"latest": map[string]interface{}{"$max": "$updatedAt"},
		}},
	})
	require.NoError(t, err)
	assert.False(t, pointerGroup)
	assert.Equal(t, []interface{}{bson.M{"$group": bson.M{
		"_id":    bson.M{"day": bson.M{"$dayOfMonth": "$_created_at"}},
		"latest": bson.M{"$max": "$_updated_at"},
	}}}, out)
}

func TestRewriteProjectStage(t *testing.T) {
	r := aggregateRewriter{schema: gameSchema()}
	out, _, err := r.rewritePipeline([]interface{}{
		map[string]interface{}{"$project": map[string]interface{}{"author": 1, "createdAt": 1, "body": 1}},
		map[string]interface{}{"$limit": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{
		bson.M{"$project": bson.M{"_p_author": 1, "_created_at": 1, "body": 1}},
		bson.M{"$limit": 5},
	}, out)
}

func TestRewriteGeoNearQuery(t *testing.T) {
	r := aggregateRewriter{schema: gameSchema()}
	near := map[string]interface{}{"type": "Point", "coordinates": []interface{}{1.0, 2.0}}
	out, _, err := r.rewritePipeline([]interface{}{
		map[string]interface{}{"$geoNear": map[string]interface{}{
			"near":  near,
			"query": map[string]interface{}{"author": "u1"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{bson.M{"$geoNear": bson.M{
		"near":  near,
		"query": bson.M{"_p_author": "_User$u1"},
	}}}, out)
}

func TestRewriteRejectsNonObjectStage(t *testing.T) {
	r := aggregateRewriter{schema: gameSchema()}
	_, _, err := r.rewritePipeline([]interface{}{"$match"})
	require.Error(t, err)
	assert.True(t, models.IsErrorCode(err, models.InvalidQuery))
}

func TestNormalizeAggregateResult(t *testing.T) {
	tests := []struct {
		name         string
		in           bson.M
		pointerGroup bool
		want         bson.M
	}{
		{"pointer key", bson.M{"_id": "_User$abc", "total": 3}, true, bson.M{"objectId": "abc", "total": 3}},
		{"plain key", bson.M{"_id": "a$b"}, false, bson.M{"objectId": "a$b"}},
		{"empty string", bson.M{"_id": ""}, false, bson.M{"objectId": nil}},
		{"empty document", bson.M{"_id": bson.M{}}, false, bson.M{"objectId": nil}},
		{"null key", bson.M{"_id": nil, "n": 1}, false, bson.M{"objectId": nil, "n": 1}},
		{"no key", bson.M{"n": 1}, false, bson.M{"n": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalizeAggregateResult(tt.in, tt.pointerGroup)
			assert.Equal(t, tt.want, tt.in)
		})
	}
}
