package sigcache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestCanonicalJSONSortsKeysAtEveryDepth(t *testing.T) {
	a := decode(t, `{"b":1,"a":{"z":true,"y":[{"k2":2,"k1":1}]}}`)
	b := decode(t, `{"a":{"y":[{"k1":1,"k2":2}],"z":true},"b":1}`)
	assert.Equal(t, CanonicalJSON(a), CanonicalJSON(b))
}

func TestCanonicalJSONIntegralFloats(t *testing.T) {
	assert.Equal(t, `{"n":1}`, CanonicalJSON(map[string]interface{}{"n": float64(1)}))
	assert.Equal(t, `{"n":1.5}`, CanonicalJSON(map[string]interface{}{"n": 1.5}))
}

func TestCanonicalJSONArrayOrderPreserved(t *testing.T) {
	a := decode(t, `[1,2,3]`)
	b := decode(t, `[3,2,1]`)
	assert.NotEqual(t, CanonicalJSON(a), CanonicalJSON(b))
}

func TestContentHashStableAcrossKeyOrder(t *testing.T) {
	a := decode(t, `{"text":"hi","type":"text"}`)
	b := decode(t, `{"type":"text","text":"hi"}`)
	assert.Equal(t, ContentHash(a), ContentHash(b))
	assert.Len(t, ContentHash(a), 64)
}

func TestContentHashDiffersPerContent(t *testing.T) {
	a := decode(t, `{"text":"hi","type":"text"}`)
	b := decode(t, `{"text":"bye","type":"text"}`)
	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}
