package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	// Compile-time check via assignment
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
}

func TestFieldsSortedKeys(t *testing.T) {
	f := Fields{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}

	assert.Equal(t, []string{"apple", "banana", "zebra"}, f.SortedKeys())
}

func TestFieldsSortedKeysUppercaseFirst(t *testing.T) {
	f := Fields{"a": Int(1), "A": Int(2), "aa": Int(3), "Aa": Int(4)}

	// 'A' = 65 < 'a' = 97
	assert.Equal(t, []string{"A", "Aa", "a", "aa"}, f.SortedKeys())
}

func TestFieldsEqual_NullAndMissing(t *testing.T) {
	a := Fields{"name": String("Ada"), "email": Null{}}
	b := Fields{"name": String("Ada")}

	assert.True(t, a.Equal(b), "explicit null equals missing field")
	assert.True(t, b.Equal(a))
	assert.False(t, a.Equal(Fields{"name": String("Grace")}))
	assert.False(t, b.Equal(Fields{"name": String("Ada"), "email": String("x")}))
}

func TestFieldsMerge(t *testing.T) {
	base := Fields{"name": String("Ada"), "favorite": Bool(false)}
	merged := base.Merge(Fields{"favorite": Bool(true)})

	assert.Equal(t, Bool(true), merged["favorite"])
	assert.Equal(t, String("Ada"), merged["name"])
	assert.Equal(t, Bool(false), base["favorite"], "merge must not mutate receiver")
}

func TestFieldsJSONRoundTrip(t *testing.T) {
	f := Fields{
		"name":     String("Ada"),
		"count":    Int(9007199254740993), // > 2^53, must not lose precision
		"favorite": Bool(true),
		"email":    Null{},
	}

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"count":9007199254740993,"email":null,"favorite":true,"name":"Ada"}`, string(data))

	var back Fields
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
}

func TestUnmarshalValue_RejectsFloatsAndNesting(t *testing.T) {
	for _, input := range []string{"3.14", "1e3", `[1]`, `{"a":1}`} {
		t.Run(input, func(t *testing.T) {
			_, err := UnmarshalValue([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestCompareValues(t *testing.T) {
	cmp, ok := CompareValues(String("2026-01-01"), String("2026-02-01"))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = CompareValues(Int(5), Int(5))
	require.True(t, ok)
	assert.Equal(t, 0, cmp)

	cmp, ok = CompareValues(Bool(true), Bool(false))
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = CompareValues(Int(1), String("1"))
	assert.False(t, ok, "different types are not comparable")

	_, ok = CompareValues(Null{}, Null{})
	assert.False(t, ok, "null is not comparable")
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "null", TypeName(nil))
	assert.Equal(t, "null", TypeName(Null{}))
	assert.Equal(t, "string", TypeName(String("")))
	assert.Equal(t, "int", TypeName(Int(0)))
	assert.Equal(t, "bool", TypeName(Bool(false)))
}
