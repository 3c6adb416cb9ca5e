package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_Merge(t *testing.T) {
	base := Fields{"name": "Alice", "module_count": 10}
	base.Merge(Fields{"module_count": 12, "notes": nil})

	assert.Equal(t, Fields{"name": "Alice", "module_count": 12, "notes": nil}, base)
}

func TestFields_MergeUnder(t *testing.T) {
	fresh := Fields{"module_count": 14}
	fresh.MergeUnder(Fields{"module_count": 12, "status": "quoted"})

	assert.Equal(t, Fields{"module_count": 14, "status": "quoted"}, fresh)
}

func TestFields_Clone(t *testing.T) {
	var nilFields Fields
	assert.Nil(t, nilFields.Clone())

	orig := Fields{"a": 1}
	cp := orig.Clone()
	cp["a"] = 2
	assert.Equal(t, 1, orig["a"])
}

func TestFields_Keys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Fields{"c": 1, "a": 2, "b": 3}.Keys())
}

func TestNew(t *testing.T) {
	in := Fields{"id": "ignored", "name": "Bob"}
	rec := New("c1", in)

	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, Fields{"name": "Bob"}, rec.Fields)
	// caller's map is untouched
	assert.Contains(t, in, "id")

	empty := New("c2", nil)
	assert.NotNil(t, empty.Fields)
}

func TestRecord_Clone(t *testing.T) {
	rec := New("c1", Fields{"module_count": 10})
	cp := rec.Clone()
	cp.Fields["module_count"] = 99

	assert.Equal(t, 10, rec.Fields["module_count"])
}

func TestRecord_Get(t *testing.T) {
	rec := New("c1", Fields{"name": "Carol"})

	id, ok := rec.Get("id")
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	name, ok := rec.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "Carol", name)

	_, ok = rec.Get("missing")
	assert.False(t, ok)
}

func TestRecord_JSON(t *testing.T) {
	rec := New("c1", Fields{"module_count": 10, "notes": nil})

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","module_count":10,"notes":null}`, string(data))

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "c1", back.ID)
	assert.Equal(t, float64(10), back.Fields["module_count"])
	assert.NotContains(t, back.Fields, "id")

	t.Run("missing id", func(t *testing.T) {
		var r Record
		assert.Error(t, json.Unmarshal([]byte(`{"name":"x"}`), &r))
	})

	t.Run("non string id", func(t *testing.T) {
		var r Record
		assert.Error(t, json.Unmarshal([]byte(`{"id":5}`), &r))
	})
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("row does not exist")
	err := fmt.Errorf("persist c1: %w", Permanent(base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Equal(t, "persist c1: row does not exist", err.Error())
}
