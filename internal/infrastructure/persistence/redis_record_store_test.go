package persistence

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeChanges(t *testing.T) {
	set, del, err := encodeChanges(record.Fields{
		"name":           "Alice",
		"module_count":   12,
		"system_size_kw": "8.5",
		"notes":          nil,
	})
	require.NoError(t, err)

	assert.Equal(t, []any{"module_count", "12", "name", `"Alice"`, "system_size_kw", `"8.5"`}, set)
	assert.Equal(t, []string{"notes"}, del)
}

func TestEncodeChanges_Unencodable(t *testing.T) {
	_, _, err := encodeChanges(record.Fields{"notes": make(chan int)})
	assert.True(t, errors.Is(err, shared.ErrInvalidInput))
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{`"Alice"`, "Alice"},
		{`12`, 12},
		{`8.25`, 8.25},
		{`true`, true},
		{`null`, nil},
	}
	for _, tt := range tests {
		got, err := decodeValue(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := decodeValue(`{broken`)
	assert.Error(t, err)
}

func TestDecodeHash_SkipsID(t *testing.T) {
	fields, err := decodeHash(map[string]string{"id": `"c1"`, "name": `"Alice"`, "module_count": "10"})
	require.NoError(t, err)
	assert.Equal(t, record.Fields{"name": "Alice", "module_count": 10}, fields)
}

func TestRedisRecordStore_Keys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	store := NewRedisRecordStoreWithClient(client, "")
	assert.Equal(t, "solar:customer:id:c1", store.recordKey("c1"))
	assert.Equal(t, "solar:customer:index", store.indexKey())

	store = NewRedisRecordStoreWithClient(client, "test:")
	assert.Equal(t, "test:id:c1", store.recordKey("c1"))
}
