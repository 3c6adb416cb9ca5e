package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/solarcrm/backend/internal/domain/customer"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
	"github.com/solarcrm/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newMockRecordStore(t *testing.T) (*GormRecordStore, sqlmock.Sqlmock) {
	db, mock, mockDB := newMockDatabase(t)
	t.Cleanup(func() { mockDB.Close() })
	return NewGormRecordStore(db.DB, "customers", customer.FieldNames(), WithClock(func() time.Time { return fixedNow })), mock
}

func TestGormRecordStore_Persist(t *testing.T) {
	ctx := context.Background()

	t.Run("writes only the changed columns", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		mock.ExpectExec(`UPDATE "customers" SET "module_count"=\$1,"notes"=\$2,"updated_at"=\$3 WHERE id = \$4`).
			WithArgs(12, nil, fixedNow, "c1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Persist(ctx, "c1", record.Fields{"module_count": 12, "notes": nil})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is permanent", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		mock.ExpectExec(`UPDATE "customers" SET .* WHERE id = \$3`).
			WithArgs("Bob", fixedNow, "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Persist(ctx, "ghost", record.Fields{"name": "Bob"})
		require.Error(t, err)
		assert.True(t, record.IsPermanent(err))
		assert.True(t, errors.Is(err, shared.ErrNotFound))
	})

	t.Run("unknown column is permanent and sends nothing", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		err := store.Persist(ctx, "c1", record.Fields{"password": "x"})
		require.Error(t, err)
		assert.True(t, record.IsPermanent(err))
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error is transient", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		mock.ExpectExec(`UPDATE "customers"`).WillReturnError(errors.New("connection reset by peer"))

		err := store.Persist(ctx, "c1", record.Fields{"city": "Freiburg"})
		require.Error(t, err)
		assert.False(t, record.IsPermanent(err))
		assert.Contains(t, err.Error(), "failed to persist record c1")
	})

	t.Run("empty change set is a no-op", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		require.NoError(t, store.Persist(ctx, "c1", record.Fields{}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormRecordStore_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts id, fields and timestamps", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		mock.ExpectExec(`INSERT INTO "customers" \("created_at","id","name","status","updated_at"\) VALUES \(\$1,\$2,\$3,\$4,\$5\)`).
			WithArgs(fixedNow, "c9", "Carla", "lead", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Create(ctx, record.New("c9", record.Fields{"name": "Carla", "status": "lead"}))
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate key maps to already exists", func(t *testing.T) {
		store, mock := newMockRecordStore(t)

		mock.ExpectExec(`INSERT INTO "customers"`).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

		err := store.Create(ctx, record.New("c1", record.Fields{"name": "Alice"}))
		assert.True(t, errors.Is(err, shared.ErrAlreadyExists))
	})

	t.Run("requires an id", func(t *testing.T) {
		store, _ := newMockRecordStore(t)

		err := store.Create(ctx, record.New("", record.Fields{"name": "Alice"}))
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))
	})
}

func TestGormRecordStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockRecordStore(t)

	mock.ExpectExec(`DELETE FROM "customers" WHERE id = \$1`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "customers" WHERE id = \$1`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(ctx, "c1"))
	assert.True(t, errors.Is(store.Delete(ctx, "c1"), shared.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormRecordStore_LoadAll(t *testing.T) {
	store, mock := newMockRecordStore(t)

	rows := sqlmock.NewRows([]string{"id", "name", "module_count", "created_at", "internal_flag"}).
		AddRow("c1", "Alice", int64(10), fixedNow, true).
		AddRow("c2", []byte("Bob"), int64(20), fixedNow, false).
		AddRow("", "Nobody", int64(0), fixedNow, false)

	mock.ExpectQuery(`SELECT \* FROM "customers" ORDER BY id`).WillReturnRows(rows)

	records, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "c1", records[0].ID)
	assert.Equal(t, record.Fields{"name": "Alice", "module_count": int64(10)}, records[0].Fields)
	assert.Equal(t, "Bob", records[1].Fields["name"])
}

func TestGormRecordStore_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()

	db, err := NewDatabase(&config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, db.DB, "customers"))

	store := NewGormRecordStore(db.DB, "customers", customer.FieldNames(), WithOwner(db))
	defer store.Close()
	schema := customer.NewSchema()

	require.NoError(t, store.Ping(ctx))

	require.NoError(t, store.Create(ctx, record.New("c1", record.Fields{
		"name":           "Alice",
		"status":         "lead",
		"module_count":   10,
		"system_size_kw": "8.5",
		"notes":          "south roof",
	})))
	require.NoError(t, store.Create(ctx, record.New("c2", record.Fields{"name": "Bob", "status": "quoted", "module_count": 20})))

	err = store.Create(ctx, record.New("c1", record.Fields{"name": "Again", "status": "lead"}))
	assert.True(t, errors.Is(err, shared.ErrAlreadyExists))

	require.NoError(t, store.Persist(ctx, "c1", record.Fields{"module_count": 12, "notes": nil}))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	alice := schema.FromStore(records[0])
	assert.Equal(t, "c1", alice.ID)
	assert.Equal(t, "Alice", alice.Fields["name"])
	assert.Equal(t, 12, alice.Fields["module_count"])
	assert.Equal(t, "8.5", alice.Fields["system_size_kw"])
	assert.Nil(t, alice.Fields["notes"])
	assert.NotContains(t, alice.Fields, "created_at")

	require.NoError(t, store.Delete(ctx, "c2"))
	err = store.Persist(ctx, "c2", record.Fields{"module_count": 21})
	assert.True(t, record.IsPermanent(err))

	records, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
