package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
	"github.com/solarcrm/backend/internal/infrastructure/logger"
	"github.com/solarcrm/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	createdAtColumn = "created_at"
	updatedAtColumn = "updated_at"
)

// GormRecordStore persists schema-less records to one SQL table.
// Only whitelisted columns are ever written; a partial update touches exactly
// the columns named in the change set plus updated_at.
type GormRecordStore struct {
	db      *gorm.DB
	table   string
	columns map[string]struct{}
	now     func() time.Time
	owner   io.Closer
}

// GormRecordStoreOption configures a GormRecordStore
type GormRecordStoreOption func(*GormRecordStore)

// WithClock overrides the clock used for created_at and updated_at
func WithClock(now func() time.Time) GormRecordStoreOption {
	return func(s *GormRecordStore) {
		s.now = now
	}
}

// WithOwner makes Close release the given resource
func WithOwner(c io.Closer) GormRecordStoreOption {
	return func(s *GormRecordStore) {
		s.owner = c
	}
}

// NewGormRecordStore creates a store over table, writing only the named columns
func NewGormRecordStore(db *gorm.DB, table string, columns []string, opts ...GormRecordStoreOption) *GormRecordStore {
	s := &GormRecordStore{
		db:      db,
		table:   table,
		columns: make(map[string]struct{}, len(columns)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, c := range columns {
		s.columns[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates or extends the customer table. Postgres deployments
// run migrations instead; this is for sqlite and tests.
func EnsureSchema(ctx context.Context, db *gorm.DB, table string) error {
	if err := db.WithContext(ctx).Table(table).AutoMigrate(&models.CustomerModel{}); err != nil {
		return fmt.Errorf("failed to migrate table %s: %w", table, err)
	}
	return nil
}

// LoadAll reads every row ordered by id
func (s *GormRecordStore) LoadAll(ctx context.Context) ([]record.Record, error) {
	var rows []map[string]any
	if err := s.db.WithContext(ctx).Table(s.table).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load records from %s: %w", s.table, err)
	}

	records := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		id := columnString(row[record.IDField])
		if id == "" {
			continue
		}
		fields := make(record.Fields, len(s.columns))
		for col, v := range row {
			if _, ok := s.columns[col]; !ok {
				continue
			}
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			fields[col] = v
		}
		records = append(records, record.Record{ID: id, Fields: fields})
	}
	return records, nil
}

// Persist writes the changed columns of one row. A missing row or an unknown
// column is permanent; anything the database reports is treated as transient.
func (s *GormRecordStore) Persist(ctx context.Context, id string, changes record.Fields) error {
	if len(changes) == 0 {
		return nil
	}
	values, err := s.columnValues(changes)
	if err != nil {
		return record.Permanent(err)
	}
	values[updatedAtColumn] = s.now()

	ctx = logger.WithRecordID(ctx, id)
	result := s.db.WithContext(ctx).Table(s.table).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to persist record %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return record.Permanent(shared.ErrNotFound.WithMessage("record %s does not exist in %s", id, s.table))
	}
	return nil
}

// Create inserts a full row
func (s *GormRecordStore) Create(ctx context.Context, rec record.Record) error {
	if rec.ID == "" {
		return shared.ErrInvalidInput.WithMessage("record id is required")
	}
	values, err := s.columnValues(rec.Fields)
	if err != nil {
		return err
	}
	now := s.now()
	values[record.IDField] = rec.ID
	values[createdAtColumn] = now
	values[updatedAtColumn] = now

	ctx = logger.WithRecordID(ctx, rec.ID)
	err = s.db.WithContext(ctx).Table(s.table).Create(values).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists.WithMessage("record %s already exists", rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create record %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes one row
func (s *GormRecordStore) Delete(ctx context.Context, id string) error {
	ctx = logger.WithRecordID(ctx, id)
	result := s.db.WithContext(ctx).Exec("DELETE FROM ? WHERE id = ?", clause.Table{Name: s.table}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound.WithMessage("record %s not found", id)
	}
	return nil
}

// Ping checks the database connection
func (s *GormRecordStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database when the store owns it
func (s *GormRecordStore) Close() error {
	if s.owner == nil {
		return nil
	}
	return s.owner.Close()
}

func (s *GormRecordStore) columnValues(fields record.Fields) (map[string]any, error) {
	values := make(map[string]any, len(fields)+2)
	for col, v := range fields {
		if _, ok := s.columns[col]; !ok {
			return nil, shared.ErrInvalidInput.WithMessage("unknown column %q", col)
		}
		values[col] = v
	}
	return values, nil
}

func columnString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case []byte:
		return string(id)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
