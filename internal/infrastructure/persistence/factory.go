package persistence

import (
	"context"
	"fmt"

	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/infrastructure/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreFactory creates the remote record store selected by writeback.backend
type StoreFactory struct {
	cfg     *config.Config
	columns []string
	logger  *zap.Logger
	dbOpts  []DatabaseOption
	dbHooks []func(*gorm.DB) error
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithFactoryLogger sets the logger for the factory
func WithFactoryLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithDatabaseOptions passes options through to NewDatabase
func WithDatabaseOptions(opts ...DatabaseOption) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.dbOpts = append(f.dbOpts, opts...)
	}
}

// WithDBHook runs hook on a freshly opened SQL database, e.g. to register
// tracing or metrics plugins
func WithDBHook(hook func(*gorm.DB) error) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.dbHooks = append(f.dbHooks, hook)
	}
}

// NewStoreFactory creates a factory writing only the given columns
func NewStoreFactory(cfg *config.Config, columns []string, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		cfg:     cfg,
		columns: columns,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateStore opens the configured backend. The returned store owns its
// connection and releases it on Close.
func (f *StoreFactory) CreateStore(ctx context.Context) (record.Store, error) {
	backend := f.cfg.WriteBack.Backend
	switch backend {
	case "redis":
		store, err := NewRedisRecordStore(f.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis record store: %w", err)
		}
		f.logger.Info("Using Redis record store",
			zap.String("addr", f.cfg.Redis.Addr()),
			zap.String("key_prefix", store.keyPrefix),
		)
		return store, nil

	case "postgres", "sqlite":
		return f.createSQLStore(ctx, backend)

	default:
		return nil, fmt.Errorf("unsupported write-back backend %q", backend)
	}
}

func (f *StoreFactory) createSQLStore(ctx context.Context, driver string) (record.Store, error) {
	dbCfg := f.cfg.Database
	dbCfg.Driver = driver

	db, err := NewDatabase(&dbCfg, f.dbOpts...)
	if err != nil {
		return nil, err
	}
	for _, hook := range f.dbHooks {
		if err := hook(db.DB); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize database plugin: %w", err)
		}
	}

	if driver == "sqlite" {
		if err := EnsureSchema(ctx, db.DB, dbCfg.Table); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	f.logger.Info("Using SQL record store",
		zap.String("driver", driver),
		zap.String("table", dbCfg.Table),
	)
	return NewGormRecordStore(db.DB, dbCfg.Table, f.columns, WithOwner(db)), nil
}
