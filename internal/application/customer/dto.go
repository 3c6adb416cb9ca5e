package customer

import (
	"time"

	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/infrastructure/cache"
)

// PendingEntry is one unflushed update as shown to an operator
type PendingEntry struct {
	ID         string        `json:"id"`
	Changes    record.Fields `json:"changes"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// ReloadResult reports the outcome of the last full reload
type ReloadResult struct {
	cache.LoadResult
	At time.Time `json:"at"`
}

// SyncStatus describes how far the remote store lags behind the cache
type SyncStatus struct {
	Cached      int                 `json:"cached"`
	Pending     []PendingEntry      `json:"pending"`
	Flush       cache.FlushStats    `json:"flush"`
	LostTotal   int64               `json:"lost_total"`
	LostUpdates []record.LostUpdate `json:"lost_updates"`
	LastReload  *ReloadResult       `json:"last_reload,omitempty"`
}
