package handler

import (
	"errors"
	"net/http"
	"testing"

	customerapp "github.com/solarcrm/backend/internal/application/customer"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/infrastructure/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSyncHandler_FlushPersistsPending(t *testing.T) {
	f := newAPIFixture(t)
	f.store.On("Persist", mock.Anything, "c1", record.Fields{"notes": "call after 5pm"}).Return(nil).Once()

	w := f.do(http.MethodPatch, "/api/v1/customers/c1", `{"notes": "call after 5pm"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/sync/flush", "")
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeData[cache.DrainResult](t, w)
	assert.Equal(t, 1, result.Persisted)

	status := decodeData[customerapp.SyncStatus](t, f.do(http.MethodGet, "/api/v1/sync/status", ""))
	assert.Empty(t, status.Pending)
	assert.Equal(t, int64(1), status.Flush.Persisted)
	f.store.AssertExpectations(t)
}

func TestSyncHandler_StatusReportsLostUpdate(t *testing.T) {
	f := newAPIFixture(t)
	f.store.On("Persist", mock.Anything, "c2", mock.Anything).Return(errors.New("backend 503")).Once()

	w := f.do(http.MethodPatch, "/api/v1/customers/c2", `{"city": "Mesa"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// MaxRetries is 0 in the fixture, so one failure drops the update
	result := decodeData[cache.DrainResult](t, f.do(http.MethodPost, "/api/v1/sync/flush", ""))
	assert.Equal(t, 1, result.Dropped)

	w = f.do(http.MethodGet, "/api/v1/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeData[customerapp.SyncStatus](t, w)
	assert.Empty(t, status.Pending)
	assert.Equal(t, int64(1), status.LostTotal)
	require.Len(t, status.LostUpdates, 1)
	assert.Equal(t, "c2", status.LostUpdates[0].ID)
	assert.Equal(t, "backend 503", status.LostUpdates[0].LastError)
	require.NotNil(t, status.LastReload)
	assert.Equal(t, 2, status.LastReload.Loaded)
}
