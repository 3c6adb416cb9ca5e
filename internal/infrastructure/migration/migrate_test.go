package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/solarcrm/backend/internal/domain/customer"
	"github.com/solarcrm/backend/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations_Parse(t *testing.T) {
	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)
}

func TestEmbeddedMigrations_Paired(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, up := range names {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(migrations.FS, down)
		assert.NoError(t, err, "missing rollback for %s", up)
	}
}

func TestCustomersMigration_MatchesStoreColumns(t *testing.T) {
	data, err := fs.ReadFile(migrations.FS, "000001_create_customers.up.sql")
	require.NoError(t, err)
	sql := string(data)

	for _, col := range append(customer.FieldNames(), "created_at", "updated_at") {
		assert.Contains(t, sql, "\n    "+col+" ", col)
	}
}
