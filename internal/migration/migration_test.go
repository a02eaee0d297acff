package migration

import (
	"io"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clawtrace/pkg/db"
)

func TestRunAutoMigratesSQLite(t *testing.T) {
	conn := db.NewTest(t)
	require.NoError(t, Run(conn, "sqlite", nil))
	// second run is a no-op
	require.NoError(t, Run(conn, "sqlite", nil))

	for _, table := range []string{"devices", "device_projects", "events", "pricing_overrides", "alert_configs", "alert_states"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	assert.True(t, conn.Migrator().HasIndex("events", "ux_events_identity"))
}

func TestRunRequiresConnection(t *testing.T) {
	assert.Error(t, Run(nil, "postgres", nil))
	_, err := RunMigrations(nil)
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	sub, err := source()
	require.NoError(t, err)
	src, err := iofs.New(sub, ".")
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)

	var versions []uint
	for {
		versions = append(versions, version)

		up, _, err := src.ReadUp(version)
		require.NoError(t, err)
		body, err := io.ReadAll(up)
		require.NoError(t, err)
		up.Close()
		assert.Contains(t, string(body), "CREATE TABLE")

		down, _, err := src.ReadDown(version)
		require.NoError(t, err, "missing down migration for %d", version)
		down.Close()

		version, err = src.Next(version)
		if err != nil {
			break
		}
	}
	assert.Equal(t, []uint{1, 2}, versions)
}
