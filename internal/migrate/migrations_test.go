package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrank/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, MigrateContext(ctx, conn))
	require.NoError(t, MigrateContext(ctx, conn))

	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
	for _, table := range []string{"tasks", "history", "settings", "events"} {
		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestSchemaRejectsInvalidTasks(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))

	_, err = conn.Exec(`INSERT INTO tasks(type,name,importance,effort_hours,created_at,updated_at)
		VALUES ('garden','x',3,1,'t','t')`)
	assert.Error(t, err)

	_, err = conn.Exec(`INSERT INTO tasks(type,name,importance,effort_hours,parent_id,created_at,updated_at)
		VALUES ('work','orphan',3,1,999,'t','t')`)
	assert.Error(t, err, "foreign keys are enforced")
}
