package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMigrationRunner(t *testing.T) {
	origUp, origVersion := gooseUp, gooseVersion
	t.Cleanup(func() {
		gooseUp, gooseVersion = origUp, origVersion
	})

	t.Run("applies migrations from the embedded root", func(t *testing.T) {
		var gotDir string
		gooseUp = func(_ context.Context, _ *sql.DB, dir string) error {
			gotDir = dir
			return nil
		}
		gooseVersion = func(context.Context, *sql.DB, string) (int64, error) { return 1, nil }

		mr := NewMigrationRunner(nil, zap.NewNop())
		require.NoError(t, mr.run(context.Background(), nil))
		assert.Equal(t, ".", gotDir)
	})

	t.Run("wraps migration failures", func(t *testing.T) {
		boom := errors.New("boom")
		gooseUp = func(context.Context, *sql.DB, string) error { return boom }

		mr := NewMigrationRunner(nil, nil)
		err := mr.run(context.Background(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "failed to apply migrations")
	})
}
