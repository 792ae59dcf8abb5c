package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"serotonyl.ru/qvote/internal/store"
	"serotonyl.ru/qvote/internal/store/sqlite"
	"serotonyl.ru/qvote/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		st, err := sqlite.Open("")
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "qvote.db")
	st, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Close())

	// reopening runs the migrations again on an existing schema
	st, err = sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
