package sqlite

import (
	"testing"

	"github.com/breez/shop-sync/store"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T, name string) *store.GormSyncStorage {
	storage, err := NewSQLiteSyncStorage("file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")
	return storage
}

func TestPendingOrder(t *testing.T) {
	(&store.StoreTest{}).TestPendingOrder(t, newStorage(t, "testpendingorder"))
}

func TestMarkSynced(t *testing.T) {
	(&store.StoreTest{}).TestMarkSynced(t, newStorage(t, "testmarksynced"))
}

func TestMirrorAndKnown(t *testing.T) {
	(&store.StoreTest{}).TestMirrorAndKnown(t, newStorage(t, "testmirrorandknown"))
}

func TestChangesSince(t *testing.T) {
	(&store.StoreTest{}).TestChangesSince(t, newStorage(t, "testchangessince"))
}

func TestCursor(t *testing.T) {
	(&store.StoreTest{}).TestCursor(t, newStorage(t, "testcursor"))
}

func TestReopenKeepsSchema(t *testing.T) {
	first := newStorage(t, "testreopen")
	require.NotNil(t, first.DB())

	// migrations already applied: opening again must be a no-op
	second := newStorage(t, "testreopen")
	require.True(t, second.DB().Migrator().HasTable(&store.ChangeLogEntry{}))
	require.True(t, second.DB().Migrator().HasTable(&store.SyncCursor{}))
}
