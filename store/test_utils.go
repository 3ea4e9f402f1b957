package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func newTestEntry(table, recordID string, action Action, at time.Time) *ChangeLogEntry {
	return &ChangeLogEntry{
		LogID:     uuid.New().String(),
		TableName: table,
		RecordID:  recordID,
		Action:    action,
		UpdatedAt: at,
		SyncedAt:  at,
		CreatedAt: at,
		Payload:   []byte(`{"id":"` + recordID + `"}`),
	}
}

func (s *StoreTest) TestPendingOrder(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	late := newTestEntry("orders", "ORD-3", ActionUpdate, base.Add(3*time.Second))
	early := newTestEntry("orders", "ORD-1", ActionInsert, base.Add(time.Second))
	middle := newTestEntry("orders", "ORD-2", ActionDelete, base.Add(2*time.Second))
	middle.Payload = nil
	for _, e := range []*ChangeLogEntry{late, early, middle} {
		require.NoError(t, storage.AppendEntry(ctx, e), "failed to append entry")
	}

	pending, err := storage.PendingEntries(ctx, 10)
	require.NoError(t, err, "failed to list pending entries")
	var ids []string
	for _, e := range pending {
		if e.LogID == early.LogID || e.LogID == middle.LogID || e.LogID == late.LogID {
			ids = append(ids, e.LogID)
		}
	}
	require.Equal(t, []string{early.LogID, middle.LogID, late.LogID}, ids)

	limited, err := storage.PendingEntries(ctx, 1)
	require.NoError(t, err, "failed to list pending entries")
	require.Len(t, limited, 1)
}

func (s *StoreTest) TestMarkSynced(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	entry := newTestEntry("customers", "CUST-1", ActionInsert, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, storage.AppendEntry(ctx, entry), "failed to append entry")

	require.NoError(t, storage.MarkSynced(ctx, entry.LogID, time.Now()), "failed to mark synced")

	pending, err := storage.PendingEntries(ctx, 1000)
	require.NoError(t, err, "failed to list pending entries")
	for _, e := range pending {
		require.NotEqual(t, entry.LogID, e.LogID, "synced entry selected again")
	}

	err = storage.MarkSynced(ctx, uuid.New().String(), time.Now())
	require.Error(t, err, "marking an unknown entry should fail")
}

func (s *StoreTest) TestMirrorAndKnown(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	entry := newTestEntry("vehicles", "CUST-1,ABC-123", ActionUpsert, time.Now().UTC())
	entry.Synced = true
	entry.SourceServer = "central"

	require.NoError(t, storage.MirrorEntry(ctx, entry), "failed to mirror entry")
	// a second mirror of the same log id overwrites instead of failing
	entry.RecordID = "CUST-1,XYZ-999"
	require.NoError(t, storage.MirrorEntry(ctx, entry), "failed to mirror entry twice")

	unknown := uuid.New().String()
	known, err := storage.KnownLogIDs(ctx, []string{entry.LogID, unknown})
	require.NoError(t, err, "failed to query known ids")
	require.True(t, known[entry.LogID])
	require.False(t, known[unknown])

	known, err = storage.KnownLogIDs(ctx, nil)
	require.NoError(t, err, "failed to query empty id list")
	require.Empty(t, known)
}

func (s *StoreTest) TestChangesSince(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	since := time.Now().UTC().Add(time.Hour)
	source := uuid.New().String()

	own := newTestEntry("orders", "ORD-10", ActionUpdate, since.Add(time.Second))
	own.SourceServer = source
	other := newTestEntry("orders", "ORD-11", ActionUpdate, since.Add(2*time.Second))
	other.SourceServer = "central"
	older := newTestEntry("orders", "ORD-12", ActionUpdate, since.Add(-time.Second))
	for _, e := range []*ChangeLogEntry{own, other, older} {
		require.NoError(t, storage.AppendEntry(ctx, e), "failed to append entry")
	}

	changes, err := storage.ChangesSince(ctx, since, "", source, 10)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, changes, 1)
	require.Equal(t, other.LogID, changes[0].LogID)
	require.JSONEq(t, string(other.Payload), string(changes[0].Payload))

	changes, err = storage.ChangesSince(ctx, since, "", "", 1)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, changes, 1)
	require.Equal(t, own.LogID, changes[0].LogID)

	// entries sharing a timestamp page by log id
	tie := since.Add(3 * time.Second).Truncate(time.Microsecond)
	first := newTestEntry("orders", "ORD-13", ActionUpdate, tie)
	second := newTestEntry("orders", "ORD-14", ActionUpdate, tie)
	if second.LogID < first.LogID {
		first, second = second, first
	}
	for _, e := range []*ChangeLogEntry{second, first} {
		require.NoError(t, storage.AppendEntry(ctx, e), "failed to append entry")
	}

	changes, err = storage.ChangesSince(ctx, tie.Add(-time.Microsecond), "", "", 10)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, changes, 2)
	require.Equal(t, first.LogID, changes[0].LogID)
	require.Equal(t, second.LogID, changes[1].LogID)

	changes, err = storage.ChangesSince(ctx, tie, first.LogID, "", 10)
	require.NoError(t, err, "failed to list changes")
	require.Len(t, changes, 1)
	require.Equal(t, second.LogID, changes[0].LogID)

	changes, err = storage.ChangesSince(ctx, tie, second.LogID, "", 10)
	require.NoError(t, err, "failed to list changes")
	require.Empty(t, changes)
}

func (s *StoreTest) TestCursor(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	id := CursorIdentity{StoreID: uuid.New().String(), StoreType: "workshop", ServerRole: RoleBranch}

	cursor, err := storage.Cursor(ctx, id)
	require.NoError(t, err, "failed to get cursor")
	require.Zero(t, cursor.ID)
	require.True(t, cursor.LastUploadTime.IsZero())

	uploaded := time.Now().UTC().Truncate(time.Millisecond)
	cursor.LastUploadTime = uploaded
	cursor.LastSyncCount = 3
	require.NoError(t, storage.SaveCursor(ctx, cursor), "failed to save cursor")

	stored, err := storage.Cursor(ctx, id)
	require.NoError(t, err, "failed to get cursor")
	require.NotZero(t, stored.ID)
	require.True(t, uploaded.Equal(stored.LastUploadTime))
	require.Equal(t, 3, stored.LastSyncCount)

	downloaded := uploaded.Add(time.Minute)
	stored.LastDownloadTime = downloaded
	stored.LastSyncCount = 1
	require.NoError(t, storage.SaveCursor(ctx, stored), "failed to update cursor")

	stored, err = storage.Cursor(ctx, id)
	require.NoError(t, err, "failed to get cursor")
	require.True(t, downloaded.Equal(stored.LastDownloadTime))
	require.True(t, uploaded.Equal(stored.LastUploadTime))
	require.Equal(t, 1, stored.LastSyncCount)

	stored.LastDownloadLogID = uuid.New().String()
	require.NoError(t, storage.SaveCursor(ctx, stored), "failed to update cursor")
	reloaded, err := storage.Cursor(ctx, id)
	require.NoError(t, err, "failed to get cursor")
	require.Equal(t, stored.LastDownloadLogID, reloaded.LastDownloadLogID)
}
