package main

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/breez/shop-sync/capture"
	"github.com/breez/shop-sync/config"
	"github.com/breez/shop-sync/model"
	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/remote"
	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/store/sqlite"
	"github.com/breez/shop-sync/syncer"
	"github.com/breez/shop-sync/syncrpc"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testNode struct {
	id       syncer.Identity
	storage  *store.GormSyncStorage
	registry *registry.Registry
}

func newTestNode(t *testing.T, id syncer.Identity) *testNode {
	storage, err := sqlite.NewSQLiteSyncStorage("file:" + t.Name() + "-" + id.StoreID + "?mode=memory&cache=shared")
	require.NoError(t, err, "failed to open storage")
	require.NoError(t, model.AutoMigrate(storage.DB()), "failed to migrate")
	reg := registry.New()
	require.NoError(t, model.Register(reg, t.TempDir()), "failed to register tables")
	capturer := capture.New(reg)
	capturer.SetMetadata(capture.Metadata{SourceServer: id.StoreID, StoreType: id.StoreType, ServerRole: id.Role})
	require.NoError(t, storage.DB().Use(capturer), "failed to install capture")
	return &testNode{id: id, storage: storage, registry: reg}
}

func (n *testNode) uploader(endpoint remote.Endpoint) *syncer.Uploader {
	return syncer.NewUploader(n.storage, n.registry, endpoint, 10, nil)
}

func (n *testNode) downloader(endpoint remote.Endpoint) *syncer.Downloader {
	return syncer.NewDownloader(n.storage, syncer.NewApplier(n.storage, n.registry), endpoint, 0, model.ApplyLegacyOrder, nil)
}

func server(t *testing.T, config *config.Config, central *testNode) (func(key *btcec.PrivateKey) *remote.Client, func()) {
	listener := bufconn.Listen(1024 * 1024)
	quitChan := make(chan struct{})
	syncServer := NewShopSyncServer(config, central.storage, central.registry)
	syncServer.Start(quitChan)
	s := CreateServer(config, listener, syncServer, nil)
	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("error serving server: %v", err)
		}
	}()

	var conns []*grpc.ClientConn
	dial := func(key *btcec.PrivateKey) *remote.Client {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return listener.Dial()
			}), grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err, "failed to dial bufnet")
		conns = append(conns, conn)
		return remote.NewClient(conn, key)
	}
	closer := func() {
		for _, conn := range conns {
			conn.Close()
		}
		s.Stop()
		close(quitChan)
		listener.Close()
	}
	return dial, closer
}

func branchIdentity(storeID string) syncer.Identity {
	return syncer.Identity{StoreID: storeID, StoreType: "workshop", Role: store.RoleBranch, ServerIP: "10.0.0.1"}
}

func TestSyncService(t *testing.T) {
	ctx := context.Background()
	central := newTestNode(t, syncer.Identity{StoreID: "central", StoreType: "hq", Role: store.RoleCentral})
	branchA := newTestNode(t, branchIdentity("store-a"))
	branchB := newTestNode(t, branchIdentity("store-b"))

	dial, closer := server(t, &config.Config{RequireSignatures: true}, central)
	defer closer()
	keyA, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	keyB, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	clientA := dial(keyA)
	clientB := dial(keyB)

	// insert on A reaches B through the central node
	now := time.Now().UTC().Truncate(time.Millisecond)
	customer := &model.Customer{ID: "CUST-1", TenantID: "t1", Name: "Alice", UpdatedAt: now}
	require.NoError(t, branchA.storage.DB().WithContext(ctx).Create(customer).Error)

	uploaded, err := branchA.uploader(clientA).RunCycle(ctx, branchA.id)
	require.NoError(t, err, "upload failed")
	require.Equal(t, 1, uploaded)
	pending, err := branchA.storage.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	var onCentral model.Customer
	require.NoError(t, central.storage.DB().Take(&onCentral, "id = ?", "CUST-1").Error)
	require.Equal(t, "Alice", onCentral.Name)

	applied, err := branchB.downloader(clientB).RunCycle(ctx, branchB.id)
	require.NoError(t, err, "download failed")
	require.Equal(t, 1, applied)
	var onB model.Customer
	require.NoError(t, branchB.storage.DB().Take(&onB, "id = ?", "CUST-1").Error)
	require.Equal(t, "Alice", onB.Name)
	require.True(t, onB.UpdatedAt.Equal(now))

	// applied changes are mirrored as synced, never re-uploaded
	pending, err = branchB.storage.PendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	applied, err = branchB.downloader(clientB).RunCycle(ctx, branchB.id)
	require.NoError(t, err)
	require.Zero(t, applied)

	// A never receives its own change back
	applied, err = branchA.downloader(clientA).RunCycle(ctx, branchA.id)
	require.NoError(t, err)
	require.Zero(t, applied)

	// update on B reaches A
	require.NoError(t, branchB.storage.DB().WithContext(ctx).
		Model(&onB).Updates(map[string]interface{}{"name": "Alicia", "updated_at": now.Add(time.Second)}).Error)
	uploaded, err = branchB.uploader(clientB).RunCycle(ctx, branchB.id)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	applied, err = branchA.downloader(clientA).RunCycle(ctx, branchA.id)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	var onA model.Customer
	require.NoError(t, branchA.storage.DB().Take(&onA, "id = ?", "CUST-1").Error)
	require.Equal(t, "Alicia", onA.Name)

	// delete on A reaches B
	require.NoError(t, branchA.storage.DB().WithContext(ctx).Delete(&model.Customer{ID: "CUST-1"}).Error)
	uploaded, err = branchA.uploader(clientA).RunCycle(ctx, branchA.id)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	applied, err = branchB.downloader(clientB).RunCycle(ctx, branchB.id)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	var count int64
	require.NoError(t, branchB.storage.DB().Model(&model.Customer{}).Where("id = ?", "CUST-1").Count(&count).Error)
	require.Zero(t, count)

	// the central keeps one cursor per branch
	cursor, err := central.storage.Cursor(ctx, store.CursorIdentity{StoreID: "store-a", StoreType: "workshop", ServerRole: store.RoleBranch})
	require.NoError(t, err)
	require.NotZero(t, cursor.ID)
	require.False(t, cursor.LastUploadTime.IsZero())
	require.False(t, cursor.LastDownloadTime.IsZero())
}

func TestUploadRejectsUnsigned(t *testing.T) {
	central := newTestNode(t, syncer.Identity{StoreID: "central", StoreType: "hq", Role: store.RoleCentral})
	dial, closer := server(t, &config.Config{RequireSignatures: true}, central)
	defer closer()

	_, err := dial(nil).UploadChanges(context.Background(), &syncrpc.UploadRequest{
		StoreID:   "store-a",
		StoreType: "workshop",
		Changes: []*syncrpc.Change{{
			LogID:     uuid.New().String(),
			TableName: "customers",
			Action:    "INSERT",
			RecordID:  "CUST-2",
		}},
	})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUploadCountsIgnored(t *testing.T) {
	ctx := context.Background()
	central := newTestNode(t, syncer.Identity{StoreID: "central", StoreType: "hq", Role: store.RoleCentral})
	syncServer := NewShopSyncServer(&config.Config{}, central.storage, central.registry)
	quitChan := make(chan struct{})
	defer close(quitChan)
	syncServer.Start(quitChan)

	insert := &syncrpc.Change{
		LogID:     uuid.New().String(),
		TableName: "customers",
		Action:    "insert",
		RecordID:  "CUST-9",
		UpdatedAt: time.Now().UTC(),
		Payload:   []byte(`{"id":"CUST-9","name":"Bob"}`),
	}
	unknownTable := &syncrpc.Change{LogID: uuid.New().String(), TableName: "invoices", Action: "INSERT", RecordID: "1", Payload: []byte(`{}`)}
	badKey := &syncrpc.Change{LogID: uuid.New().String(), TableName: "vehicles", Action: "DELETE", RecordID: "only-one"}
	noPayload := &syncrpc.Change{LogID: uuid.New().String(), TableName: "orders", Action: "UPDATE", RecordID: "ORD-1"}
	badAction := &syncrpc.Change{LogID: uuid.New().String(), TableName: "orders", Action: "MERGE", RecordID: "ORD-1"}

	req := &syncrpc.UploadRequest{StoreID: "store-a", StoreType: "workshop", ServerRole: store.RoleBranch,
		Changes: []*syncrpc.Change{insert, unknownTable, badKey, noPayload, badAction}}
	reply, err := syncServer.UploadChanges(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, reply.ProcessedCount)
	require.Equal(t, 4, reply.IgnoredCount)

	// the same LogId again is acknowledged without a second apply
	reply, err = syncServer.UploadChanges(ctx, &syncrpc.UploadRequest{StoreID: "store-a", Changes: []*syncrpc.Change{insert}})
	require.NoError(t, err)
	require.Equal(t, 0, reply.ProcessedCount)
	require.Equal(t, 1, reply.IgnoredCount)

	var customers []model.Customer
	require.NoError(t, central.storage.DB().Find(&customers).Error)
	require.Len(t, customers, 1)
	require.Equal(t, "Bob", customers[0].Name)

	known, err := central.storage.KnownLogIDs(ctx, []string{insert.LogID})
	require.NoError(t, err)
	require.True(t, known[insert.LogID])
}

func TestGetUpdatesPaging(t *testing.T) {
	ctx := context.Background()
	central := newTestNode(t, syncer.Identity{StoreID: "central", StoreType: "hq", Role: store.RoleCentral})
	syncServer := NewShopSyncServer(&config.Config{}, central.storage, central.registry)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	var first string
	var shared []string
	for i, source := range []string{"store-a", "store-b", "store-a", "store-a", "store-a"} {
		createdAt := base.Add(time.Duration(i+1) * time.Second)
		if i >= 2 {
			createdAt = base.Add(3 * time.Second)
		}
		entry := &store.ChangeLogEntry{
			LogID:        uuid.New().String(),
			TableName:    "customers",
			RecordID:     "CUST-" + source,
			Action:       store.ActionUpsert,
			SourceServer: source,
			Synced:       true,
			Payload:      []byte(`{"id":"x"}`),
			UpdatedAt:    base,
			SyncedAt:     base,
			CreatedAt:    createdAt,
		}
		require.NoError(t, central.storage.AppendEntry(ctx, entry))
		switch {
		case i == 0:
			first = entry.LogID
		case source == "store-a":
			shared = append(shared, entry.LogID)
		}
	}
	sort.Strings(shared)
	expected := append([]string{first}, shared...)

	// store-b pages through the other store's changes, two at a time, even
	// though three of them share one timestamp
	reply, err := syncServer.GetUpdates(ctx, &syncrpc.UpdatesQuery{StoreID: "store-b", LastSyncTime: base, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, reply.Changes, 2)
	require.True(t, reply.ServerTime.Equal(base.Add(3*time.Second)))
	require.Equal(t, reply.Changes[1].LogID, reply.LastLogID)

	cursor, err := central.storage.Cursor(ctx, store.CursorIdentity{StoreID: "store-b"})
	require.NoError(t, err)
	require.Equal(t, reply.LastLogID, cursor.LastDownloadLogID)

	var served []string
	for i := 0; i < 5; i++ {
		for _, c := range reply.Changes {
			served = append(served, c.LogID)
		}
		if len(reply.Changes) < 2 {
			break
		}
		reply, err = syncServer.GetUpdates(ctx, &syncrpc.UpdatesQuery{
			StoreID:      "store-b",
			LastSyncTime: reply.ServerTime,
			AfterLogID:   reply.LastLogID,
			PageSize:     2,
		})
		require.NoError(t, err)
	}
	require.Equal(t, expected, served, "every change is served exactly once, in order")
	require.Empty(t, reply.LastLogID)
	require.True(t, reply.ServerTime.After(base.Add(3*time.Second)))
}

func TestGetUpdatesProjectsMissingPayload(t *testing.T) {
	ctx := context.Background()
	central := newTestNode(t, syncer.Identity{StoreID: "central", StoreType: "hq", Role: store.RoleCentral})
	syncServer := NewShopSyncServer(&config.Config{}, central.storage, central.registry)

	quiet, guard := capture.Suppress(ctx)
	require.NoError(t, central.storage.DB().WithContext(quiet).Create(&model.Customer{ID: "CUST-5", Name: "Carol"}).Error)
	guard.Release()

	since := time.Now().UTC().Add(-time.Minute)
	for i, recordID := range []string{"CUST-5", "CUST-GONE"} {
		require.NoError(t, central.storage.AppendEntry(ctx, &store.ChangeLogEntry{
			LogID:        uuid.New().String(),
			TableName:    "customers",
			RecordID:     recordID,
			Action:       store.ActionUpdate,
			SourceServer: "store-a",
			Synced:       true,
			UpdatedAt:    since,
			SyncedAt:     since,
			CreatedAt:    since.Add(time.Duration(i+1) * time.Second),
		}))
	}

	reply, err := syncServer.GetUpdates(ctx, &syncrpc.UpdatesQuery{StoreID: "store-b", LastSyncTime: since, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, reply.Changes, 2)

	var projected model.Customer
	require.NoError(t, json.Unmarshal(reply.Changes[0].Payload, &projected))
	require.Equal(t, "Carol", projected.Name)
	require.Empty(t, reply.Changes[1].Payload, "a row that no longer exists is served without payload")
}

func TestStopServerEndsTrackedStreams(t *testing.T) {
	central := newTestNode(t, syncer.Identity{StoreID: "central", StoreType: "hq", Role: store.RoleCentral})
	listener := bufconn.Listen(1024 * 1024)
	defer listener.Close()
	quitChan := make(chan struct{})
	syncServer := NewShopSyncServer(&config.Config{}, central.storage, central.registry)
	syncServer.Start(quitChan)
	s := CreateServer(&config.Config{}, listener, syncServer, nil)
	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("error serving server: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err, "failed to dial bufnet")
	defer conn.Close()

	noticed := make(chan struct{}, 1)
	tracking := make(chan error, 1)
	go func() {
		tracking <- remote.NewClient(conn, nil).TrackChanges(context.Background(), "store-a", func(*syncrpc.ChangeNotice) {
			select {
			case noticed <- struct{}{}:
			default:
			}
		})
	}()
	require.Eventually(t, func() bool {
		syncServer.eventsManager.notifyChange("store-b", &syncrpc.ChangeNotice{SourceServer: "store-b", ServerTime: time.Now()})
		select {
		case <-noticed:
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond, "branch never subscribed")

	stopped := make(chan struct{})
	go func() {
		stopServer(s, quitChan, time.Minute)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("graceful stop blocked by an open change stream")
	}
	select {
	case <-tracking:
	case <-time.After(time.Second):
		t.Fatal("tracking client was not released")
	}
}

func TestEventsManagerSkipsOrigin(t *testing.T) {
	quitChan := make(chan struct{})
	defer close(quitChan)
	manager := newEventsManager()
	manager.start(quitChan)

	subA, err := manager.subscribe("store-a")
	require.NoError(t, err)
	subB, err := manager.subscribe("store-b")
	require.NoError(t, err)
	manager.notifyChange("store-a", &syncrpc.ChangeNotice{SourceServer: "store-a", ServerTime: time.Now()})

	select {
	case event := <-subB.eventsChan:
		require.Equal(t, "store-a", event.notice.SourceServer)
	case <-time.After(time.Second):
		t.Fatal("store-b was not notified")
	}
	select {
	case <-subA.eventsChan:
		t.Fatal("origin must not be notified of its own change")
	case <-time.After(50 * time.Millisecond):
	}

	manager.unsubscribe("store-b", subB.id)
	_, ok := <-subB.eventsChan
	require.False(t, ok)
}

func TestEventsManagerStopped(t *testing.T) {
	quitChan := make(chan struct{})
	manager := newEventsManager()
	manager.start(quitChan)
	sub, err := manager.subscribe("store-a")
	require.NoError(t, err)
	close(quitChan)
	select {
	case <-manager.quit:
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}

	done := make(chan struct{})
	go func() {
		manager.notifyChange("store-b", &syncrpc.ChangeNotice{SourceServer: "store-b"})
		manager.unsubscribe("store-a", sub.id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("senders must not block once the manager stopped")
	}
	_, err = manager.subscribe("store-c")
	require.ErrorIs(t, err, errEventsManagerStopped)
}
