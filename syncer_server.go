package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breez/shop-sync/config"
	"github.com/breez/shop-sync/middleware"
	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/syncer"
	"github.com/breez/shop-sync/syncrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxPageSize = 5000

type changeNoticeEvent struct {
	storeID string
	notice  *syncrpc.ChangeNotice
}

// ShopSyncServer is the central side of the Syncer service.
type ShopSyncServer struct {
	syncrpc.UnimplementedSyncerServer
	config        *config.Config
	storage       *store.GormSyncStorage
	registry      *registry.Registry
	applier       *syncer.Applier
	eventsManager *eventsManager
	now           func() time.Time
}

func NewShopSyncServer(config *config.Config, storage *store.GormSyncStorage, reg *registry.Registry) *ShopSyncServer {
	return &ShopSyncServer{
		config:        config,
		storage:       storage,
		registry:      reg,
		applier:       syncer.NewApplier(storage, reg),
		eventsManager: newEventsManager(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *ShopSyncServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func (s *ShopSyncServer) UploadChanges(ctx context.Context, msg *syncrpc.UploadRequest) (*syncrpc.UploadReply, error) {
	c, err := middleware.Authenticate(s.config, ctx, msg)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if msg.StoreID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing store id")
	}

	known, err := s.applier.Known(c, msg.Changes)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	prov := syncer.Provenance{
		SourceServer: msg.StoreID,
		StoreType:    msg.StoreType,
		ServerRole:   msg.ServerRole,
	}
	reply := &syncrpc.UploadReply{}
	for _, change := range msg.Changes {
		if change == nil {
			continue
		}
		if known[change.LogID] {
			reply.IgnoredCount++
			continue
		}
		outcome, err := s.applier.Apply(c, change, prov)
		if err != nil {
			slog.Error("failed to apply uploaded change", "storeId", msg.StoreID, "logId", change.LogID, "error", err)
			return nil, status.Error(codes.Internal, err.Error())
		}
		if outcome == syncer.OutcomeApplied {
			reply.ProcessedCount++
			known[change.LogID] = true
		} else {
			reply.IgnoredCount++
		}
	}

	if reply.ProcessedCount > 0 {
		now := s.now()
		if err := s.updateCursor(c, msg.StoreID, msg.StoreType, msg.ServerRole, func(cursor *store.SyncCursor) {
			cursor.LastUploadTime = now
			cursor.LastSyncCount = reply.ProcessedCount
		}); err != nil {
			slog.Warn("failed to update branch cursor", "storeId", msg.StoreID, "error", err)
		}
		s.eventsManager.notifyChange(msg.StoreID, &syncrpc.ChangeNotice{SourceServer: msg.StoreID, ServerTime: now})
	}
	return reply, nil
}

func (s *ShopSyncServer) GetUpdates(ctx context.Context, msg *syncrpc.UpdatesQuery) (*syncrpc.UpdatesReply, error) {
	c, err := middleware.Authenticate(s.config, ctx, msg)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	pageSize := msg.PageSize
	if pageSize <= 0 {
		pageSize = s.config.SyncPageSize
	}
	if pageSize <= 0 {
		pageSize = syncer.DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	serverTime, lastLogID := s.now(), ""
	entries, err := s.storage.ChangesSince(c, msg.LastSyncTime, msg.AfterLogID, msg.StoreID, pageSize)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	changes := make([]*syncrpc.Change, len(entries))
	for i := range entries {
		changes[i] = s.toChange(c, &entries[i])
	}
	if len(entries) == pageSize {
		// the next poll resumes right after the last entry served
		last := entries[len(entries)-1]
		serverTime, lastLogID = last.CreatedAt, last.LogID
	}

	if msg.StoreID != "" {
		if err := s.updateCursor(c, msg.StoreID, msg.StoreType, msg.ServerRole, func(cursor *store.SyncCursor) {
			cursor.LastDownloadTime = serverTime
			cursor.LastDownloadLogID = lastLogID
			cursor.LastSyncCount = len(changes)
		}); err != nil {
			slog.Warn("failed to update branch cursor", "storeId", msg.StoreID, "error", err)
		}
	}
	return &syncrpc.UpdatesReply{
		Changes:    changes,
		ServerTime: serverTime,
		LastLogID:  lastLogID,
	}, nil
}

func (s *ShopSyncServer) toChange(ctx context.Context, entry *store.ChangeLogEntry) *syncrpc.Change {
	change := syncer.ToChange(entry)
	if entry.Action == store.ActionDelete || len(change.Payload) > 0 {
		return change
	}
	d, err := s.registry.Resolve(entry.TableName)
	if err != nil {
		return change
	}
	key, err := d.ParseKey(entry.RecordID)
	if err != nil {
		return change
	}
	payload, err := d.Project(ctx, s.storage.DB(), key)
	if err != nil {
		slog.Warn("serving change without payload", "logId", entry.LogID, "error", err)
		return change
	}
	change.Payload = payload
	return change
}

func (s *ShopSyncServer) updateCursor(ctx context.Context, storeID, storeType, role string, update func(*store.SyncCursor)) error {
	cursor, err := s.storage.Cursor(ctx, store.CursorIdentity{StoreID: storeID, StoreType: storeType, ServerRole: role})
	if err != nil {
		return err
	}
	update(cursor)
	cursor.UpdatedAt = s.now()
	return s.storage.SaveCursor(ctx, cursor)
}

func (s *ShopSyncServer) TrackChanges(request *syncrpc.TrackRequest, stream syncrpc.Syncer_TrackChangesServer) error {
	context, err := middleware.Authenticate(s.config, stream.Context(), request)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	subscription, err := s.eventsManager.subscribe(request.StoreID)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.eventsManager.unsubscribe(request.StoreID, subscription.id)
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}

			if err := stream.Send(event.notice); err != nil {
				return err
			}

		case <-s.eventsManager.quit:
			return nil

		case <-context.Done():
			return nil
		}
	}
}

type notifyChange struct {
	storeID string
	notice  *syncrpc.ChangeNotice
}

type unsubscribe struct {
	storeID string
	id      int64
}

type subscription struct {
	id         int64
	storeID    string
	eventsChan chan *changeNoticeEvent
}

// eventsManager fans change notices out to every subscribed branch except the
// one the change came from.
type eventsManager struct {
	globalIDs int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	// quit is closed once the manager stops; senders and streams give up then.
	quit     chan struct{}
	quitOnce sync.Once
}

var errEventsManagerStopped = errors.New("events manager stopped")

func newEventsManager() *eventsManager {
	return &eventsManager{
		globalIDs: 0,
		streams:   make(map[string][]*subscription),
		msgChan:   make(chan interface{}),
		quit:      make(chan struct{}),
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	go func() {
		defer c.quitOnce.Do(func() { close(c.quit) })
		for {
			select {
			case msg := <-c.msgChan:
				if s, ok := msg.(*subscription); ok {
					c.streams[s.storeID] = append(c.streams[s.storeID], s)
				}
				if s, ok := msg.(*unsubscribe); ok {
					var newSubs []*subscription
					for _, sub := range c.streams[s.storeID] {
						if sub.id != s.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, s.storeID)
					if len(newSubs) > 0 {
						c.streams[s.storeID] = newSubs
					}
				}
				if s, ok := msg.(*notifyChange); ok {
					for storeID, subs := range c.streams {
						if storeID == s.storeID {
							continue
						}
						for _, sub := range subs {
							// A pending notice already wakes the branch.
							select {
							case sub.eventsChan <- &changeNoticeEvent{storeID: s.storeID, notice: s.notice}:
							default:
							}
						}
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func (c *eventsManager) send(msg interface{}) error {
	select {
	case c.msgChan <- msg:
		return nil
	case <-c.quit:
		return errEventsManagerStopped
	}
}

func (c *eventsManager) notifyChange(storeID string, notice *syncrpc.ChangeNotice) {
	_ = c.send(&notifyChange{storeID: storeID, notice: notice})
}

func (c *eventsManager) subscribe(storeID string) (*subscription, error) {
	eventsChan := make(chan *changeNoticeEvent, 1)
	s := &subscription{storeID: storeID, eventsChan: eventsChan, id: atomic.AddInt64(&c.globalIDs, 1)}
	if err := c.send(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *eventsManager) unsubscribe(storeID string, id int64) {
	_ = c.send(&unsubscribe{storeID: storeID, id: id})
}
