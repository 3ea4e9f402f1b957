package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/remote"
	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/syncrpc"
)

const DefaultBatchSize = 100

// Uploader drains the local change log to the central node, one entry per
// call.
type Uploader struct {
	storage   *store.GormSyncStorage
	registry  *registry.Registry
	endpoint  remote.Endpoint
	batchSize int
	metrics   *Metrics
	now       func() time.Time
}

func NewUploader(storage *store.GormSyncStorage, reg *registry.Registry, endpoint remote.Endpoint, batchSize int, metrics *Metrics) *Uploader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Uploader{
		storage:   storage,
		registry:  reg,
		endpoint:  endpoint,
		batchSize: batchSize,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle uploads up to one batch of pending entries and returns how many
// the central acknowledged. Central nodes and nodes with an unresolved
// identity do nothing.
func (u *Uploader) RunCycle(ctx context.Context, id Identity) (int, error) {
	if id.IsCentral() || !id.Resolved() {
		return 0, nil
	}
	entries, err := u.storage.PendingEntries(ctx, u.batchSize)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return succeeded, err
		}
		entry := &entries[i]
		if u.send(ctx, id, entry) {
			succeeded++
		}
	}

	if succeeded == 0 {
		return 0, nil
	}
	cursor, err := u.storage.Cursor(ctx, id.cursorIdentity())
	if err != nil {
		return succeeded, err
	}
	now := u.now()
	cursor.LastUploadTime = now
	cursor.LastSyncCount = succeeded
	cursor.UpdatedAt = now
	if err := u.storage.SaveCursor(ctx, cursor); err != nil {
		return succeeded, err
	}
	u.metrics.watermark(directionUpload, float64(now.Unix()))
	return succeeded, nil
}

func (u *Uploader) send(ctx context.Context, id Identity, entry *store.ChangeLogEntry) bool {
	log := slog.With("logId", entry.LogID, "table", entry.TableName, "record", entry.RecordID)
	change := ToChange(entry)
	if entry.Action != store.ActionDelete && len(change.Payload) == 0 {
		payload, err := u.project(ctx, entry)
		if err != nil {
			log.Warn("uploading change without payload", "error", err)
		} else {
			change.Payload = payload
		}
	}

	req := &syncrpc.UploadRequest{
		StoreID:    id.StoreID,
		StoreType:  id.StoreType,
		ServerRole: id.Role,
		ServerIP:   id.ServerIP,
		Changes:    []*syncrpc.Change{change},
	}
	reply, err := u.endpoint.UploadChanges(ctx, req)
	if err == nil && (reply == nil || reply.ProcessedCount+reply.IgnoredCount == 0) {
		err = remote.ErrEmptyReply
	}
	if err != nil {
		log.Warn("failed to upload change", "error", err)
		u.metrics.change(directionUpload, "failed")
		return false
	}

	if err := u.storage.MarkSynced(ctx, entry.LogID, u.now()); err != nil {
		log.Error("uploaded change not marked synced", "error", err)
		u.metrics.change(directionUpload, "failed")
		return false
	}
	u.metrics.change(directionUpload, "uploaded")
	return true
}

func (u *Uploader) project(ctx context.Context, entry *store.ChangeLogEntry) (json.RawMessage, error) {
	d, err := u.registry.Resolve(entry.TableName)
	if err != nil {
		return nil, err
	}
	key, err := d.ParseKey(entry.RecordID)
	if err != nil {
		return nil, err
	}
	payload, err := d.Project(ctx, u.storage.DB(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to project %v %v: %w", entry.TableName, entry.RecordID, err)
	}
	return payload, nil
}
