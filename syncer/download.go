package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/breez/shop-sync/capture"
	"github.com/breez/shop-sync/remote"
	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/syncrpc"
	"gorm.io/gorm"
)

const DefaultPageSize = 500

// LegacyOrderFunc applies one order-only sync object inside tx.
type LegacyOrderFunc func(ctx context.Context, tx *gorm.DB, order syncrpc.LegacyOrder) error

// Downloader pulls changes from the central node and applies them locally.
type Downloader struct {
	storage     *store.GormSyncStorage
	applier     *Applier
	endpoint    remote.Endpoint
	pageSize    int
	legacyOrder LegacyOrderFunc
	metrics     *Metrics
	now         func() time.Time
}

func NewDownloader(storage *store.GormSyncStorage, applier *Applier, endpoint remote.Endpoint, pageSize int, legacyOrder LegacyOrderFunc, metrics *Metrics) *Downloader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Downloader{
		storage:     storage,
		applier:     applier,
		endpoint:    endpoint,
		pageSize:    pageSize,
		legacyOrder: legacyOrder,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle fetches one page of updates since the local watermark, applies the
// new ones and moves the watermark to the server-reported time. It returns
// the number of applied changes. An unreachable central leaves the cursor
// untouched.
func (d *Downloader) RunCycle(ctx context.Context, id Identity) (int, error) {
	if !id.Resolved() {
		return 0, nil
	}
	cursor, err := d.storage.Cursor(ctx, id.cursorIdentity())
	if err != nil {
		return 0, err
	}
	reply, err := d.endpoint.GetUpdates(ctx, &syncrpc.UpdatesQuery{
		StoreID:      id.StoreID,
		StoreType:    id.StoreType,
		ServerRole:   id.Role,
		LastSyncTime: cursor.LastDownloadTime,
		AfterLogID:   cursor.LastDownloadLogID,
		PageSize:     d.pageSize,
	})
	if err != nil {
		return 0, err
	}
	if reply == nil {
		return 0, remote.ErrEmptyReply
	}
	if len(reply.Changes) == 0 && len(reply.Orders) == 0 {
		return 0, d.advance(ctx, cursor, reply, 0)
	}

	ctx, guard := capture.Suppress(ctx)
	defer guard.Release()

	known, err := d.applier.Known(ctx, reply.Changes)
	if err != nil {
		return 0, err
	}
	applied := 0
	prov := Provenance{ServerRole: store.RoleCentral}
	for _, change := range reply.Changes {
		if change == nil {
			continue
		}
		if known[change.LogID] {
			d.metrics.change(directionDownload, OutcomeKnown.String())
			continue
		}
		outcome, err := d.applier.Apply(ctx, change, prov)
		if err != nil {
			// The watermark stays put so the page is fetched again; what
			// already applied is deduplicated by its LogId.
			d.metrics.change(directionDownload, "failed")
			return applied, err
		}
		d.metrics.change(directionDownload, outcome.String())
		if outcome == OutcomeApplied {
			applied++
			known[change.LogID] = true
		}
	}

	for _, order := range reply.Orders {
		if order == nil {
			continue
		}
		if d.applyLegacyOrder(ctx, order) {
			applied++
		}
	}

	return applied, d.advance(ctx, cursor, reply, applied)
}

func (d *Downloader) applyLegacyOrder(ctx context.Context, order *syncrpc.LegacyOrder) bool {
	if d.legacyOrder == nil {
		slog.Warn("no legacy order mapper, skipping order", "orderNo", order.OrderNo)
		return false
	}
	err := d.storage.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return d.legacyOrder(ctx, tx, *order)
	})
	if err != nil {
		slog.Warn("failed to apply legacy order", "orderNo", order.OrderNo, "error", err)
		d.metrics.change(directionDownload, OutcomeSkipped.String())
		return false
	}
	d.metrics.change(directionDownload, OutcomeApplied.String())
	return true
}

func (d *Downloader) advance(ctx context.Context, cursor *store.SyncCursor, reply *syncrpc.UpdatesReply, count int) error {
	serverTime := reply.ServerTime
	if serverTime.IsZero() {
		slog.Warn("central reported no server time, keeping download watermark")
		return nil
	}
	cursor.LastDownloadTime = serverTime.UTC()
	cursor.LastDownloadLogID = reply.LastLogID
	cursor.LastSyncCount = count
	cursor.UpdatedAt = d.now()
	if err := d.storage.SaveCursor(ctx, cursor); err != nil {
		return err
	}
	d.metrics.watermark(directionDownload, float64(serverTime.Unix()))
	return nil
}
