package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/shop-sync/capture"
	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/syncrpc"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Outcome int

const (
	// OutcomeApplied means the change was mirrored and materialized.
	OutcomeApplied Outcome = iota
	// OutcomeKnown means the LogId was already in the local log.
	OutcomeKnown
	// OutcomeSkipped means the change can never be applied here: unknown
	// action or table, bad key or undecodable payload.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeKnown:
		return "known"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Provenance is recorded on mirrored entries. A non-empty SourceServer
// overrides the one carried by the change.
type Provenance struct {
	SourceServer string
	StoreType    string
	ServerRole   string
}

// Applier replays peer changes into the local store. It is shared by the
// branch download pump and the central upload handler.
type Applier struct {
	db       *gorm.DB
	storage  *store.GormSyncStorage
	registry *registry.Registry
	now      func() time.Time
}

func NewApplier(storage *store.GormSyncStorage, reg *registry.Registry) *Applier {
	return &Applier{
		db:       storage.DB(),
		storage:  storage,
		registry: reg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Known returns the LogIds among changes already present in the local log.
func (a *Applier) Known(ctx context.Context, changes []*syncrpc.Change) (map[string]bool, error) {
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		if c != nil && c.LogID != "" {
			ids = append(ids, c.LogID)
		}
	}
	return a.storage.KnownLogIDs(ctx, ids)
}

// Apply mirrors change into the local log with Synced=true and applies it to
// its table, both in one transaction with capture suppressed. Changes that can
// never apply are reported as OutcomeSkipped with a nil error; the returned
// error is reserved for storage failures worth retrying.
func (a *Applier) Apply(ctx context.Context, change *syncrpc.Change, prov Provenance) (Outcome, error) {
	if change == nil || change.LogID == "" {
		slog.Warn("skipping change without log id")
		return OutcomeSkipped, nil
	}
	log := slog.With("logId", change.LogID, "table", change.TableName, "record", change.RecordID)

	action, err := store.ParseAction(change.Action)
	if err != nil {
		log.Warn("skipping change", "error", err)
		return OutcomeSkipped, nil
	}
	d, err := a.registry.Resolve(change.TableName)
	if err != nil {
		log.Warn("skipping change", "error", err)
		return OutcomeSkipped, nil
	}
	key, err := d.ParseKey(change.RecordID)
	if err != nil {
		log.Warn("skipping change", "error", err)
		return OutcomeSkipped, nil
	}
	if len(change.Payload) > 0 && !json.Valid(change.Payload) {
		log.Warn("skipping change", "error", registry.ErrDecodePayload)
		return OutcomeSkipped, nil
	}

	ctx, guard := capture.Suppress(ctx)
	defer guard.Release()

	entry := a.mirrorOf(change, action, prov)
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := a.storage.WithTx(tx).MirrorEntry(ctx, entry); err != nil {
			return err
		}
		return d.Apply(ctx, tx, action, key, change.Payload)
	})
	if err != nil {
		if errors.Is(err, registry.ErrMissingPayload) || errors.Is(err, registry.ErrDecodePayload) {
			log.Warn("skipping change", "error", err)
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, fmt.Errorf("failed to apply change %v: %w", change.LogID, err)
	}
	return OutcomeApplied, nil
}

func (a *Applier) mirrorOf(change *syncrpc.Change, action store.Action, prov Provenance) *store.ChangeLogEntry {
	now := a.now()
	entry := &store.ChangeLogEntry{
		LogID:        change.LogID,
		TableName:    change.TableName,
		RecordID:     change.RecordID,
		Action:       action,
		UpdatedAt:    change.UpdatedAt.UTC(),
		SyncedAt:     now,
		Synced:       true,
		SourceServer: change.SourceServer,
		StoreType:    change.StoreType,
		ServerRole:   prov.ServerRole,
		CreatedAt:    now,
	}
	if prov.SourceServer != "" {
		entry.SourceServer = prov.SourceServer
	}
	if prov.StoreType != "" {
		entry.StoreType = prov.StoreType
	}
	if len(change.Payload) > 0 {
		entry.Payload = datatypes.JSON(change.Payload)
	}
	return entry
}
