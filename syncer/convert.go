package syncer

import (
	"encoding/json"

	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/syncrpc"
)

// ToChange converts a log entry to its wire form.
func ToChange(entry *store.ChangeLogEntry) *syncrpc.Change {
	c := &syncrpc.Change{
		LogID:        entry.LogID,
		TableName:    entry.TableName,
		Action:       string(entry.Action),
		RecordID:     entry.RecordID,
		UpdatedAt:    entry.UpdatedAt,
		SyncedAt:     entry.SyncedAt,
		SourceServer: entry.SourceServer,
		StoreType:    entry.StoreType,
	}
	if entry.Action != store.ActionDelete && len(entry.Payload) > 0 {
		c.Payload = json.RawMessage(entry.Payload)
	}
	return c
}
