package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrUnknownAction = errors.New("unknown action")

type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionUpsert Action = "UPSERT"
	ActionDelete Action = "DELETE"
)

// ParseAction accepts any casing and returns the normalized action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionInsert, ActionUpdate, ActionUpsert, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

func (a Action) IsUpsert() bool {
	return a == ActionInsert || a == ActionUpdate || a == ActionUpsert
}

const (
	RoleBranch  = "branch"
	RoleCentral = "central"
)

// ChangeLogEntry is one captured row mutation. LogID is the only idempotency
// token; (TableName, RecordID) repeats as a row keeps changing.
type ChangeLogEntry struct {
	LogID        string         `gorm:"column:log_id;primaryKey"`
	TableName    string         `gorm:"column:table_name"`
	RecordID     string         `gorm:"column:record_id"`
	Action       Action         `gorm:"column:action"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime:false"`
	SyncedAt     time.Time      `gorm:"column:synced_at"`
	Synced       bool           `gorm:"column:synced"`
	SourceServer string         `gorm:"column:source_server"`
	StoreType    string         `gorm:"column:store_type"`
	ServerRole   string         `gorm:"column:server_role"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	CreatedAt    time.Time      `gorm:"column:created_at"` // ledger time on the node holding the row
}

type CursorIdentity struct {
	StoreID    string
	StoreType  string
	ServerRole string
}

// SyncCursor holds the watermarks of one branch<->central pair, keyed by the
// branch identity.
type SyncCursor struct {
	ID               uint      `gorm:"primaryKey"`
	StoreID          string    `gorm:"column:store_id"`
	StoreType        string    `gorm:"column:store_type"`
	ServerRole       string    `gorm:"column:server_role"`
	LastUploadTime   time.Time `gorm:"column:last_upload_time"`
	LastDownloadTime time.Time `gorm:"column:last_download_time"`
	LastSyncCount    int       `gorm:"column:last_sync_count"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`

	// LastDownloadLogID breaks ties between entries sharing LastDownloadTime.
	LastDownloadLogID string `gorm:"column:last_download_log_id"`
}

func (c *SyncCursor) Identity() CursorIdentity {
	return CursorIdentity{StoreID: c.StoreID, StoreType: c.StoreType, ServerRole: c.ServerRole}
}

type SyncStorage interface {
	AppendEntry(ctx context.Context, entry *ChangeLogEntry) error
	PendingEntries(ctx context.Context, limit int) ([]ChangeLogEntry, error)
	MarkSynced(ctx context.Context, logID string, at time.Time) error
	KnownLogIDs(ctx context.Context, logIDs []string) (map[string]bool, error)
	MirrorEntry(ctx context.Context, entry *ChangeLogEntry) error
	ChangesSince(ctx context.Context, since time.Time, afterLogID, excludeSource string, limit int) ([]ChangeLogEntry, error)
	Cursor(ctx context.Context, id CursorIdentity) (*SyncCursor, error)
	SaveCursor(ctx context.Context, cursor *SyncCursor) error
}

// NewGormConfig keeps every timestamp GORM generates in UTC so that text
// ordering in sqlite matches time ordering.
func NewGormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: logger.New(log.New(os.Stderr, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

type GormSyncStorage struct {
	db *gorm.DB
}

func NewGormSyncStorage(db *gorm.DB) *GormSyncStorage {
	return &GormSyncStorage{db: db}
}

func (s *GormSyncStorage) DB() *gorm.DB {
	return s.db
}

// WithTx returns a storage bound to tx.
func (s *GormSyncStorage) WithTx(tx *gorm.DB) *GormSyncStorage {
	return &GormSyncStorage{db: tx}
}

func (s *GormSyncStorage) AppendEntry(ctx context.Context, entry *ChangeLogEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}
	return nil
}

func (s *GormSyncStorage) PendingEntries(ctx context.Context, limit int) ([]ChangeLogEntry, error) {
	var entries []ChangeLogEntry
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("synced_at ASC").
		Order("updated_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	return entries, nil
}

func (s *GormSyncStorage) MarkSynced(ctx context.Context, logID string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&ChangeLogEntry{}).
		Where("log_id = ?", logID).
		Updates(map[string]interface{}{"synced": true, "synced_at": at.UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to mark %v synced: %w", logID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to mark %v synced: %w", logID, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *GormSyncStorage) KnownLogIDs(ctx context.Context, logIDs []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(logIDs) == 0 {
		return known, nil
	}
	var found []string
	err := s.db.WithContext(ctx).
		Model(&ChangeLogEntry{}).
		Where("log_id IN ?", logIDs).
		Pluck("log_id", &found).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query known log ids: %w", err)
	}
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

func (s *GormSyncStorage) MirrorEntry(ctx context.Context, entry *ChangeLogEntry) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "log_id"}},
			UpdateAll: true,
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to mirror change log entry %v: %w", entry.LogID, err)
	}
	return nil
}

// ChangesSince pages through the log in (created_at, log_id) order, starting
// after the entry at since/afterLogID. An empty afterLogID starts after every
// entry created at since.
func (s *GormSyncStorage) ChangesSince(ctx context.Context, since time.Time, afterLogID, excludeSource string, limit int) ([]ChangeLogEntry, error) {
	q := s.db.WithContext(ctx)
	if afterLogID == "" {
		q = q.Where("created_at > ?", since.UTC())
	} else {
		q = q.Where("created_at > ? OR (created_at = ? AND log_id > ?)", since.UTC(), since.UTC(), afterLogID)
	}
	if excludeSource != "" {
		q = q.Where("source_server <> ?", excludeSource)
	}
	var entries []ChangeLogEntry
	err := q.Order("created_at ASC").Order("log_id ASC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	return entries, nil
}

// Cursor returns the stored cursor or a fresh, unsaved one.
func (s *GormSyncStorage) Cursor(ctx context.Context, id CursorIdentity) (*SyncCursor, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).
		Where("store_id = ? AND store_type = ? AND server_role = ?", id.StoreID, id.StoreType, id.ServerRole).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &SyncCursor{StoreID: id.StoreID, StoreType: id.StoreType, ServerRole: id.ServerRole}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return &cursor, nil
}

func (s *GormSyncStorage) SaveCursor(ctx context.Context, cursor *SyncCursor) error {
	if cursor.ID != 0 {
		if err := s.db.WithContext(ctx).Save(cursor).Error; err != nil {
			return fmt.Errorf("failed to save sync cursor: %w", err)
		}
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "store_id"}, {Name: "store_type"}, {Name: "server_role"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"last_upload_time", "last_download_time", "last_download_log_id", "last_sync_count", "updated_at",
			}),
		}).
		Create(cursor).Error
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
