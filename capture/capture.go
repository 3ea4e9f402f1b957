// Package capture appends a change-log entry for every committed mutation of
// a registered table, inside the transaction of the business write.
package capture

import (
	"context"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const savepointName = "shopsync_capture"

type Metadata struct {
	SourceServer string
	StoreType    string
	ServerRole   string
}

type metadataKey struct{}

// WithMetadata overrides the provenance of entries captured under ctx.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// Capturer is a gorm.Plugin.
type Capturer struct {
	registry *registry.Registry
	metadata atomic.Pointer[Metadata]
	now      func() time.Time
}

func New(reg *registry.Registry) *Capturer {
	c := &Capturer{
		registry: reg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.metadata.Store(&Metadata{})
	return c
}

// SetMetadata replaces the provenance stamped on subsequently captured
// entries.
func (c *Capturer) SetMetadata(md Metadata) {
	c.metadata.Store(&md)
}

func (c *Capturer) Metadata() Metadata {
	return *c.metadata.Load()
}

func (c *Capturer) Name() string {
	return "shopsync:capture"
}

func (c *Capturer) Initialize(db *gorm.DB) error {
	err := db.Callback().Update().
		After("gorm:before_update").
		Before("gorm:update").
		Register("shopsync:collect_update_keys", c.collectKeys)
	if err != nil {
		return err
	}
	err = db.Callback().Delete().
		After("gorm:before_delete").
		Before("gorm:delete").
		Register("shopsync:collect_delete_keys", c.collectKeys)
	if err != nil {
		return err
	}
	err = db.Callback().Create().
		After("gorm:create").
		Before("gorm:commit_or_rollback_transaction").
		Register("shopsync:capture_create", func(db *gorm.DB) { c.capture(db, store.ActionInsert) })
	if err != nil {
		return err
	}
	err = db.Callback().Update().
		After("gorm:update").
		Before("gorm:commit_or_rollback_transaction").
		Register("shopsync:capture_update", func(db *gorm.DB) { c.capture(db, store.ActionUpdate) })
	if err != nil {
		return err
	}
	return db.Callback().Delete().
		After("gorm:delete").
		Before("gorm:commit_or_rollback_transaction").
		Register("shopsync:capture_delete", func(db *gorm.DB) { c.capture(db, store.ActionDelete) })
}

func (c *Capturer) metadataFor(ctx context.Context) Metadata {
	if md, ok := ctx.Value(metadataKey{}).(Metadata); ok {
		return md
	}
	return c.Metadata()
}

func statementContext(stmt *gorm.Statement) context.Context {
	if stmt.Context == nil {
		return context.Background()
	}
	return stmt.Context
}

// modelKeys returns the primary keys carried by the statement's model, or
// nil when any of them is unset.
func modelKeys(d *registry.Descriptor, stmt *gorm.Statement) [][]interface{} {
	var keys [][]interface{}
	for _, row := range rowsOf(stmt.ReflectValue) {
		key, err := d.KeyValues(row.Interface())
		if err != nil || zeroKey(key) {
			return nil
		}
		keys = append(keys, key)
	}
	return keys
}

// collectKeys resolves the rows a conditional update or delete is about to
// touch, so the after callback can log them once the write succeeded.
func (c *Capturer) collectKeys(db *gorm.DB) {
	stmt := db.Statement
	if db.Error != nil || stmt.Schema == nil {
		return
	}
	ctx := statementContext(stmt)
	if Suppressed(ctx) {
		return
	}
	d, err := c.registry.Resolve(stmt.Schema.Table)
	if err != nil || len(modelKeys(d, stmt)) > 0 {
		return
	}
	where, ok := stmt.Clauses["WHERE"]
	if !ok {
		return
	}

	columns := make([]string, 0, len(d.KeyColumns()))
	for _, k := range d.KeyColumns() {
		columns = append(columns, k.Name)
	}
	rows := d.NewSlice()
	err = db.Session(&gorm.Session{NewDB: true, SkipDefaultTransaction: true, Context: ctx}).
		Model(d.NewRow()).
		Clauses(where.Expression).
		Select(columns).
		Find(rows).Error
	if err != nil {
		slog.Warn("failed to resolve keys of conditional write", "table", d.Table(), "error", err)
		return
	}
	var keys [][]interface{}
	for _, row := range rowsOf(reflect.ValueOf(rows)) {
		if key, err := d.KeyValues(row.Interface()); err == nil {
			keys = append(keys, key)
		}
	}
	db.InstanceSet(keysSetting, keys)
}

const keysSetting = "shopsync:keys"

func (c *Capturer) capture(db *gorm.DB, action store.Action) {
	stmt := db.Statement
	if db.Error != nil || stmt.Schema == nil || db.RowsAffected == 0 {
		return
	}
	ctx := statementContext(stmt)
	if Suppressed(ctx) {
		return
	}
	d, err := c.registry.Resolve(stmt.Schema.Table)
	if err != nil {
		return
	}

	keys := modelKeys(d, stmt)
	if len(keys) == 0 {
		if collected, ok := db.InstanceGet(keysSetting); ok {
			keys = collected.([][]interface{})
		}
	}
	if len(keys) == 0 {
		slog.Warn("change not captured: primary key unresolved",
			"table", d.Table(), "action", action)
		return
	}
	for _, key := range keys {
		c.append(ctx, db, d, action, key)
	}
}

func (c *Capturer) append(ctx context.Context, db *gorm.DB, d *registry.Descriptor, action store.Action, key []interface{}) {
	// Model(nil) detaches from the in-flight statement so capture queries
	// never replay the business SQL.
	session := func() *gorm.DB {
		return db.Session(&gorm.Session{NewDB: true, SkipDefaultTransaction: true, Context: ctx}).Model(nil)
	}
	md := c.metadataFor(ctx)
	now := c.now()
	entry := &store.ChangeLogEntry{
		LogID:        uuid.New().String(),
		TableName:    d.Table(),
		RecordID:     registry.FormatKey(key...),
		Action:       action,
		UpdatedAt:    now,
		SyncedAt:     now,
		CreatedAt:    now,
		SourceServer: md.SourceServer,
		StoreType:    md.StoreType,
		ServerRole:   md.ServerRole,
	}
	if action != store.ActionDelete && d.Snapshot() {
		payload, err := d.Project(ctx, session(), key)
		if err != nil {
			slog.Warn("capturing change without payload snapshot",
				"table", d.Table(), "record", entry.RecordID, "error", err)
		} else {
			entry.Payload = []byte(payload)
		}
	}

	_, inTx := db.Statement.ConnPool.(gorm.TxCommitter)
	if inTx {
		if err := session().SavePoint(savepointName).Error; err != nil {
			slog.Warn("failed to set capture savepoint", "table", d.Table(), "error", err)
			inTx = false
		}
	}
	if err := store.NewGormSyncStorage(session()).AppendEntry(ctx, entry); err != nil {
		slog.Error("failed to capture change",
			"table", d.Table(), "record", entry.RecordID, "action", action, "error", err)
		if inTx {
			if err := session().RollbackTo(savepointName).Error; err != nil {
				slog.Error("failed to roll back capture savepoint", "error", err)
			}
		}
	}
}

func rowsOf(v reflect.Value) []reflect.Value {
	v = reflect.Indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		return []reflect.Value{v}
	case reflect.Slice, reflect.Array:
		rows := make([]reflect.Value, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			if row := reflect.Indirect(v.Index(i)); row.Kind() == reflect.Struct {
				rows = append(rows, row)
			}
		}
		return rows
	}
	return nil
}

func zeroKey(key []interface{}) bool {
	for _, v := range key {
		if v != nil && !reflect.ValueOf(v).IsZero() {
			return false
		}
	}
	return true
}
