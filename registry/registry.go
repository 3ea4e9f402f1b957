// Package registry maps table names to typed handlers so that change-log
// entries can be applied without knowing the row type at compile time.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/breez/shop-sync/store"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	ErrUnknownTable   = errors.New("unknown table")
	ErrKeyArity       = errors.New("record id does not match primary key arity")
	ErrKeyConversion  = errors.New("failed to convert record id segment")
	ErrMissingPayload = errors.New("missing payload")
	ErrDecodePayload  = errors.New("failed to decode payload")
)

// Decoder turns a payload into a pointer to a new row of the descriptor type.
type Decoder func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Projector rebuilds a payload from the current state of the row at key.
type Projector func(ctx context.Context, db *gorm.DB, d *Descriptor, key []interface{}) (json.RawMessage, error)

type Option func(*Descriptor)

func WithDecoder(decoder Decoder) Option {
	return func(d *Descriptor) { d.decode = decoder }
}

func WithProjector(projector Projector) Option {
	return func(d *Descriptor) { d.project = projector }
}

// WithoutSnapshot stops capture from storing a payload snapshot; the payload is
// then projected when the entry is uploaded.
func WithoutSnapshot() Option {
	return func(d *Descriptor) { d.noSnapshot = true }
}

type KeyColumn struct {
	Name     string
	Type     reflect.Type
	Nullable bool
	index    []int
}

type Descriptor struct {
	table   string
	rowType reflect.Type
	keys    []KeyColumn
	decode  Decoder
	project Projector

	noSnapshot bool
}

type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Descriptor
	cache  *sync.Map
	namer  schema.Namer
}

func New() *Registry {
	return &Registry{
		tables: make(map[string]*Descriptor),
		cache:  &sync.Map{},
		namer:  schema.NamingStrategy{},
	}
}

// Register binds T under the table name GORM derives for it.
func Register[T any](r *Registry, opts ...Option) (*Descriptor, error) {
	s, err := schema.Parse(new(T), r.cache, r.namer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema of %T: %w", *new(T), err)
	}
	if len(s.PrimaryFields) == 0 {
		return nil, fmt.Errorf("%v has no primary key", s.Table)
	}

	d := &Descriptor{
		table:   s.Table,
		rowType: reflect.TypeOf(*new(T)),
		decode: func(_ context.Context, payload json.RawMessage) (interface{}, error) {
			row := new(T)
			if err := json.Unmarshal(payload, row); err != nil {
				return nil, err
			}
			return row, nil
		},
		project: projectRow,
	}
	for _, f := range s.PrimaryFields {
		d.keys = append(d.keys, KeyColumn{
			Name:     f.DBName,
			Type:     f.FieldType,
			Nullable: f.FieldType.Kind() == reflect.Ptr,
			index:    f.StructField.Index,
		})
	}
	for _, opt := range opts {
		opt(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(s.Table)
	if _, ok := r.tables[name]; ok {
		return nil, fmt.Errorf("table %v already registered", s.Table)
	}
	r.tables[name] = d
	return d, nil
}

func MustRegister[T any](r *Registry, opts ...Option) *Descriptor {
	d, err := Register[T](r, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Resolve finds the descriptor for table, ignoring case.
func (r *Registry) Resolve(table string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tables[strings.ToLower(strings.TrimSpace(table))]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTable, table)
	}
	return d, nil
}

func (r *Registry) Watched(table string) bool {
	_, err := r.Resolve(table)
	return err == nil
}

func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.tables))
	for _, d := range r.tables {
		tables = append(tables, d.table)
	}
	sort.Strings(tables)
	return tables
}

func (d *Descriptor) Table() string {
	return d.table
}

func (d *Descriptor) Snapshot() bool {
	return !d.noSnapshot
}

func (d *Descriptor) KeyColumns() []KeyColumn {
	return append([]KeyColumn(nil), d.keys...)
}

func (d *Descriptor) NewRow() interface{} {
	return reflect.New(d.rowType).Interface()
}

// NewSlice returns a pointer to an empty []T.
func (d *Descriptor) NewSlice() interface{} {
	return reflect.New(reflect.SliceOf(d.rowType)).Interface()
}

// KeyValues reads the primary key of row, which may be a T or *T.
func (d *Descriptor) KeyValues(row interface{}) ([]interface{}, error) {
	rv := reflect.Indirect(reflect.ValueOf(row))
	if rv.Type() != d.rowType {
		return nil, fmt.Errorf("%v: unexpected row type %v", d.table, rv.Type())
	}
	values := make([]interface{}, len(d.keys))
	for i, k := range d.keys {
		fv := rv.FieldByIndex(k.index)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		values[i] = fv.Interface()
	}
	return values, nil
}

// RecordID renders the primary key of row the way change-log entries carry it.
func (d *Descriptor) RecordID(row interface{}) (string, error) {
	values, err := d.KeyValues(row)
	if err != nil {
		return "", err
	}
	return FormatKey(values...), nil
}

func (d *Descriptor) Decode(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, fmt.Errorf("%w for %v", ErrMissingPayload, d.table)
	}
	row, err := d.decode(ctx, payload)
	if err != nil {
		// file system failures may clear up, so they are not decode errors
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to materialize %v payload: %w", d.table, err)
		}
		return nil, fmt.Errorf("%w for %v: %v", ErrDecodePayload, d.table, err)
	}
	if reflect.TypeOf(row) != reflect.PointerTo(d.rowType) {
		return nil, fmt.Errorf("%w for %v: decoder returned %T", ErrDecodePayload, d.table, row)
	}
	return row, nil
}

func (d *Descriptor) keyConditions(key []interface{}) map[string]interface{} {
	conds := make(map[string]interface{}, len(d.keys))
	for i, k := range d.keys {
		conds[k.Name] = key[i]
	}
	return conds
}

func (d *Descriptor) setKey(row interface{}, key []interface{}) {
	rv := reflect.ValueOf(row).Elem()
	for i, k := range d.keys {
		fv := rv.FieldByIndex(k.index)
		switch {
		case key[i] == nil:
			fv.Set(reflect.Zero(fv.Type()))
		case fv.Kind() == reflect.Ptr:
			p := reflect.New(fv.Type().Elem())
			p.Elem().Set(reflect.ValueOf(key[i]))
			fv.Set(p)
		default:
			fv.Set(reflect.ValueOf(key[i]))
		}
	}
}

// Find loads the row at key, returning gorm.ErrRecordNotFound when absent.
func (d *Descriptor) Find(ctx context.Context, db *gorm.DB, key []interface{}) (interface{}, error) {
	if len(key) != len(d.keys) {
		return nil, fmt.Errorf("%w: %v expects %d values, got %d", ErrKeyArity, d.table, len(d.keys), len(key))
	}
	row := d.NewRow()
	if err := db.WithContext(ctx).Where(d.keyConditions(key)).Take(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// Apply materializes one change. Upserts replace the whole row; conflicting
// concurrent writers resolve as last-writer-wins.
func (d *Descriptor) Apply(ctx context.Context, tx *gorm.DB, action store.Action, key []interface{}, payload json.RawMessage) error {
	if len(key) != len(d.keys) {
		return fmt.Errorf("%w: %v expects %d values, got %d", ErrKeyArity, d.table, len(d.keys), len(key))
	}
	tx = tx.WithContext(ctx)

	if action == store.ActionDelete {
		if err := tx.Where(d.keyConditions(key)).Delete(d.NewRow()).Error; err != nil {
			return fmt.Errorf("failed to delete %v %v: %w", d.table, FormatKey(key...), err)
		}
		return nil
	}
	if !action.IsUpsert() {
		return fmt.Errorf("%w: %q", store.ErrUnknownAction, action)
	}

	row, err := d.Decode(ctx, payload)
	if err != nil {
		return err
	}
	d.setKey(row, key)

	var count int64
	if err := tx.Model(d.NewRow()).Where(d.keyConditions(key)).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up %v %v: %w", d.table, FormatKey(key...), err)
	}
	if count == 0 {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to insert %v %v: %w", d.table, FormatKey(key...), err)
		}
		return nil
	}
	if err := tx.Model(row).Select("*").Where(d.keyConditions(key)).Updates(row).Error; err != nil {
		return fmt.Errorf("failed to update %v %v: %w", d.table, FormatKey(key...), err)
	}
	return nil
}

// Project rebuilds the payload for key from the current row state.
func (d *Descriptor) Project(ctx context.Context, db *gorm.DB, key []interface{}) (json.RawMessage, error) {
	return d.project(ctx, db, d, key)
}

func projectRow(ctx context.Context, db *gorm.DB, d *Descriptor, key []interface{}) (json.RawMessage, error) {
	row, err := d.Find(ctx, db, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(row)
}
