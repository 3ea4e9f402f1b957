package registry

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keySeparator = ","

var (
	uuidType            = reflect.TypeOf(uuid.UUID{})
	timeType            = reflect.TypeOf(time.Time{})
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// FormatKey joins key values in column order. It is the inverse of ParseKey.
func FormatKey(values ...interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatSegment(v)
	}
	return strings.Join(parts, keySeparator)
}

func formatSegment(v interface{}) string {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		v = rv.Elem().Interface()
	}
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return t.String()
	case encoding.TextMarshaler:
		if b, err := t.MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// ParseKey splits recordID and converts every segment to the native type of
// its primary key column.
func (d *Descriptor) ParseKey(recordID string) ([]interface{}, error) {
	segments := strings.Split(recordID, keySeparator)
	if len(segments) != len(d.keys) {
		return nil, fmt.Errorf("%w: %v has %d segments, %v expects %d",
			ErrKeyArity, recordID, len(segments), d.table, len(d.keys))
	}
	values := make([]interface{}, len(segments))
	for i, segment := range segments {
		v, err := convertSegment(strings.TrimSpace(segment), d.keys[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v.%v=%q: %v", ErrKeyConversion, d.table, d.keys[i].Name, segment, err)
		}
		values[i] = v
	}
	return values, nil
}

func convertSegment(segment string, column KeyColumn) (interface{}, error) {
	t := column.Type
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == reflect.TypeOf("") {
		return segment, nil
	}
	if segment == "" {
		if column.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("empty value for non-nullable column")
	}

	switch {
	case t == uuidType:
		return uuid.Parse(segment)
	case t == timeType:
		return time.Parse(time.RFC3339Nano, segment)
	case reflect.PointerTo(t).Implements(textUnmarshalerType):
		v := reflect.New(t)
		if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(segment)); err != nil {
			return nil, err
		}
		return v.Elem().Interface(), nil
	}

	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(segment).Convert(t).Interface(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(segment, 10, t.Bits())
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(n).Convert(t).Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(segment, 10, t.Bits())
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(n).Convert(t).Interface(), nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(segment, t.Bits())
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(f).Convert(t).Interface(), nil
	case reflect.Bool:
		b, err := strconv.ParseBool(segment)
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(b).Convert(t).Interface(), nil
	}
	return nil, fmt.Errorf("unsupported key type %v", t)
}
