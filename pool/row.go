package pool

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Row is a single result row. Values are kept as returned by a driver.
type Row struct {
	columns []string
	values  []interface{}
}

// NewRow creates a row of values named by columns.
func NewRow(columns []string, values []interface{}) Row {
	return Row{columns: columns, values: values}
}

// Columns returns column names.
func (r Row) Columns() []string {
	return r.columns
}

// Values returns all values of the row.
func (r Row) Values() []interface{} {
	return r.values
}

// Len returns a number of values.
func (r Row) Len() int {
	return len(r.values)
}

// Value returns a value by position.
func (r Row) Value(i int) interface{} {
	return r.values[i]
}

// Index returns a position of a named column or -1.
func (r Row) Index(name string) int {
	for i, c := range r.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Map returns the row as column name to value map.
func (r Row) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.values))
	for i, v := range r.values {
		m[r.columns[i]] = v
	}
	return m
}

func (r Row) raw(i int) (interface{}, error) {
	if i < 0 || i >= len(r.values) {
		return nil, fmt.Errorf("column %d out of range [0, %d)", i, len(r.values))
	}
	v := r.values[i]
	if valuer, ok := v.(driver.Valuer); ok {
		return valuer.Value()
	}
	return v, nil
}

// String returns a value as a string.
func (r Row) String(i int) (string, error) {
	v, err := r.raw(i)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Int64 returns a value as an integer.
func (r Row) Int64(i int) (int64, error) {
	v, err := r.raw(i)
	if err != nil {
		return 0, err
	}
	switch v := v.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("column %d: can't convert %T to int64", i, v)
}

// Bool returns a value as a boolean.
func (r Row) Bool(i int) (bool, error) {
	v, err := r.raw(i)
	if err != nil {
		return false, err
	}
	switch v := v.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case []byte:
		return strconv.ParseBool(string(v))
	case string:
		return strconv.ParseBool(v)
	}
	return false, fmt.Errorf("column %d: can't convert %T to bool", i, v)
}

// Bytes returns a value as a byte slice.
func (r Row) Bytes(i int) ([]byte, error) {
	v, err := r.raw(i)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("column %d: can't convert %T to []byte", i, v)
}

// Time returns a value as a time.
func (r Row) Time(i int) (time.Time, error) {
	v, err := r.raw(i)
	if err != nil {
		return time.Time{}, err
	}
	switch v := v.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return time.Parse(time.RFC3339Nano, string(v))
	case string:
		return time.Parse(time.RFC3339Nano, v)
	}
	return time.Time{}, fmt.Errorf("column %d: can't convert %T to time", i, v)
}

// Decimal returns a numeric value without loss of precision.
func (r Row) Decimal(i int) (decimal.Decimal, error) {
	v, err := r.raw(i)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch v := v.(type) {
	case decimal.Decimal:
		return v, nil
	case []byte:
		return decimal.NewFromString(string(v))
	case string:
		return decimal.NewFromString(v)
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	}
	return decimal.Decimal{}, fmt.Errorf("column %d: can't convert %T to decimal", i, v)
}
