// Package columnar decodes tile objects into in-memory columnar batches.
package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Batch is the decoded content of one tile object: a schema with key/value
// metadata and one array per field.
type Batch struct {
	schema  *arrow.Schema
	columns map[string]arrow.Array
	rows    int
}

// NewBatch creates a batch from a schema and one column per schema field.
func NewBatch(schema *arrow.Schema, columns []arrow.Array) (*Batch, error) {
	if schema == nil {
		return nil, fmt.Errorf("nil schema")
	}
	if len(columns) != len(schema.Fields()) {
		return nil, fmt.Errorf("schema has %d fields, got %d columns", len(schema.Fields()), len(columns))
	}

	b := &Batch{
		schema:  schema,
		columns: make(map[string]arrow.Array, len(columns)),
		rows:    -1,
	}
	for i, f := range schema.Fields() {
		col := columns[i]
		if b.rows == -1 {
			b.rows = col.Len()
		} else if col.Len() != b.rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", f.Name, col.Len(), b.rows)
		}
		b.columns[f.Name] = col
	}
	if b.rows < 0 {
		b.rows = 0
	}
	return b, nil
}

// Schema returns the batch schema.
func (b *Batch) Schema() *arrow.Schema {
	return b.schema
}

// NumRows returns the number of rows.
func (b *Batch) NumRows() int {
	return b.rows
}

// Column returns the named column.
func (b *Batch) Column(name string) (arrow.Array, bool) {
	col, ok := b.columns[name]
	return col, ok
}

// Has reports whether the batch carries the named column.
func (b *Batch) Has(name string) bool {
	_, ok := b.columns[name]
	return ok
}

// Names returns the column names in schema order.
func (b *Batch) Names() []string {
	names := make([]string, 0, len(b.schema.Fields()))
	for _, f := range b.schema.Fields() {
		names = append(names, f.Name)
	}
	return names
}

// Metadata returns a schema-level metadata value.
func (b *Batch) Metadata(key string) (string, bool) {
	md := b.schema.Metadata()
	idx := md.FindKey(key)
	if idx < 0 {
		return "", false
	}
	return md.Values()[idx], true
}

// Float64s builds a float64 column. Used by tools and tests that write tiles.
func Float64s(values []float64) arrow.Array {
	bld := array.NewFloat64Builder(memory.DefaultAllocator)
	defer bld.Release()
	bld.AppendValues(values, nil)
	return bld.NewArray()
}

// Int64s builds an int64 column.
func Int64s(values []int64) arrow.Array {
	bld := array.NewInt64Builder(memory.DefaultAllocator)
	defer bld.Release()
	bld.AppendValues(values, nil)
	return bld.NewArray()
}

// Strings builds a utf8 column.
func Strings(values []string) arrow.Array {
	bld := array.NewStringBuilder(memory.DefaultAllocator)
	defer bld.Release()
	bld.AppendValues(values, nil)
	return bld.NewArray()
}

// Float64At reads element i of a numeric column as float64.
func Float64At(arr arrow.Array, i int) (float64, error) {
	if i < 0 || i >= arr.Len() {
		return 0, fmt.Errorf("index %d out of range (len=%d)", i, arr.Len())
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.Int64:
		return float64(a.Value(i)), nil
	case *array.Int32:
		return float64(a.Value(i)), nil
	case *array.Int16:
		return float64(a.Value(i)), nil
	case *array.Int8:
		return float64(a.Value(i)), nil
	case *array.Uint64:
		return float64(a.Value(i)), nil
	case *array.Uint32:
		return float64(a.Value(i)), nil
	case *array.Uint16:
		return float64(a.Value(i)), nil
	case *array.Uint8:
		return float64(a.Value(i)), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type: %s", arr.DataType())
	}
}

// Int64At reads element i of an integer column as int64. Float columns are
// truncated.
func Int64At(arr arrow.Array, i int) (int64, error) {
	if i < 0 || i >= arr.Len() {
		return 0, fmt.Errorf("index %d out of range (len=%d)", i, arr.Len())
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Int16:
		return int64(a.Value(i)), nil
	case *array.Int8:
		return int64(a.Value(i)), nil
	case *array.Uint64:
		return int64(a.Value(i)), nil
	case *array.Uint32:
		return int64(a.Value(i)), nil
	case *array.Uint16:
		return int64(a.Value(i)), nil
	case *array.Uint8:
		return int64(a.Value(i)), nil
	case *array.Float64:
		return int64(a.Value(i)), nil
	case *array.Float32:
		return int64(a.Value(i)), nil
	default:
		return 0, fmt.Errorf("unsupported integer type: %s", arr.DataType())
	}
}
