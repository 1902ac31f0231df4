package columnar

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	arrowMagic = []byte("ARROW1")

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func zstdDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Decode parses an Arrow IPC payload (file or stream format) into a batch.
// Payloads framed with zstd are decompressed first. When the payload holds
// several record batches their columns are concatenated.
func Decode(data []byte) (*Batch, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
	}

	var (
		schema  *arrow.Schema
		records [][]arrow.Array
		err     error
	)
	if bytes.HasPrefix(data, arrowMagic) {
		schema, records, err = readFile(data)
	} else {
		schema, records, err = readStream(data)
	}
	if err != nil {
		return nil, err
	}

	columns, err := concatRecords(schema, records)
	if err != nil {
		return nil, err
	}
	return NewBatch(schema, columns)
}

func readFile(data []byte) (*arrow.Schema, [][]arrow.Array, error) {
	rdr, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open arrow file: %w", err)
	}
	defer rdr.Close()

	records := make([][]arrow.Array, 0, rdr.NumRecords())
	for i := 0; i < rdr.NumRecords(); i++ {
		rec, err := rdr.Record(i)
		if err != nil {
			releaseAll(records)
			return nil, nil, fmt.Errorf("failed to read record batch %d: %w", i, err)
		}
		records = append(records, retainColumns(rec))
	}
	return rdr.Schema(), records, nil
}

func readStream(data []byte) (*arrow.Schema, [][]arrow.Array, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open arrow stream: %w", err)
	}
	defer rdr.Release()

	var records [][]arrow.Array
	for rdr.Next() {
		records = append(records, retainColumns(rdr.Record()))
	}
	if err := rdr.Err(); err != nil {
		releaseAll(records)
		return nil, nil, fmt.Errorf("failed to read arrow stream: %w", err)
	}
	return rdr.Schema(), records, nil
}

// retainColumns keeps the columns of a reader-owned record alive after the
// reader moves on.
func retainColumns(rec arrow.Record) []arrow.Array {
	cols := make([]arrow.Array, rec.NumCols())
	for i := range cols {
		col := rec.Column(i)
		col.Retain()
		cols[i] = col
	}
	return cols
}

func releaseAll(records [][]arrow.Array) {
	for _, rec := range records {
		for _, col := range rec {
			col.Release()
		}
	}
}

func concatRecords(schema *arrow.Schema, records [][]arrow.Array) ([]arrow.Array, error) {
	nFields := len(schema.Fields())
	switch len(records) {
	case 0:
		cols := make([]arrow.Array, nFields)
		for i, f := range schema.Fields() {
			cols[i] = array.MakeArrayOfNull(memory.DefaultAllocator, f.Type, 0)
		}
		return cols, nil
	case 1:
		return records[0], nil
	}

	cols := make([]arrow.Array, nFields)
	for i := 0; i < nFields; i++ {
		parts := make([]arrow.Array, len(records))
		for j, rec := range records {
			parts[j] = rec[i]
		}
		col, err := array.Concatenate(parts, memory.DefaultAllocator)
		if err != nil {
			releaseAll(records)
			return nil, fmt.Errorf("failed to concatenate column %q: %w", schema.Field(i).Name, err)
		}
		cols[i] = col
	}
	releaseAll(records)
	return cols, nil
}

// Encode writes a batch as a single-record Arrow IPC file.
func Encode(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(b.schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow writer: %w", err)
	}

	cols := make([]arrow.Array, 0, len(b.schema.Fields()))
	for _, f := range b.schema.Fields() {
		cols = append(cols, b.columns[f.Name])
	}
	rec := array.NewRecord(b.schema, cols, int64(b.rows))
	defer rec.Release()

	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close arrow writer: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeZstd writes a batch like Encode and frames the result with zstd.
func EncodeZstd(b *Batch) ([]byte, error) {
	raw, err := Encode(b)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}
