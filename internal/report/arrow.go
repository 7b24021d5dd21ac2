package report

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema is the column layout of the Arrow export, one row per case.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "run_id", Type: arrow.BinaryTypes.String},
	{Name: "op", Type: arrow.BinaryTypes.String},
	{Name: "device", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "params", Type: arrow.BinaryTypes.String},
	{Name: "outcome", Type: arrow.BinaryTypes.String},
	{Name: "state", Type: arrow.BinaryTypes.String},
	{Name: "workspace_bytes", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "max_abs_err", Type: arrow.PrimitiveTypes.Float64},
	{Name: "oracle_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "native_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "elapsed_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "message", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// WriteArrow writes rows to w as an Arrow IPC file holding one record
// batch.
func WriteArrow(w io.Writer, rows []Row) error {
	mem := memory.NewGoAllocator()

	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	str := func(i int) *array.StringBuilder { return b.Field(i).(*array.StringBuilder) }
	i64 := func(i int) *array.Int64Builder { return b.Field(i).(*array.Int64Builder) }

	for _, r := range rows {
		str(0).Append(r.RunID)
		str(1).Append(r.Op)
		str(2).Append(r.Device)
		str(3).Append(r.DType)
		str(4).Append(r.Params)
		str(5).Append(r.Outcome)
		str(6).Append(r.State)
		b.Field(7).(*array.Uint64Builder).Append(r.WorkspaceBytes)
		b.Field(8).(*array.Float64Builder).Append(r.MaxAbsErr)
		i64(9).Append(r.OracleNS)
		i64(10).Append(r.NativeNS)
		i64(11).Append(r.ElapsedNS)

		if r.Message == "" {
			str(12).AppendNull()
		} else {
			str(12).Append(r.Message)
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("report: arrow writer: %w", err)
	}

	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("report: arrow write: %w", err)
	}

	if err := fw.Close(); err != nil {
		return fmt.Errorf("report: arrow close: %w", err)
	}

	return nil
}

// WriteArrowFile writes rows to path, replacing any existing file.
func WriteArrowFile(path string, rows []Row) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}

	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("report: close %s: %w", path, cerr)
		}
	}()

	return WriteArrow(f, rows)
}
