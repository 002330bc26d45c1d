package replication

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/wellrelay/compressors"
	"github.com/INLOpen/wellrelay/core"
	"github.com/INLOpen/wellrelay/internal/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const testWellID int64 = 42

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestPipeline returns a pipeline that does not wait between batches.
func newTestPipeline(compressor core.Compressor) *Pipeline {
	return NewPipeline(PipelineOptions{
		WellID:     testWellID,
		Codec:      compressors.NewCodec(compressor),
		BatchDelay: -1,
		Logger:     testLogger(),
	})
}

func deltaRecords(from, to int64) []core.DeltaRecord {
	var out []core.DeltaRecord
	for id := from; id <= to; id++ {
		out = append(out, core.DeltaRecord{ID: id, Fields: map[string]any{"id": id, "text": "row"}})
	}
	return out
}

// payloadIDs decodes the batch payload of call and returns the "id" (or
// "Code") field of every record in it.
func payloadIDs(t *testing.T, p *Pipeline, call testutil.Call) []int64 {
	t.Helper()
	require.GreaterOrEqual(t, len(call.Args), 2)
	payload, ok := call.Args[1].([]byte)
	require.True(t, ok, "payload must be []byte, got %T", call.Args[1])

	var rows []map[string]any
	require.NoError(t, p.codec.Decode(payload, &rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		v, ok := row["id"]
		if !ok {
			v = row["Code"]
		}
		f, ok := v.(float64)
		require.True(t, ok, "unexpected id type %T", v)
		ids = append(ids, int64(f))
	}
	return ids
}

func cursorAck(t *testing.T, data any) core.Ack {
	t.Helper()
	raw, err := msgpack.Marshal(data)
	require.NoError(t, err)
	return core.AckOK(raw)
}

func failedRecords(endpoint string, from, to int64) []core.FailedRecord {
	var out []core.FailedRecord
	for code := from; code <= to; code++ {
		out = append(out, core.FailedRecord{Code: code, Timestamp: time.Unix(code, 0).UTC(), ServerInfo: endpoint})
	}
	return out
}
