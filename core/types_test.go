package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDeltaRecord_MarshalJSON(t *testing.T) {
	testCases := []struct {
		name   string
		record DeltaRecord
		want   string
	}{
		{
			name:   "row with fields",
			record: DeltaRecord{ID: 7, Fields: map[string]any{"Id": 7, "Text": "pump off"}},
			want:   `{"Id":7,"Text":"pump off"}`,
		},
		{
			name:   "deletion row is a bare id",
			record: DeltaRecord{ID: 42},
			want:   `42`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := json.Marshal(tc.record)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(b))
		})
	}
}

func TestWell_Payload(t *testing.T) {
	parent := int64(3)
	w := &Well{ID: 10, ParentID: &parent, Attributes: map[string]any{"Name": "W-10"}}

	p := w.Payload(false)
	assert.Equal(t, "W-10", p["Name"])
	assert.Equal(t, int64(10), p["WellID"])
	assert.Equal(t, int64(3), p["WellParentId"])
	assert.NotContains(t, p, "socketIsConnected")

	p = w.Payload(true)
	assert.Equal(t, true, p["socketIsConnected"])
	assert.NotContains(t, w.Attributes, "socketIsConnected", "payload must not mutate attributes")

	assert.True(t, w.HasParent())
	assert.False(t, (&Well{ID: 1}).HasParent())
	zero := int64(0)
	assert.False(t, (&Well{ID: 1, ParentID: &zero}).HasParent())
}

func TestLiveSample_Payload(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &LiveSample{Code: 99, Timestamp: ts, Fields: map[string]any{"depth": 1200.5}}

	p := s.Payload()
	assert.Equal(t, int64(99), p["code"])
	assert.Equal(t, ts, p["dater"])
	assert.Equal(t, 1200.5, p["depth"])

	s.Fields["code"] = int64(100)
	assert.Equal(t, int64(100), s.Payload()["code"], "source columns win over derived ones")
}

func TestAck(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"maxId": 12})
	require.NoError(t, err)

	ok := AckOK(data)
	assert.True(t, ok.OK())
	assert.Equal(t, "ack(success)", ok.String())

	var m map[string]any
	require.NoError(t, ok.Decode(&m))
	assert.Contains(t, m, "maxId")

	failed := AckFailed("storage busy")
	assert.False(t, failed.OK())
	assert.Equal(t, "ack(failure: storage busy)", failed.String())
	assert.Error(t, failed.Decode(&m))
}

func TestStreamKind_Valid(t *testing.T) {
	for _, k := range DeltaStreams {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, StreamKind("process-sample").Valid())
}
