package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/wellrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wellID int64 = 42

func openMem(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(context.Background(), ":memory:", wellID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWell(t *testing.T) {
	ctx := context.Background()
	r := openMem(t)

	parent := int64(7)
	require.NoError(t, r.PutWell(ctx, &core.Well{ID: wellID, ParentID: &parent, Attributes: map[string]any{"Name": "W-42"}}))
	require.NoError(t, r.PutWell(ctx, &core.Well{ID: 7, Attributes: map[string]any{"Name": "Pad-7"}}))

	w, err := r.GetWellByID(ctx, wellID)
	require.NoError(t, err)
	assert.Equal(t, "W-42", w.Attributes["Name"])
	require.True(t, w.HasParent())
	assert.Equal(t, int64(7), *w.ParentID)

	p, err := r.GetWellByID(ctx, 7)
	require.NoError(t, err)
	assert.False(t, p.HasParent())

	_, err = r.GetWellByID(ctx, 1000)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeltaRecords(t *testing.T) {
	ctx := context.Background()
	r := openMem(t)

	require.NoError(t, r.AppendDelta(ctx, core.StreamComments,
		core.DeltaRecord{ID: 3, Fields: map[string]any{"text": "c"}},
		core.DeltaRecord{ID: 1, Fields: map[string]any{"text": "a"}},
		core.DeltaRecord{ID: 2, Fields: map[string]any{"text": "b"}},
	))
	require.NoError(t, r.AppendDelta(ctx, core.StreamCommentsDeleted, core.DeltaRecord{ID: 9}))

	// Rows of another well are invisible.
	other, err := New(ctx, r.DB(), 99, nil)
	require.NoError(t, err)
	require.NoError(t, other.AppendDelta(ctx, core.StreamComments, core.DeltaRecord{ID: 4, Fields: map[string]any{}}))

	recs, err := r.GetDeltaRecords(ctx, core.StreamComments, 1)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].ID)
	assert.Equal(t, "b", recs[0].Fields["text"])
	assert.Equal(t, int64(3), recs[1].ID)

	all, err := r.GetDeltaRecords(ctx, core.StreamComments, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	deleted, err := r.GetDeltaRecords(ctx, core.StreamCommentsDeleted, 0)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Nil(t, deleted[0].Fields)

	empty, err := r.GetDeltaRecords(ctx, core.StreamMasterLog, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = r.GetDeltaRecords(ctx, core.StreamKind("bogus"), 0)
	assert.Error(t, err)
}

func TestLatestSample(t *testing.T) {
	ctx := context.Background()
	r := openMem(t)

	s, err := r.GetLatestSample(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.PutSample(ctx, &core.LiveSample{Code: 10, Timestamp: ts, Fields: map[string]any{"depth": 1.5}}))
	require.NoError(t, r.PutSample(ctx, &core.LiveSample{Code: 11, Timestamp: ts.Add(time.Second)}))

	s, err = r.GetLatestSample(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(11), s.Code)
	assert.True(t, s.Timestamp.Equal(ts.Add(time.Second)))
	assert.Nil(t, s.Fields)
}

func TestFailedRecords(t *testing.T) {
	ctx := context.Background()
	r := openMem(t)
	const dest = "https://consumer:443"

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for code := int64(1); code <= 25; code++ {
		require.NoError(t, r.SaveFailedRecord(ctx, core.FailedRecord{Code: code, Timestamp: ts, ServerInfo: dest}))
	}
	require.NoError(t, r.SaveFailedRecord(ctx, core.FailedRecord{Code: 1, Timestamp: ts, ServerInfo: dest}), "duplicate save is a no-op")
	require.NoError(t, r.SaveFailedRecord(ctx, core.FailedRecord{Code: 1, Timestamp: ts, ServerInfo: "http://other:1"}))

	n, err := r.CountFailedRecords(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	page, err := r.GetFailedRecordsPage(ctx, dest, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, int64(1), page[0].Code)
	assert.Equal(t, dest, page[0].ServerInfo)
	assert.True(t, page[0].Timestamp.Equal(ts))

	second, err := r.GetFailedRecordsPage(ctx, dest, 20, 10)
	require.NoError(t, err)
	assert.Len(t, second, 5)

	require.NoError(t, r.DeleteFailedRecords(ctx, dest, page))
	n, err = r.CountFailedRecords(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, 15, n)

	// The other endpoint's copy of code 1 survives.
	n, err = r.CountFailedRecords(ctx, "http://other:1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err := r.GetFailedRecordsPage(ctx, dest, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), next[0].Code)

	assert.NoError(t, r.DeleteFailedRecords(ctx, dest, nil))
}

func TestOpen_FilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "well.db")

	r, err := Open(ctx, path, wellID, nil)
	require.NoError(t, err)
	require.NoError(t, r.PutWell(ctx, &core.Well{ID: wellID, Attributes: map[string]any{}}))
	require.NoError(t, r.Close())

	r, err = Open(ctx, path, wellID, nil)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.GetWellByID(ctx, wellID)
	assert.NoError(t, err)
}
