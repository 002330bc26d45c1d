package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/INLOpen/wellrelay/core"
)

// MemRepository is a concurrency-safe in-memory core.SourceRepository.
// Errors can be injected per operation through the *Err fields.
type MemRepository struct {
	mu sync.Mutex

	wells   map[int64]*core.Well
	deltas  map[core.StreamKind][]core.DeltaRecord
	sample  *core.LiveSample
	failed  []core.FailedRecord
	deleted [][]core.FailedRecord
	closed  bool

	WellErr   error
	DeltaErr  error
	SampleErr error
	SaveErr   error
	DeleteErr error
	PageErr   error
}

var _ core.SourceRepository = (*MemRepository)(nil)

func NewMemRepository() *MemRepository {
	return &MemRepository{
		wells:  make(map[int64]*core.Well),
		deltas: make(map[core.StreamKind][]core.DeltaRecord),
	}
}

func (m *MemRepository) PutWell(w *core.Well) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wells[w.ID] = w
}

func (m *MemRepository) PutDelta(kind core.StreamKind, recs ...core.DeltaRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas[kind] = append(m.deltas[kind], recs...)
	sort.Slice(m.deltas[kind], func(i, j int) bool { return m.deltas[kind][i].ID < m.deltas[kind][j].ID })
}

func (m *MemRepository) SetSample(s *core.LiveSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sample = s
}

func (m *MemRepository) PutFailed(recs ...core.FailedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, recs...)
}

// Failed returns a copy of the pending failed records.
func (m *MemRepository) Failed() []core.FailedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.FailedRecord(nil), m.failed...)
}

// DeleteCalls returns the record sets passed to DeleteFailedRecords.
func (m *MemRepository) DeleteCalls() [][]core.FailedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]core.FailedRecord(nil), m.deleted...)
}

func (m *MemRepository) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemRepository) GetWellByID(_ context.Context, id int64) (*core.Well, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WellErr != nil {
		return nil, m.WellErr
	}
	w, ok := m.wells[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return w, nil
}

func (m *MemRepository) GetDeltaRecords(_ context.Context, kind core.StreamKind, sinceID int64) ([]core.DeltaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeltaErr != nil {
		return nil, m.DeltaErr
	}
	var out []core.DeltaRecord
	for _, r := range m.deltas[kind] {
		if r.ID > sinceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemRepository) GetLatestSample(_ context.Context) (*core.LiveSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SampleErr != nil {
		return nil, m.SampleErr
	}
	return m.sample, nil
}

func (m *MemRepository) CountFailedRecords(_ context.Context, endpoint string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.failed {
		if r.ServerInfo == endpoint {
			n++
		}
	}
	return n, nil
}

func (m *MemRepository) GetFailedRecordsPage(_ context.Context, endpoint string, offset, pageSize int) ([]core.FailedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PageErr != nil {
		return nil, m.PageErr
	}
	var matching []core.FailedRecord
	for _, r := range m.failed {
		if r.ServerInfo == endpoint {
			matching = append(matching, r)
		}
	}
	if offset >= len(matching) {
		return nil, nil
	}
	end := offset + pageSize
	if end > len(matching) {
		end = len(matching)
	}
	return append([]core.FailedRecord(nil), matching[offset:end]...), nil
}

// DeleteFailedRecords fails on a done context, as database/sql does.
func (m *MemRepository) DeleteFailedRecords(ctx context.Context, endpoint string, records []core.FailedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.deleted = append(m.deleted, append([]core.FailedRecord(nil), records...))
	drop := make(map[int64]struct{}, len(records))
	for _, r := range records {
		drop[r.Code] = struct{}{}
	}
	kept := m.failed[:0]
	for _, r := range m.failed {
		if _, ok := drop[r.Code]; ok && r.ServerInfo == endpoint {
			continue
		}
		kept = append(kept, r)
	}
	m.failed = kept
	return nil
}

func (m *MemRepository) SaveFailedRecord(_ context.Context, rec core.FailedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.failed = append(m.failed, rec)
	return nil
}

func (m *MemRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
