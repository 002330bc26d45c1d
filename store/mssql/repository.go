// Package mssql implements the source repository on SQL Server through the
// stored procedures of the well database.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/wellrelay/config"
	"github.com/INLOpen/wellrelay/core"
	mssql "github.com/microsoft/go-mssqldb"
)

// DriverName is the database/sql driver registered by go-mssqldb.
const DriverName = "sqlserver"

// Stored procedures of the well database.
const (
	procWellByID           = "OnLine_WellInfo_GetByID"
	procComments           = "OnLine_Comment_GetAll_ById"
	procCommentsDeleted    = "OnLine_Comment_DeleteLog_GetAll_ById"
	procMasterLog          = "OnLine_MasterLog_GetAll_ById"
	procMasterLogDeleted   = "OnLine_MasterLog_Deleted_GetAll_ById"
	procLatestSample       = "ProcessData_Get_Online_Front"
	procFailedCount        = "OnLine_Failed_ProcessData_GetCount"
	procFailedPage         = "OnLine_Failed_ProcessData_GetBatch_Col"
	procFailedDelete       = "OnLine_Failed_ProcessData_Delete"
	procFailedSave         = "OnLine_Failed_ProcessData_SaveDynamic_ByCode"
	processDataListTVPType = "ProcessData_Type"
)

// ProcError is a non-zero ErrorCode reported by a stored procedure.
type ProcError struct {
	Proc string
	Code int64
	Desc string
}

func (e *ProcError) Error() string {
	return fmt.Sprintf("%s failed with code %d: %s", e.Proc, e.Code, e.Desc)
}

// processDataItem is one row of the ProcessData_Type table-valued parameter.
type processDataItem struct {
	PName string
	PVal  string
}

// Repository is a core.SourceRepository bound to one well.
type Repository struct {
	db     *sql.DB
	wellID int64
	logger *slog.Logger
}

var _ core.SourceRepository = (*Repository)(nil)

// Open connects to SQL Server with the given settings and verifies the
// connection.
func Open(ctx context.Context, c config.DatabaseConfig, wellID int64, logger *slog.Logger) (*Repository, error) {
	dsn, err := BuildDSN(c)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql server connection: %w", err)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
		db.SetMaxIdleConns(c.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach sql server at %s: %w", c.Host, err)
	}
	return New(db, wellID, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, wellID int64, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Repository{
		db:     db,
		wellID: wellID,
		logger: logger.With("component", "MSSQLRepository", "well_id", wellID),
	}
}

// call runs proc with args plus the ErrorCode/ErrorDesc output parameters
// and returns every row of the first result set as a column map.
func (r *Repository) call(ctx context.Context, proc string, checkErr bool, args ...any) ([]map[string]any, error) {
	var (
		errCode int64
		errDesc string
	)
	if checkErr {
		args = append(args,
			sql.Named("ErrorCode", sql.Out{Dest: &errCode}),
			sql.Named("ErrorDesc", sql.Out{Dest: &errDesc}),
		)
	}
	rows, err := r.db.QueryContext(ctx, proc, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", proc, err)
	}
	out, err := scanMaps(rows)
	// Output parameters are populated once the rows are closed.
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s result: %w", proc, err)
	}
	if errCode != 0 {
		return nil, &ProcError{Proc: proc, Code: errCode, Desc: errDesc}
	}
	return out, nil
}

func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, col := range cols {
			m[col] = normalize(values[i])
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// normalize turns driver values into JSON friendly ones. DECIMAL and
// MONEY columns arrive as text bytes.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		s := string(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case mssql.UniqueIdentifier:
		return x.String()
	default:
		return v
	}
}

// lookup finds a column case-insensitively.
func lookup(m map[string]any, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := m[name]; ok {
			return v, true
		}
		for k, v := range m {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return nil, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	case int16:
		return int64(x), true
	case uint8:
		return int64(x), true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (r *Repository) GetWellByID(ctx context.Context, id int64) (*core.Well, error) {
	rows, err := r.call(ctx, procWellByID, false,
		sql.Named("CallerUserId", 0),
		sql.Named("WellID", id),
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.ErrNotFound
	}
	w := &core.Well{ID: id, Attributes: rows[0]}
	if v, ok := lookup(rows[0], "WellParentId"); ok {
		if p, ok := asInt64(v); ok && p != 0 {
			w.ParentID = &p
		}
	}
	return w, nil
}

func (r *Repository) GetDeltaRecords(ctx context.Context, kind core.StreamKind, sinceID int64) ([]core.DeltaRecord, error) {
	var (
		rows []map[string]any
		err  error
	)
	switch kind {
	case core.StreamComments:
		rows, err = r.call(ctx, procComments, true,
			sql.Named("Id", sinceID), sql.Named("Code", nil), sql.Named("Wellid", r.wellID))
	case core.StreamCommentsDeleted:
		rows, err = r.call(ctx, procCommentsDeleted, true,
			sql.Named("Wellid", r.wellID), sql.Named("Id", sinceID))
	case core.StreamMasterLog:
		rows, err = r.call(ctx, procMasterLog, true,
			sql.Named("Code", sinceID), sql.Named("Wellid", r.wellID))
	case core.StreamMasterLogDeleted:
		rows, err = r.call(ctx, procMasterLogDeleted, true,
			sql.Named("Wellid", r.wellID), sql.Named("Id", sinceID))
	default:
		return nil, fmt.Errorf("unknown stream %q", kind)
	}
	if err != nil {
		return nil, err
	}

	out := make([]core.DeltaRecord, 0, len(rows))
	for _, row := range rows {
		v, ok := lookup(row, "Id", "Code")
		if !ok {
			return nil, fmt.Errorf("%s row has no identifier column", kind)
		}
		id, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("%s row has a non-numeric identifier %v", kind, v)
		}
		rec := core.DeltaRecord{ID: id, Fields: row}
		if kind == core.StreamCommentsDeleted {
			// Deletion rows are sent as bare ids.
			rec.Fields = nil
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository) GetLatestSample(ctx context.Context) (*core.LiveSample, error) {
	rows, err := r.call(ctx, procLatestSample, false,
		sql.Named("code", 0), sql.Named("wellId", r.wellID))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	s := &core.LiveSample{Fields: rows[0]}
	if v, ok := lookup(rows[0], "code"); ok {
		s.Code, _ = asInt64(v)
	}
	if v, ok := lookup(rows[0], "dater"); ok {
		if ts, ok := v.(time.Time); ok {
			s.Timestamp = ts
		}
	}
	return s, nil
}

func (r *Repository) CountFailedRecords(ctx context.Context, endpoint string) (int, error) {
	rows, err := r.call(ctx, procFailedCount, true,
		sql.Named("Wellid", r.wellID), sql.Named("IsMasterLog", 0), sql.Named("ServerInfo", endpoint))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	v, _ := lookup(rows[0], "TotalRec")
	n, _ := asInt64(v)
	return int(n), nil
}

func (r *Repository) GetFailedRecordsPage(ctx context.Context, endpoint string, offset, pageSize int) ([]core.FailedRecord, error) {
	rows, err := r.call(ctx, procFailedPage, true,
		sql.Named("Wellid", r.wellID),
		sql.Named("IsMasterLog", 0),
		sql.Named("ServerInfo", endpoint),
		sql.Named("StartPage", offset),
		sql.Named("PageSize", pageSize),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.FailedRecord, 0, len(rows))
	for _, row := range rows {
		rec := core.FailedRecord{ServerInfo: endpoint, Fields: row}
		if v, ok := lookup(row, "Code"); ok {
			rec.Code, _ = asInt64(v)
		}
		if v, ok := lookup(row, "DateR"); ok {
			if ts, ok := v.(time.Time); ok {
				rec.Timestamp = ts
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository) DeleteFailedRecords(ctx context.Context, endpoint string, records []core.FailedRecord) error {
	if len(records) == 0 {
		return nil
	}
	items := make([]processDataItem, len(records))
	for i, rec := range records {
		items[i] = processDataItem{PVal: strconv.FormatInt(rec.Code, 10)}
	}
	_, err := r.call(ctx, procFailedDelete, true,
		sql.Named("Wellid", r.wellID),
		sql.Named("IsMasterLog", 0),
		sql.Named("ServerInfo", endpoint),
		sql.Named("ProcessDataList", mssql.TVP{TypeName: processDataListTVPType, Value: items}),
	)
	return err
}

func (r *Repository) SaveFailedRecord(ctx context.Context, rec core.FailedRecord) error {
	isMasterLog := 0
	if rec.IsMasterLog {
		isMasterLog = 1
	}
	_, err := r.call(ctx, procFailedSave, true,
		sql.Named("wellid", r.wellID),
		sql.Named("code", rec.Code),
		sql.Named("DateR", rec.Timestamp),
		sql.Named("ServerInfo", rec.ServerInfo),
		sql.Named("IsMasterLog", isMasterLog),
	)
	return err
}

func (r *Repository) Close() error {
	r.logger.Debug("Closing repository")
	return r.db.Close()
}
