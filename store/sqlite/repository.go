// Package sqlite implements the source repository on an embedded SQLite
// database using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/wellrelay/core"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Repository is a core.SourceRepository bound to one well.
type Repository struct {
	db     *sql.DB
	wellID int64
	logger *slog.Logger
}

var _ core.SourceRepository = (*Repository)(nil)

// Open opens dsn, creates the schema if needed and returns a repository for
// wellID. In-memory databases are limited to a single connection so every
// caller sees the same data.
func Open(ctx context.Context, dsn string, wellID int64, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	r, err := New(ctx, db, wellID, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing handle and applies the schema.
func New(ctx context.Context, db *sql.DB, wellID int64, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, stmt := range SchemaDDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
	}
	return &Repository{
		db:     db,
		wellID: wellID,
		logger: logger.With("component", "SQLiteRepository", "well_id", wellID),
	}, nil
}

// DB exposes the underlying handle.
func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) GetWellByID(ctx context.Context, id int64) (*core.Well, error) {
	var (
		parent sql.NullInt64
		attrs  string
	)
	err := r.db.QueryRowContext(ctx, `SELECT parent_id, attributes FROM wells WHERE id = ?`, id).Scan(&parent, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read well %d: %w", id, err)
	}
	w := &core.Well{ID: id, Attributes: map[string]any{}}
	if parent.Valid {
		p := parent.Int64
		w.ParentID = &p
	}
	if err := json.Unmarshal([]byte(attrs), &w.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of well %d: %w", id, err)
	}
	return w, nil
}

func (r *Repository) GetDeltaRecords(ctx context.Context, kind core.StreamKind, sinceID int64) ([]core.DeltaRecord, error) {
	table, ok := deltaTables[kind.String()]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", kind)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, data FROM `+table+` WHERE well_id = ? AND id > ? ORDER BY id`, r.wellID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []core.DeltaRecord
	for rows.Next() {
		var (
			rec  core.DeltaRecord
			data sql.NullString
		)
		if err := rows.Scan(&rec.ID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &rec.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode %s row %d: %w", kind, rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) GetLatestSample(ctx context.Context) (*core.LiveSample, error) {
	var (
		s     core.LiveSample
		dater int64
		data  sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT code, dater, data FROM process_data WHERE well_id = ? ORDER BY code DESC LIMIT 1`, r.wellID).
		Scan(&s.Code, &dater, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest sample: %w", err)
	}
	s.Timestamp = time.UnixMilli(dater).UTC()
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &s.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode sample %d: %w", s.Code, err)
		}
	}
	return &s, nil
}

func (r *Repository) CountFailedRecords(ctx context.Context, endpoint string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_process_data WHERE well_id = ? AND server_info = ? AND is_masterlog = 0`,
		r.wellID, endpoint).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed records: %w", err)
	}
	return n, nil
}

func (r *Repository) GetFailedRecordsPage(ctx context.Context, endpoint string, offset, pageSize int) ([]core.FailedRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT code, dater, is_masterlog FROM failed_process_data
		 WHERE well_id = ? AND server_info = ? AND is_masterlog = 0
		 ORDER BY code LIMIT ? OFFSET ?`,
		r.wellID, endpoint, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed records: %w", err)
	}
	defer rows.Close()

	var out []core.FailedRecord
	for rows.Next() {
		var (
			rec   = core.FailedRecord{ServerInfo: endpoint}
			dater int64
		)
		if err := rows.Scan(&rec.Code, &dater, &rec.IsMasterLog); err != nil {
			return nil, fmt.Errorf("failed to scan failed record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(dater).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteFailedRecords(ctx context.Context, endpoint string, records []core.FailedRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`DELETE FROM failed_process_data WHERE well_id = ? AND server_info = ? AND is_masterlog = ? AND code = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, r.wellID, endpoint, rec.IsMasterLog, rec.Code); err != nil {
			return fmt.Errorf("failed to delete failed record %d: %w", rec.Code, err)
		}
	}
	return tx.Commit()
}

// SaveFailedRecord stores rec for the repository's well. Saving the same
// code twice for an endpoint keeps one row.
func (r *Repository) SaveFailedRecord(ctx context.Context, rec core.FailedRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO failed_process_data (well_id, server_info, code, dater, is_masterlog)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		r.wellID, rec.ServerInfo, rec.Code, rec.Timestamp.UnixMilli(), rec.IsMasterLog)
	if err != nil {
		return fmt.Errorf("failed to save failed record %d: %w", rec.Code, err)
	}
	return nil
}

// PutWell inserts or replaces a well row.
func (r *Repository) PutWell(ctx context.Context, w *core.Well) error {
	attrs, err := json.Marshal(w.Attributes)
	if err != nil {
		return err
	}
	var parent any
	if w.ParentID != nil {
		parent = *w.ParentID
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO wells (id, parent_id, attributes) VALUES (?, ?, ?)`, w.ID, parent, string(attrs))
	return err
}

// AppendDelta adds rows to the stream of kind for the repository's well.
func (r *Repository) AppendDelta(ctx context.Context, kind core.StreamKind, records ...core.DeltaRecord) error {
	table, ok := deltaTables[kind.String()]
	if !ok {
		return fmt.Errorf("unknown stream %q", kind)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rec := range records {
		var data any
		if rec.Fields != nil {
			b, err := json.Marshal(rec.Fields)
			if err != nil {
				return err
			}
			data = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (id, well_id, data) VALUES (?, ?, ?)`, rec.ID, r.wellID, data); err != nil {
			return fmt.Errorf("failed to append %s row %d: %w", kind, rec.ID, err)
		}
	}
	return tx.Commit()
}

// PutSample records a live sample for the repository's well.
func (r *Repository) PutSample(ctx context.Context, s *core.LiveSample) error {
	var data any
	if s.Fields != nil {
		b, err := json.Marshal(s.Fields)
		if err != nil {
			return err
		}
		data = string(b)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO process_data (code, well_id, dater, data) VALUES (?, ?, ?, ?)`,
		s.Code, r.wellID, s.Timestamp.UnixMilli(), data)
	return err
}

func (r *Repository) Close() error {
	r.logger.Debug("Closing repository")
	return r.db.Close()
}
