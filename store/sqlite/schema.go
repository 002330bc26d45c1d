package sqlite

import "fmt"

// deltaTables maps each delta stream to its table. Every table carries the
// owning well and an optional JSON row; a NULL row is sent as the bare id.
var deltaTables = map[string]string{
	"comments":          "comments",
	"comments-deleted":  "comments_deleted",
	"masterlog":         "masterlog",
	"masterlog-deleted": "masterlog_deleted",
}

func deltaTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    id      INTEGER PRIMARY KEY,
    well_id INTEGER NOT NULL,
    data    TEXT
);
CREATE INDEX IF NOT EXISTS %[1]s_well ON %[1]s(well_id, id);`, table)
}

const wellsDDL = `CREATE TABLE IF NOT EXISTS wells (
    id         INTEGER PRIMARY KEY,
    parent_id  INTEGER,
    attributes TEXT NOT NULL DEFAULT '{}'
);`

const processDataDDL = `CREATE TABLE IF NOT EXISTS process_data (
    code    INTEGER NOT NULL,
    well_id INTEGER NOT NULL,
    dater   INTEGER NOT NULL,
    data    TEXT,
    PRIMARY KEY(well_id, code)
);`

const failedDDL = `CREATE TABLE IF NOT EXISTS failed_process_data (
    well_id      INTEGER NOT NULL,
    server_info  TEXT NOT NULL,
    code         INTEGER NOT NULL,
    dater        INTEGER NOT NULL,
    is_masterlog INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(well_id, server_info, is_masterlog, code)
);`

// SchemaDDL returns the statements that create the store's tables.
func SchemaDDL() []string {
	stmts := []string{wellsDDL, processDataDDL, failedDDL}
	for _, kind := range []string{"comments", "comments-deleted", "masterlog", "masterlog-deleted"} {
		stmts = append(stmts, deltaTableDDL(deltaTables[kind]))
	}
	return stmts
}
