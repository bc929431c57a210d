package backup

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"app-backup/internal/logging"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

// SQLiteSnapshotter copies a live SQLite database through a logical dump
// taken inside one read transaction, so writers are never blocked for long.
type SQLiteSnapshotter struct {
	opts   SnapshotOptions
	logger *logging.Logger
}

// NewSQLiteSnapshotter creates a new SQLite snapshotter
func NewSQLiteSnapshotter(opts SnapshotOptions, logger *logging.Logger) *SQLiteSnapshotter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	return &SQLiteSnapshotter{opts: opts, logger: logger}
}

// sqliteDump is the ordered reconstruction script of a database
type sqliteDump struct {
	Statements []string
	Tables     int
	Rows       int64
}

// Snapshot dumps livePath and replays the dump into a new database at targetPath
func (s *SQLiteSnapshotter) Snapshot(ctx context.Context, livePath, targetPath string) (*SnapshotStats, error) {
	start := time.Now()

	if _, err := os.Stat(livePath); err != nil {
		return nil, snapshotFailure("source database not found", err, s.opts.LockTimeout).
			WithContext("path", livePath)
	}

	src, err := sql.Open(sqliteDriverName, readOnlyDSN(livePath, s.opts.LockTimeout))
	if err != nil {
		return nil, snapshotFailure("failed to open source database", err, s.opts.LockTimeout)
	}
	defer src.Close()
	src.SetMaxOpenConns(1)

	dump, err := dumpSQLite(ctx, src)
	if err != nil {
		return nil, snapshotFailure("failed to dump source database", err, s.opts.LockTimeout).
			WithContext("path", livePath)
	}

	s.logger.WithFields(map[string]interface{}{
		"source":     livePath,
		"tables":     dump.Tables,
		"rows":       dump.Rows,
		"statements": len(dump.Statements),
	}).Info("Source database dumped")

	applied, err := s.restore(ctx, dump.Statements, targetPath, livePath)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, err := os.Stat(targetPath); err == nil {
		size = info.Size()
	}

	return &SnapshotStats{
		Driver:     sqliteDriverName,
		Tables:     dump.Tables,
		Rows:       dump.Rows,
		Statements: applied,
		Bytes:      size,
		Duration:   time.Since(start),
	}, nil
}

func (s *SQLiteSnapshotter) restore(ctx context.Context, stmts []string, targetPath, livePath string) (int, error) {
	tmp := partialPath(targetPath)
	removePartial(tmp)

	dst, err := sql.Open(sqliteDriverName, tmp)
	if err != nil {
		return 0, snapshotFailure("failed to create target database", err, s.opts.LockTimeout)
	}
	dst.SetMaxOpenConns(1)

	progress := func(applied, total int) {
		s.logger.LogSnapshotProgress(livePath, applied, total)
		if s.opts.Progress != nil {
			s.opts.Progress(applied, total)
		}
	}

	applied, err := applyStatements(ctx, dst, stmts, s.opts.ProgressEvery, progress)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		removePartial(tmp)
		return applied, snapshotFailure("failed to replay dump into target", err, s.opts.LockTimeout).
			WithContext("target", targetPath)
	}

	if err := os.Rename(tmp, targetPath); err != nil {
		removePartial(tmp)
		return applied, snapshotFailure("failed to move snapshot into place", err, s.opts.LockTimeout).
			WithContext("target", targetPath)
	}
	return applied, nil
}

// readOnlyDSN opens path read-only with a bounded busy wait
func readOnlyDSN(path string, lockTimeout time.Duration) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", lockTimeout.Milliseconds()))
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: q.Encode()}
	return u.String()
}

// dumpSQLite produces a full logical dump of db inside one read transaction.
// Table schemas and rows come first, then sqlite_sequence, then indexes,
// triggers and views.
func dumpSQLite(ctx context.Context, db *sql.DB) (*sqliteDump, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	dump := &sqliteDump{Statements: []string{"BEGIN TRANSACTION;"}}

	type object struct {
		name, sql string
	}
	var tables []object
	rows, err := tx.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE sql NOT NULL AND type = 'table' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.name, &o.sql); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, o)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	hasSequence, writableSchema := false, false
	for _, t := range tables {
		switch {
		case t.name == "sqlite_sequence":
			hasSequence = true
			continue
		case t.name == "sqlite_stat1":
			dump.Statements = append(dump.Statements, "ANALYZE sqlite_master;")
			continue
		case strings.HasPrefix(t.name, "sqlite_"):
			continue
		case strings.HasPrefix(strings.ToUpper(t.sql), "CREATE VIRTUAL TABLE"):
			// Registered directly in the schema so the shadow tables, which
			// are dumped as ordinary tables, are not created twice.
			if !writableSchema {
				dump.Statements = append(dump.Statements, "PRAGMA writable_schema=ON;")
				writableSchema = true
			}
			dump.Statements = append(dump.Statements, fmt.Sprintf(
				"INSERT INTO sqlite_master(type,name,tbl_name,rootpage,sql) VALUES('table',%s,%s,0,%s);",
				quoteLiteral(t.name), quoteLiteral(t.name), quoteLiteral(t.sql)))
			dump.Tables++
			continue
		}

		dump.Statements = append(dump.Statements, t.sql+";")
		dump.Tables++
		n, err := dumpTableRows(ctx, tx, t.name, &dump.Statements)
		if err != nil {
			return nil, fmt.Errorf("dump rows of %s: %w", t.name, err)
		}
		dump.Rows += n
	}

	if hasSequence {
		dump.Statements = append(dump.Statements, `DELETE FROM "sqlite_sequence";`)
		if _, err := dumpTableRows(ctx, tx, "sqlite_sequence", &dump.Statements); err != nil {
			return nil, fmt.Errorf("dump sqlite_sequence: %w", err)
		}
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE sql NOT NULL AND type IN ('index', 'trigger', 'view')
		 ORDER BY CASE type WHEN 'index' THEN 0 WHEN 'view' THEN 1 ELSE 2 END, rowid`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			rows.Close()
			return nil, err
		}
		dump.Statements = append(dump.Statements, stmt+";")
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if writableSchema {
		dump.Statements = append(dump.Statements, "PRAGMA writable_schema=OFF;")
	}
	dump.Statements = append(dump.Statements, "COMMIT;")
	return dump, nil
}

// dumpTableRows appends one INSERT per row of table, built with quote()
func dumpTableRows(ctx context.Context, tx *sql.Tx, table string, out *[]string) (int64, error) {
	cols, err := tableColumns(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "quote(" + quoteIdent(c) + ")"
	}
	query := fmt.Sprintf("SELECT 'INSERT INTO ' || %s || ' VALUES(' || %s || ')' FROM %s",
		quoteLiteral(quoteIdent(table)),
		strings.Join(quoted, " || ',' || "),
		quoteIdent(table))

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return n, err
		}
		*out = append(*out, stmt+";")
		n++
	}
	return n, rows.Err()
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
