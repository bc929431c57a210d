package backup

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"app-backup/internal/logging"

	"github.com/go-sql-driver/mysql"
)

const mysqlInsertBatch = 100

// MySQLSnapshotter writes a consistent logical dump of a MySQL schema to a
// .sql file, reading every table inside one consistent-snapshot transaction.
type MySQLSnapshotter struct {
	opts      SnapshotOptions
	logger    *logging.Logger
	batchSize int
	open      func(dsn string) (*sql.DB, error)
}

// NewMySQLSnapshotter creates a new MySQL snapshotter
func NewMySQLSnapshotter(opts SnapshotOptions, logger *logging.Logger) *MySQLSnapshotter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	return &MySQLSnapshotter{
		opts:      opts,
		logger:    logger,
		batchSize: mysqlInsertBatch,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}
}

// Snapshot dumps the database named by dsn into targetPath
func (m *MySQLSnapshotter) Snapshot(ctx context.Context, dsn, targetPath string) (*SnapshotStats, error) {
	start := time.Now()

	db, err := m.open(withDialTimeout(dsn, m.opts.LockTimeout))
	if err != nil {
		return nil, snapshotFailure("failed to open source database", err, m.opts.LockTimeout).
			WithContext("dsn", logging.RedactDSN(dsn))
	}
	defer db.Close()

	tmp := partialPath(targetPath)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, snapshotFailure("failed to create dump file", err, m.opts.LockTimeout)
	}
	w := bufio.NewWriterSize(f, 256*1024)

	stats, err := m.dump(ctx, db, w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, snapshotFailure("failed to dump source database", err, m.opts.LockTimeout).
			WithContext("dsn", logging.RedactDSN(dsn))
	}

	if err := os.Rename(tmp, targetPath); err != nil {
		_ = os.Remove(tmp)
		return nil, snapshotFailure("failed to move snapshot into place", err, m.opts.LockTimeout)
	}

	if info, err := os.Stat(targetPath); err == nil {
		stats.Bytes = info.Size()
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// withDialTimeout sets the driver dial timeout when the DSN carries none.
// Unparseable DSNs are returned unchanged and fail in the driver.
func withDialTimeout(dsn string, timeout time.Duration) string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil || cfg.Timeout > 0 {
		return dsn
	}
	cfg.Timeout = timeout
	return cfg.FormatDSN()
}

func (m *MySQLSnapshotter) dump(ctx context.Context, db *sql.DB, w *bufio.Writer) (*SnapshotStats, error) {
	connCtx, cancel := context.WithTimeout(ctx, m.opts.LockTimeout)
	conn, err := db.Conn(connCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// lock_wait_timeout bounds metadata locks held by DDL, the innodb
	// setting bounds row locks. Both take whole seconds.
	lockWait := int((m.opts.LockTimeout + time.Second - 1) / time.Second)
	if lockWait < 1 {
		lockWait = 1
	}
	setup := []string{
		fmt.Sprintf("SET SESSION lock_wait_timeout = %d", lockWait),
		fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", lockWait),
		"SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		"START TRANSACTION WITH CONSISTENT SNAPSHOT, READ ONLY",
	}
	for _, stmt := range setup {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tables, err := m.listTables(ctx, conn)
	if err != nil {
		return nil, err
	}

	stats := &SnapshotStats{Driver: "mysql"}
	fmt.Fprintf(w, "-- app-backup MySQL dump %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintln(w, "SET NAMES utf8mb4;")
	fmt.Fprintln(w, "SET FOREIGN_KEY_CHECKS=0;")
	stats.Statements += 2

	for i, table := range tables {
		n, stmts, err := m.dumpTable(ctx, conn, table, w)
		if err != nil {
			return nil, fmt.Errorf("dump table %s: %w", table, err)
		}
		stats.Tables++
		stats.Rows += n
		stats.Statements += stmts

		m.logger.LogSnapshotProgress(table, i+1, len(tables))
		if m.opts.Progress != nil {
			m.opts.Progress(i+1, len(tables))
		}
	}

	fmt.Fprintln(w, "SET FOREIGN_KEY_CHECKS=1;")
	stats.Statements++

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, err
	}
	committed = true
	return stats, nil
}

func (m *MySQLSnapshotter) listTables(ctx context.Context, conn *sql.Conn) ([]string, error) {
	rows, err := conn.QueryContext(ctx,
		"SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (m *MySQLSnapshotter) dumpTable(ctx context.Context, conn *sql.Conn, table string, w *bufio.Writer) (int64, int, error) {
	var name, create string
	if err := conn.QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteMySQLIdent(table)).Scan(&name, &create); err != nil {
		return 0, 0, err
	}

	fmt.Fprintf(w, "\nDROP TABLE IF EXISTS %s;\n%s;\n", quoteMySQLIdent(table), create)
	stmts := 2

	rows, err := conn.QueryContext(ctx, "SELECT * FROM "+quoteMySQLIdent(table))
	if err != nil {
		return 0, stmts, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, stmts, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return 0, stmts, err
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteMySQLIdent(c)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES\n", quoteMySQLIdent(table), strings.Join(quotedCols, ", "))

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var n int64
	inBatch := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, stmts, err
		}
		if inBatch == 0 {
			w.WriteString(prefix)
		} else {
			w.WriteString(",\n")
		}
		w.WriteString("(")
		for i, v := range values {
			if i > 0 {
				w.WriteString(", ")
			}
			w.WriteString(mysqlLiteral(v, types[i].DatabaseTypeName()))
		}
		w.WriteString(")")
		inBatch++
		n++
		if inBatch == m.batchSize {
			w.WriteString(";\n")
			stmts++
			inBatch = 0
		}
	}
	if inBatch > 0 {
		w.WriteString(";\n")
		stmts++
	}
	return n, stmts, rows.Err()
}

func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// mysqlLiteral renders a scanned value as a MySQL literal
func mysqlLiteral(v interface{}, dbType string) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return "'" + val.Format("2006-01-02 15:04:05.999999") + "'"
	case []byte:
		if isBinaryType(dbType) {
			if len(val) == 0 {
				return "''"
			}
			return fmt.Sprintf("0x%X", val)
		}
		return escapeMySQLString(string(val))
	case string:
		return escapeMySQLString(val)
	default:
		return escapeMySQLString(fmt.Sprint(val))
	}
}

func isBinaryType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "BINARY", "VARBINARY", "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BIT", "GEOMETRY":
		return true
	}
	return false
}

func escapeMySQLString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
			b.WriteString(`\0`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case 0x1a:
			b.WriteString(`\Z`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
