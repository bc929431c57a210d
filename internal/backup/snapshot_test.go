package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-backup/internal/config"
	"app-backup/internal/logging"
)

// createFixtureDB builds a small vaultwarden-like database at path
func createFixtureDB(t *testing.T, path string, users int) {
	t.Helper()
	db, err := sql.Open(sqliteDriverName, path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT NOT NULL, avatar BLOB, note TEXT)`,
		`CREATE TABLE ciphers (uuid TEXT PRIMARY KEY, user_id INTEGER REFERENCES users(id), data TEXT)`,
		`CREATE TABLE audit (id INTEGER PRIMARY KEY, message TEXT)`,
		`CREATE INDEX idx_ciphers_user ON ciphers(user_id)`,
		`CREATE VIEW user_emails AS SELECT id, email FROM users`,
		`CREATE TRIGGER users_audit AFTER INSERT ON users BEGIN INSERT INTO audit(message) VALUES ('user ' || NEW.email); END`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	for i := 0; i < users; i++ {
		_, err := db.Exec(`INSERT INTO users (email, avatar, note) VALUES (?, ?, ?)`,
			"user"+string(rune('a'+i))+"@example.com", []byte{0x00, byte(i), 0xff}, "it's \"quoted\"")
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO ciphers (uuid, user_id, data) VALUES ('c-1', 1, NULL), ('c-2', 1, '{"k":"v"}')`)
	require.NoError(t, err)
	// Leave a gap in the autoincrement sequence.
	_, err = db.Exec(`DELETE FROM users WHERE id = ?`, users)
	require.NoError(t, err)
}

func queryStrings(t *testing.T, db *sql.DB, query string) []string {
	t.Helper()
	rows, err := db.Query(query)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v sql.NullString
		require.NoError(t, rows.Scan(&v))
		out = append(out, v.String)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSQLiteSnapshot_Fidelity(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "db.sqlite3")
	createFixtureDB(t, live, 3)

	staging := t.TempDir()
	target := filepath.Join(staging, "db.sqlite3")

	var calls [][2]int
	snap := NewSQLiteSnapshotter(SnapshotOptions{
		LockTimeout:   time.Second,
		ProgressEvery: 2,
		Progress:      func(applied, total int) { calls = append(calls, [2]int{applied, total}) },
	}, logging.NewNopLogger())

	stats, err := snap.Snapshot(context.Background(), live, target)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Tables)
	assert.Greater(t, stats.Bytes, int64(0))
	assert.NoFileExists(t, partialPath(target))

	src, err := sql.Open(sqliteDriverName, live)
	require.NoError(t, err)
	defer src.Close()
	dst, err := sql.Open(sqliteDriverName, target)
	require.NoError(t, err)
	defer dst.Close()

	for _, table := range []string{"users", "ciphers", "audit"} {
		var srcCount, dstCount int
		require.NoError(t, src.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&srcCount))
		require.NoError(t, dst.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&dstCount))
		assert.Equal(t, srcCount, dstCount, "row count of %s", table)
	}

	assert.Equal(t,
		queryStrings(t, src, `SELECT id FROM users ORDER BY id`),
		queryStrings(t, dst, `SELECT id FROM users ORDER BY id`))
	assert.Equal(t,
		queryStrings(t, src, `SELECT uuid FROM ciphers ORDER BY uuid`),
		queryStrings(t, dst, `SELECT uuid FROM ciphers ORDER BY uuid`))
	assert.Equal(t,
		queryStrings(t, src, `SELECT quote(avatar) || note FROM users ORDER BY id`),
		queryStrings(t, dst, `SELECT quote(avatar) || note FROM users ORDER BY id`))
	assert.Equal(t,
		queryStrings(t, src, `SELECT seq FROM sqlite_sequence WHERE name = 'users'`),
		queryStrings(t, dst, `SELECT seq FROM sqlite_sequence WHERE name = 'users'`))
	assert.Equal(t,
		queryStrings(t, src, `SELECT name FROM sqlite_master WHERE type IN ('index','view','trigger') ORDER BY name`),
		queryStrings(t, dst, `SELECT name FROM sqlite_master WHERE type IN ('index','view','trigger') ORDER BY name`))

	// The replayed trigger must not have fired during restore.
	assert.Equal(t,
		queryStrings(t, src, `SELECT message FROM audit ORDER BY id`),
		queryStrings(t, dst, `SELECT message FROM audit ORDER BY id`))

	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, last[1], last[0], "final progress report covers every statement")
	assert.Equal(t, stats.Statements, last[1])
}

func TestSQLiteSnapshot_SourceUnchanged(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "db.sqlite3")
	createFixtureDB(t, live, 2)
	before, err := os.ReadFile(live)
	require.NoError(t, err)

	snap := NewSQLiteSnapshotter(SnapshotOptions{LockTimeout: time.Second}, nil)
	_, err = snap.Snapshot(context.Background(), live, filepath.Join(t.TempDir(), "copy.db"))
	require.NoError(t, err)

	after, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSQLiteSnapshot_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "db.sqlite3")
	createFixtureDB(t, live, 3)

	holder, err := sql.Open(sqliteDriverName, live)
	require.NoError(t, err)
	defer holder.Close()
	ctx := context.Background()
	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, "BEGIN EXCLUSIVE")
	require.NoError(t, err)
	defer conn.ExecContext(ctx, "ROLLBACK")

	staging := t.TempDir()
	target := filepath.Join(staging, "db.sqlite3")
	snap := NewSQLiteSnapshotter(SnapshotOptions{LockTimeout: 200 * time.Millisecond}, nil)

	start := time.Now()
	_, err = snap.Snapshot(ctx, live, target)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "wait must be bounded")
	assert.Equal(t, BackupErrorTypeSnapshot, ErrorTypeOf(err))
	assert.Contains(t, err.Error(), "locked")

	assert.NoFileExists(t, target)
	assert.NoFileExists(t, partialPath(target))
}

func TestSQLiteSnapshot_MissingSource(t *testing.T) {
	snap := NewSQLiteSnapshotter(SnapshotOptions{}, nil)
	_, err := snap.Snapshot(context.Background(), filepath.Join(t.TempDir(), "nope.db"), filepath.Join(t.TempDir(), "t.db"))
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeSnapshot, ErrorTypeOf(err))
}

func TestIsTransactionDirective(t *testing.T) {
	tests := map[string]bool{
		"BEGIN TRANSACTION;":           true,
		"begin;":                       true,
		"COMMIT;":                      true,
		" commit ":                     true,
		"END;":                         true,
		"ROLLBACK;":                    true,
		"BEGINNING":                    false,
		"CREATE TABLE t (id INTEGER)":  false,
		"INSERT INTO \"t\" VALUES(1);": false,
	}
	for stmt, want := range tests {
		assert.Equal(t, want, isTransactionDirective(stmt), stmt)
	}
}

func TestApplyStatements(t *testing.T) {
	t.Run("single transaction without directives", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE t (id INTEGER);`)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "t" VALUES(1);`)).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "t" VALUES(2);`)).WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		var reports []int
		applied, err := applyStatements(context.Background(), db, []string{
			"BEGIN TRANSACTION;",
			"CREATE TABLE t (id INTEGER);",
			`INSERT INTO "t" VALUES(1);`,
			`INSERT INTO "t" VALUES(2);`,
			"COMMIT;",
		}, 2, func(applied, total int) {
			assert.Equal(t, 3, total)
			reports = append(reports, applied)
		})
		require.NoError(t, err)
		assert.Equal(t, 3, applied)
		assert.Equal(t, []int{2, 3}, reports)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE t (id INTEGER);`)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "t" VALUES(1);`)).WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		applied, err := applyStatements(context.Background(), db, []string{
			"CREATE TABLE t (id INTEGER);",
			`INSERT INTO "t" VALUES(1);`,
			`INSERT INTO "t" VALUES(2);`,
		}, 0, nil)
		require.Error(t, err)
		assert.Equal(t, 1, applied)
		assert.Contains(t, err.Error(), "apply statement 2 of 3")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLSnapshot_Dump(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("SET SESSION lock_wait_timeout = 5")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION innodb_lock_wait_timeout = 5")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("START TRANSACTION WITH CONSISTENT SNAPSHOT, READ ONLY")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT TABLE_NAME FROM information_schema.TABLES")).
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("users"))
	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("users", "CREATE TABLE `users` (`id` int NOT NULL, `name` varchar(64), PRIMARY KEY (`id`))"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("O'Brien")).
			AddRow(int64(2), nil).
			AddRow(int64(3), []byte("line\nbreak")))
	mock.ExpectExec(regexp.QuoteMeta("COMMIT")).WillReturnResult(sqlmock.NewResult(0, 0))

	snap := NewMySQLSnapshotter(SnapshotOptions{LockTimeout: 5 * time.Second}, nil)
	snap.batchSize = 2
	var openedDSN string
	snap.open = func(dsn string) (*sql.DB, error) {
		openedDSN = dsn
		return db, nil
	}

	target := filepath.Join(t.TempDir(), "database.sql")
	stats, err := snap.Snapshot(context.Background(), "root:pw@tcp(localhost:3306)/vw", target)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tables)
	assert.Equal(t, int64(3), stats.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, openedDSN, "timeout=5s")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	dump := string(data)
	assert.Contains(t, dump, "DROP TABLE IF EXISTS `users`;")
	assert.Contains(t, dump, "CREATE TABLE `users`")
	assert.Contains(t, dump, "INSERT INTO `users` (`id`, `name`) VALUES\n(1, 'O\\'Brien'),\n(2, NULL);")
	assert.Contains(t, dump, "(3, 'line\\nbreak');")
	assert.Equal(t, 2, strings.Count(dump, "INSERT INTO"))
	assert.NoFileExists(t, partialPath(target))
}

func TestMySQLSnapshot_LockWaitTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("SET SESSION lock_wait_timeout = 1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION innodb_lock_wait_timeout = 1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET SESSION TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("START TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT TABLE_NAME").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("users"))
	mock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})

	snap := NewMySQLSnapshotter(SnapshotOptions{LockTimeout: time.Second}, nil)
	snap.open = func(string) (*sql.DB, error) { return db, nil }

	target := filepath.Join(t.TempDir(), "database.sql")
	_, err = snap.Snapshot(context.Background(), "dsn", target)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeSnapshot, ErrorTypeOf(err))
	assert.Contains(t, err.Error(), "locked for longer than 1s")
	assert.NoFileExists(t, target)
	assert.NoFileExists(t, partialPath(target))
}

func TestMySQLSnapshot_ConnectionWaitIsBounded(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	// Occupy the only pooled connection so acquisition has to wait.
	held, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer held.Close()

	snap := NewMySQLSnapshotter(SnapshotOptions{LockTimeout: 50 * time.Millisecond}, nil)
	snap.open = func(string) (*sql.DB, error) { return db, nil }

	target := filepath.Join(t.TempDir(), "database.sql")
	start := time.Now()
	_, err = snap.Snapshot(context.Background(), "root:pw@tcp(localhost:3306)/vw", target)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, BackupErrorTypeSnapshot, ErrorTypeOf(err))
	assert.Contains(t, err.Error(), "locked for longer than 50ms")
	assert.NoFileExists(t, partialPath(target))
}

func TestWithDialTimeout(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"adds timeout", "root:pw@tcp(db:3306)/vw", "timeout=30s"},
		{"keeps explicit timeout", "root:pw@tcp(db:3306)/vw?timeout=2s", "timeout=2s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := withDialTimeout(tt.dsn, 30*time.Second)
			assert.Contains(t, got, tt.want)
			cfg, err := mysql.ParseDSN(got)
			require.NoError(t, err)
			assert.Equal(t, "vw", cfg.DBName)
			assert.Equal(t, "db:3306", cfg.Addr)
		})
	}

	assert.Equal(t, "not a dsn", withDialTimeout("not a dsn", time.Second))
}

func TestNewSnapshotter(t *testing.T) {
	s, err := NewSnapshotter(config.SnapshotConfig{Driver: "sqlite"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteSnapshotter{}, s)

	s, err = NewSnapshotter(config.SnapshotConfig{Driver: "mysql"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MySQLSnapshotter{}, s)

	_, err = NewSnapshotter(config.SnapshotConfig{Driver: "postgres"}, nil)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
}
