package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	skus "github.com/goliatone/go-skus"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 %s up migrations, got %v", entry.Dialect, matches)
		}
	}
	if filesystems[0].Dialect != DialectPostgres || filesystems[1].Dialect != DialectSQLite {
		t.Fatalf("unexpected dialect order %q, %q", filesystems[0].Dialect, filesystems[1].Dialect)
	}
}

func TestFilesystems_AcceptsFlatTree(t *testing.T) {
	flat := fstest.MapFS{
		"00001_x.up.sql":        {Data: []byte("SELECT 1;")},
		"sqlite/00001_x.up.sql": {Data: []byte("SELECT 1;")},
	}
	filesystems, err := Filesystems(flat)
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if filesystems[1].Path != "sqlite" {
		t.Fatalf("expected sqlite path, got %q", filesystems[1].Path)
	}
}

func TestFilesystems_RejectsMissingSQLiteVariant(t *testing.T) {
	flat := fstest.MapFS{
		"00001_x.up.sql":     {Data: []byte("SELECT 1;")},
		"sqlite/placeholder": {Data: []byte("")},
	}
	if _, err := Filesystems(flat); err == nil {
		t.Fatalf("expected a tree without sqlite up migrations to fail")
	}
}

func TestRegister_FiltersDialects(t *testing.T) {
	var calls []string
	err := Register(context.Background(), func(_ context.Context, spec FilesystemSpec) error {
		calls = append(calls, spec.Dialect+"@"+spec.Path)
		return nil
	}, " SQLite ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != "sqlite@data/sql/migrations/sqlite" {
		t.Fatalf("expected only sqlite registration, got %v", calls)
	}

	calls = nil
	if err := Register(context.Background(), func(_ context.Context, spec FilesystemSpec) error {
		calls = append(calls, spec.Dialect)
		return nil
	}); err != nil {
		t.Fatalf("register all: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected both dialects without a filter, got %v", calls)
	}
}

func TestRegister_PropagatesRegisterErrors(t *testing.T) {
	err := Register(context.Background(), func(context.Context, FilesystemSpec) error {
		return fmt.Errorf("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected register error to surface, got %v", err)
	}
	if err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected nil register func to fail")
	}
}

func TestForDriver(t *testing.T) {
	spec, err := ForDriver("sqlite3")
	if err != nil {
		t.Fatalf("for driver: %v", err)
	}
	if spec.Dialect != DialectSQLite {
		t.Fatalf("expected sqlite set, got %q", spec.Dialect)
	}
	if _, err := fs.Stat(spec.FS, "00001_skus_kv_entries.up.sql"); err != nil {
		t.Fatalf("expected kv migration in sqlite set: %v", err)
	}
	if _, err := ForDriver("mysql"); err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}
}

func TestDialectFor(t *testing.T) {
	cases := map[string]string{
		"sqlite3":  DialectSQLite,
		"SQLite":   DialectSQLite,
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
	}
	for driver, want := range cases {
		got, err := DialectFor(driver)
		if err != nil {
			t.Fatalf("dialect for %q: %v", driver, err)
		}
		if got != want {
			t.Fatalf("dialect for %q: expected %q, got %q", driver, want, got)
		}
	}
	if _, err := DialectFor("mysql"); err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}
}

func TestSQLiteMigrations_ApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:migrations-skus?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(skus.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	for _, name := range []string{"00001_skus_kv_entries.up.sql", "00002_skus_rate_limit_state.up.sql"} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, name); err != nil {
			t.Fatalf("apply %s: %v", name, err)
		}
	}

	insert := `INSERT INTO skus_kv_entries (id, namespace, entry_key, entry_value) VALUES (?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "a", "production", "skus:state", "{}"); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "b", "production", "skus:state", "{}"); err == nil {
		t.Fatalf("expected duplicate namespace/key to violate the unique index")
	}
	if _, err := db.ExecContext(ctx, insert, "c", "staging", "skus:state", "{}"); err != nil {
		t.Fatalf("expected same key in another namespace to insert: %v", err)
	}

	throttle := `INSERT INTO skus_rate_limit_state (id, environment, bucket_key, "limit", remaining) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, throttle, "r1", "production", "orders", 10, 9); err != nil {
		t.Fatalf("insert throttle state: %v", err)
	}
	if _, err := db.ExecContext(ctx, throttle, "r2", "production", "orders", 10, 8); err == nil {
		t.Fatalf("expected duplicate bucket to violate the unique index")
	}

	for _, name := range []string{"00002_skus_rate_limit_state.down.sql", "00001_skus_kv_entries.down.sql"} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, name); err != nil {
			t.Fatalf("rollback %s: %v", name, err)
		}
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'skus_%'`,
	).Scan(&count); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to drop every skus table, got %d", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	for _, statement := range strings.Split(string(content), "--bun:split") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
