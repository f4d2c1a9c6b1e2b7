// Package migrations locates the embedded skus schema for each SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	skus "github.com/goliatone/go-skus"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	// SourceLabel names the skus migrations when registered alongside others.
	SourceLabel = "go-skus"

	treeRoot  = "data/sql/migrations"
	sqliteDir = "sqlite"
)

// FilesystemSpec is the migration set for one dialect.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc receives one dialect filesystem; a go-persistence-bun client
// typically forwards it to RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, spec FilesystemSpec) error

// Filesystems splits a migration tree into the postgres set at its root and
// the sqlite set below it. With no source the embedded tree is used. Each
// set must hold at least one *.up.sql file.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	source := skus.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		source = sources[0]
	}
	root, rootPath, err := locateRoot(source)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(root, sqliteDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite set: %w", err)
	}
	sqlitePath := sqliteDir
	if rootPath != "." {
		sqlitePath = rootPath + "/" + sqliteDir
	}

	specs := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: rootPath, FS: root},
		{Dialect: DialectSQLite, Path: sqlitePath, FS: sqliteFS},
	}
	for _, spec := range specs {
		ups, err := fs.Glob(spec.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s set: %w", spec.Dialect, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s set %q has no *.up.sql files", spec.Dialect, spec.Path)
		}
	}
	return specs, nil
}

// DialectFor maps a database/sql driver name onto a migration dialect.
func DialectFor(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("migrations: no dialect for driver %q", driver)
}

// ForDriver returns the embedded migration set a driver should apply.
func ForDriver(driver string) (FilesystemSpec, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return FilesystemSpec{}, err
	}
	specs, err := Filesystems()
	if err != nil {
		return FilesystemSpec{}, err
	}
	for _, spec := range specs {
		if spec.Dialect == dialect {
			return spec, nil
		}
	}
	return FilesystemSpec{}, fmt.Errorf("migrations: no %s set", dialect)
}

// Register hands the embedded sets to fn, restricted to dialects when any
// are given.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) error {
	if fn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	specs, err := Filesystems()
	if err != nil {
		return err
	}
	wanted := map[string]bool{}
	for _, dialect := range dialects {
		if normalized := strings.ToLower(strings.TrimSpace(dialect)); normalized != "" {
			wanted[normalized] = true
		}
	}
	for _, spec := range specs {
		if len(wanted) > 0 && !wanted[spec.Dialect] {
			continue
		}
		if err := fn(ctx, spec); err != nil {
			return fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return nil
}

// locateRoot accepts either a tree holding data/sql/migrations or the
// migrations directory itself.
func locateRoot(source fs.FS) (fs.FS, string, error) {
	if info, err := fs.Stat(source, treeRoot); err == nil && info.IsDir() {
		sub, err := fs.Sub(source, treeRoot)
		if err != nil {
			return nil, "", fmt.Errorf("migrations: resolve root: %w", err)
		}
		return sub, treeRoot, nil
	}
	if sqlFiles, err := fs.Glob(source, "*.sql"); err == nil && len(sqlFiles) > 0 {
		return source, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found: %w", treeRoot, fs.ErrNotExist)
}
