package main

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	database "github.com/fluxchat/gateway/internal"
)

// Applies the SQL files under db/migrations in lexical order, tracking what
// ran in a schema_migrations table.
func main() {
	database.Connect()
	ensureMigrationsTable()

	migDir := filepath.Join("db", "migrations")
	files := collectSQLFiles(migDir)
	if len(files) == 0 {
		log.Println("No migration files found, skipping.")
		return
	}

	applied := getAppliedMigrations()
	for _, f := range files {
		name := filepath.Base(f)
		if applied[name] {
			continue
		}
		sqlText, err := os.ReadFile(f)
		if err != nil {
			log.Fatalf("Failed reading %s: %v", name, err)
		}
		if strings.TrimSpace(string(sqlText)) == "" {
			markApplied(name)
			continue
		}
		log.Printf("Applying migration: %s", name)
		if _, err := database.DB.Exec(string(sqlText)); err != nil {
			log.Fatalf("Migration %s failed: %v", name, err)
		}
		markApplied(name)
	}
	log.Println("Migrations applied successfully.")
}

func ensureMigrationsTable() {
	_, err := database.DB.Exec(`
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version TEXT PRIMARY KEY,
            applied_at timestamptz NOT NULL DEFAULT now()
        )
    `)
	if err != nil {
		log.Fatalf("Unable to ensure schema_migrations table: %v", err)
	}
}

func getAppliedMigrations() map[string]bool {
	rows, err := database.DB.Queryx("SELECT version FROM schema_migrations")
	if err != nil {
		log.Fatalf("Unable to query schema_migrations: %v", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			log.Fatalf("Scan error: %v", err)
		}
		applied[v] = true
	}
	return applied
}

func markApplied(name string) {
	if _, err := database.DB.Exec("INSERT INTO schema_migrations(version) VALUES ($1)", name); err != nil {
		log.Fatalf("Unable to record migration %s: %v", name, err)
	}
}

func collectSQLFiles(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}
