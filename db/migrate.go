// Standalone migration CLI: `go run db/migrate.go -direction=up`.
// The API server also applies pending migrations at startup; this tool exists
// for rollbacks and for recovering a dirty migration state.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	steps := flag.Int("steps", 0, "Number of migration steps (0 = all)")
	forceDirty := flag.Bool("force-dirty", false, "If the database is dirty, force it to the current version and exit")
	flag.Parse()

	msg, err := run(*direction, *steps, *forceDirty)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

func run(direction string, steps int, forceDirty bool) (string, error) {
	if direction != "up" && direction != "down" {
		return "", fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	}

	_ = godotenv.Load()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return "", fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return "", fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if forceDirty {
		v, dirty, err := m.Version()
		if err != nil {
			return "", fmt.Errorf("failed to read migration version: %w", err)
		}
		if !dirty {
			return "Database is not dirty (no force needed)", nil
		}
		if err := m.Force(int(v)); err != nil {
			return "", fmt.Errorf("failed to force dirty version %d: %w", v, err)
		}
		return fmt.Sprintf("Forced dirty database to version %d", v), nil
	}

	err = apply(m, direction, steps)
	if err == migrate.ErrNoChange {
		return "No migrations to apply", nil
	}
	if err != nil {
		return "", fmt.Errorf("migration failed: %w", err)
	}
	return fmt.Sprintf("Migration %s completed successfully", direction), nil
}

func apply(m *migrate.Migrate, direction string, steps int) error {
	if direction == "down" {
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	}
	if steps > 0 {
		return m.Steps(steps)
	}
	return m.Up()
}
