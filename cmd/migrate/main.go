package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"crashd/internal/database"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
		getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
		getEnv("BLUEPRINT_DB_HOST", "localhost"),
		getEnv("BLUEPRINT_DB_PORT", "5432"),
		getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
		getEnv("BLUEPRINT_DB_SCHEMA", "public"),
	)

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	migrationsPath := getEnv("MIGRATIONS_PATH", "./migrations")

	switch command {
	case "up":
		logrus.Info("running migrations")
		if err := database.RunMigrations(db, migrationsPath); err != nil {
			logrus.WithError(err).Fatal("migration failed")
		}
		logrus.Info("migrations completed")

	case "down":
		logrus.Info("rolling back last migration")
		if err := database.RollbackMigration(db, migrationsPath); err != nil {
			logrus.WithError(err).Fatal("rollback failed")
		}
		logrus.Info("rollback completed")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, migrationsPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to get version")
		}
		logrus.WithFields(logrus.Fields{
			"version": version,
			"dirty":   dirty,
		}).Info("current migration version")
		if dirty {
			logrus.Warn("schema is dirty and needs manual intervention")
		}

	case "create":
		if len(os.Args) < 3 {
			logrus.Fatal("usage: migrate create <migration_name>")
		}
		createMigration(os.Args[2])

	default:
		logrus.WithField("command", command).Error("unknown command")
		printUsage()
		os.Exit(1)
	}
}

func createMigration(name string) {
	files, err := os.ReadDir("./migrations")
	if err != nil {
		logrus.WithError(err).Fatal("failed to read migrations directory")
	}

	// Each migration is an up/down file pair.
	nextVersion := len(files)/2 + 1

	upFile := fmt.Sprintf("./migrations/%06d_%s.up.sql", nextVersion, name)
	downFile := fmt.Sprintf("./migrations/%06d_%s.down.sql", nextVersion, name)

	upContent := fmt.Sprintf("-- Migration: %s\n\n-- Add your SQL here\n", name)
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		logrus.WithError(err).Fatal("failed to create up migration")
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		logrus.WithError(err).Fatal("failed to create down migration")
	}

	logrus.WithFields(logrus.Fields{
		"up":   upFile,
		"down": downFile,
	}).Info("created migration files")
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  MIGRATIONS_PATH         Path to migrations (default: ./migrations)")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
