// Package main runs job-store schema migrations.
package main

import (
	"flag"
	"log"

	"github.com/preyanshu/chainwatch/internal/config"
	"github.com/preyanshu/chainwatch/internal/storage"
)

func main() {
	var (
		down = flag.Bool("down", false, "roll back the last migration")
		path = flag.String("path", "migrations", "path to migration files")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	databaseURL := cfg.Database.Postgres.DSN()
	if cfg.Database.Postgres.URL == "" {
		databaseURL += "?sslmode=disable"
	}

	if *down {
		if err := storage.RollbackMigrations(databaseURL, *path); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rollback complete")
		return
	}

	if err := storage.RunMigrations(databaseURL, *path); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations complete")
}
