package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/weAIDB/CrackSQL/internal/config"
	"github.com/weAIDB/CrackSQL/internal/database"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	var action = flag.String("action", "up", "Migration action: up, down, version, goto, force")
	var version = flag.Int("version", 0, "Target version for goto/force actions")
	flag.Parse()

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", config.AppConfig.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	manager, err := database.NewMigrationManager(db, "./migrations", logger)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	switch *action {
	case "up":
		fmt.Println("Running migrations up...")
		if err := manager.Up(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations completed successfully")

	case "down":
		fmt.Println("Rolling back last migration...")
		if err := manager.Down(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Rollback completed successfully")

	case "version":
		v, dirty, err := manager.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d", v)
		if dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

	case "goto":
		if *version <= 0 {
			log.Fatal("Version must be specified for goto action")
		}
		fmt.Printf("Migrating to version %d...\n", *version)
		if err := manager.UpTo(uint(*version)); err != nil {
			log.Fatalf("Migration to version %d failed: %v", *version, err)
		}
		fmt.Printf("Successfully migrated to version %d\n", *version)

	case "force":
		if *version <= 0 {
			log.Fatal("Version must be specified for force action")
		}
		if err := manager.ForceVersion(uint(*version)); err != nil {
			log.Fatalf("Force version failed: %v", err)
		}
		fmt.Printf("Forced version to %d\n", *version)

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, goto, force")
		os.Exit(1)
	}
}
