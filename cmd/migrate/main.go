package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"carebook/internal/config"
	"carebook/internal/database"
	"carebook/internal/database/migrations"
)

func main() {
	command := flag.String("command", "", "Migration command: up, down, version, policies")
	flag.Parse()

	if *command == "" {
		fmt.Println("Usage: go run cmd/migrate/main.go -command [up|down|version|policies]")
		fmt.Println("Commands:")
		fmt.Println("  up       - Apply all pending migrations and the row security policies")
		fmt.Println("  down     - Roll back all migrations")
		fmt.Println("  version  - Show current migration version")
		fmt.Println("  policies - Reapply the row security policies only")
		os.Exit(1)
	}

	cfg := config.NewConfig()

	switch *command {
	case "up":
		if err := migrations.Up(cfg.Database.URL); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		if err := applyPolicies(cfg.Database.URL); err != nil {
			log.Fatalf("Applying row security policies failed: %v", err)
		}
		fmt.Println("Migrations applied")
	case "down":
		if err := migrations.Down(cfg.Database.URL); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Migrations rolled back")
	case "version":
		version, dirty, err := migrations.Version(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Reading migration version failed: %v", err)
		}
		fmt.Printf("Version: %d, dirty: %t\n", version, dirty)
	case "policies":
		if err := applyPolicies(cfg.Database.URL); err != nil {
			log.Fatalf("Applying row security policies failed: %v", err)
		}
		fmt.Println("Row security policies applied")
	default:
		log.Fatalf("Unknown command: %s", *command)
	}
}

// applyPolicies regenerates the row security policies. It must run as the
// table owner, the same role that runs migrations.
func applyPolicies(databaseURL string) error {
	ctx := context.Background()

	db := database.NewDatabase()
	if err := db.Connect(ctx, databaseURL, 0, 0); err != nil {
		return err
	}
	defer db.Close()

	if err := db.ApplyPolicies(ctx); err != nil {
		return err
	}
	return db.VerifyPolicies(ctx)
}
