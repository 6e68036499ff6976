package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"orderflow/config"
	"orderflow/internal/repository"
	"orderflow/internal/services"
	"orderflow/pkg/database"
)

const usage = `
orderflow - database and operator CLI

Usage:
  migrate [flags] [command]

Commands:
  up          Create or update tables, constraints and indexes
  status      Show database connection status and which tables exist
  seed        Set starting stock for the default SKUs
  token       Print an operator token for the admin API

Flags:
  -subject string   Operator name embedded in the token (default "operator")
  -ttl duration     Token lifetime (default 12h)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate seed
  go run ./cmd/migrate -subject alice -ttl 1h token
`

func main() {
	subject := flag.String("subject", "operator", "Operator name embedded in the token")
	ttl := flag.Duration("ttl", 12*time.Hour, "Token lifetime")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// token needs no database.
	if command == "token" {
		token, err := services.NewAuthService(cfg.AdminJWTSecret).IssueOperatorToken(*subject, *ttl)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg.Database, false)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer database.Close(db)

	switch command {
	case "up":
		if err := repository.InitSchema(db); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		log.Println("schema is up to date")
	case "status":
		status, err := repository.SchemaStatus(db)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		tables := make([]string, 0, len(status))
		for table := range status {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		fmt.Printf("database %s@%s:%s reachable\n", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port)
		for _, table := range tables {
			state := "missing"
			if status[table] {
				state = "present"
			}
			fmt.Printf("  %-24s %s\n", table, state)
		}
	case "seed":
		n, err := database.Seed(ctx, db, nil)
		if err != nil {
			log.Fatalf("seed failed: %v", err)
		}
		log.Printf("seeded %d SKUs", n)
	default:
		flag.Usage()
		os.Exit(1)
	}
}
