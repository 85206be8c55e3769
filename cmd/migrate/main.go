package main

import (
	"context"
	"flag"
	"log"
	"time"

	"escrow-service/config"
	"escrow-service/internal/store"
)

func main() {
	timeout := flag.Duration("timeout", time.Minute, "migration timeout")
	flag.Parse()

	command := "up"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg := config.Load()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := store.Migrate(ctx, db.GetDB().DB, command, args...); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Migration %s finished", command)
}
