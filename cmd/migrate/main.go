package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"coursekeep.org/internal/migrate"
)

func defaultDSN() string {
	if dsn := os.Getenv("COURSEKEEP_PG_DSN"); dsn != "" {
		return dsn
	}
	return os.Getenv("DATABASE_URL")
}

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", defaultDSN(), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall command timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn, COURSEKEEP_PG_DSN or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "status":
		var v int64
		v, err = mgr.Status(ctx)
		if err == nil {
			fmt.Printf("schema version %d\n", v)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
