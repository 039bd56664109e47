package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/cuemby/workcoord/pkg/schema"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	dsn       = flag.String("dsn", "", "Postgres connection string (required)")
	schemaArg = flag.String("schema", "public", "Schema to apply migrations within")
	dryRun    = flag.Bool("dry-run", false, "Show pending migrations without applying them")
	status    = flag.Bool("status", false, "Print the applied/pending status of every migration and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *dsn == "" {
		log.Fatal("-dsn is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	runner := schema.New(pool, *schemaArg)

	log.Printf("Work Coordinator Schema Migration Tool")
	log.Printf("Schema: %s", *schemaArg)

	if *status {
		printStatus(ctx, runner)
		return
	}

	if *dryRun {
		printPending(ctx, runner)
		return
	}

	if err := runner.Migrate(ctx); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migrations applied successfully")
}

func printStatus(ctx context.Context, runner *schema.Runner) {
	applied, err := runner.Status(ctx)
	if err != nil {
		log.Fatalf("failed to read status: %v", err)
	}

	sorted := make([]schema.Migration, len(schema.Migrations))
	copy(sorted, schema.Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if _, ok := applied[m.Version]; !ok {
			fmt.Printf("  [pending] %04d %s\n", m.Version, m.Name)
			continue
		}
		fmt.Printf("  [applied] %04d %s\n", m.Version, m.Name)
	}
}

func printPending(ctx context.Context, runner *schema.Runner) {
	applied, err := runner.Status(ctx)
	if err != nil {
		log.Fatalf("failed to read status: %v", err)
	}

	pending := 0
	for _, m := range schema.Migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		pending++
		fmt.Printf("  would apply %04d %s\n", m.Version, m.Name)
	}
	if pending == 0 {
		log.Println("no pending migrations")
		return
	}
	log.Printf("%d pending migration(s); run without -dry-run to apply", pending)
}
