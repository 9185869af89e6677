package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"collegium.org/internal/migrate"
	"collegium.org/internal/obs"
)

func main() {
	log := obs.Logger()
	var (
		dsn            = flag.String("dsn", os.Getenv("COLLEGIUM_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		table          = flag.String("table", "", "Bookkeeping table (default: schema_migrations)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or COLLEGIUM_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	migrations := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	mgr := migrate.NewManager(db, migrations, migrate.WithTable(*table), migrate.WithLogger(log))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var list []migrate.Status
		list, err = mgr.Status(ctx)
		if err == nil {
			printStatus(list)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
}

func printStatus(list []migrate.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MIGRATION\tSTATE\tAPPLIED AT")
	for _, st := range list {
		state, at := "pending", "-"
		if st.Applied {
			state, at = "applied", st.AppliedAt.UTC().Format(time.RFC3339)
		}
		if st.Changed {
			state = "changed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, state, at)
	}
	_ = w.Flush()
}
