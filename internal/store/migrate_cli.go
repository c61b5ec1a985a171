package store

import (
	"fmt"
	"io"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching: up, down,
// status, help. Output goes to w so the daemon's -db flag and tests share
// the same path.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		printMigrateHelp(w)
		return fmt.Errorf("migrate: action required")
	}
	action := args[0]

	if action == "help" {
		printMigrateHelp(w)
		return nil
	}

	db, err := Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	migrations := Migrations()
	switch action {
	case "up":
		if err := db.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "all migrations applied")
		return nil

	case "down":
		if err := db.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "rolled back one migration")
		return nil

	case "status":
		version, dirty, err := db.MigrateVersion(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "version %d dirty=%v\n", version, dirty)
		return nil

	default:
		printMigrateHelp(w)
		return fmt.Errorf("migrate: unknown action %q", action)
	}
}

func printMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: flume [-db path] migrate <action>

Actions:
  up      apply all pending migrations
  down    roll back the most recent migration
  status  print the current schema version
  help    show this help
`)
}
