package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/infrastructure/config"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/migration"
	"github.com/rostersync/backend/migrations"
)

const defaultMigrationsPath = "migrations"

var errUsage = errors.New("invalid usage")

// command is one migrate subcommand. Commands with a nil apply only touch
// migration files and never connect to the mapping store.
type command struct {
	usage string
	files func(path string, args []string, log *zap.Logger) error
	apply func(m *migration.Migrator, args []string, log *zap.Logger) error
}

var commands = map[string]command{
	"up": {
		usage: "up                    Apply all pending migrations",
		apply: func(m *migration.Migrator, _ []string, _ *zap.Logger) error { return m.Up() },
	},
	"down": {
		usage: "down                  Roll back all migrations",
		apply: func(m *migration.Migrator, _ []string, _ *zap.Logger) error { return m.Down() },
	},
	"step": {
		usage: "step <n>              Apply n migrations (positive=up, negative=down)",
		apply: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
			n, err := intArg(args, "step count")
			if err != nil {
				return err
			}
			return m.Steps(n)
		},
	},
	"goto": {
		usage: "goto <version>        Migrate to a specific version",
		apply: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
			v, err := intArg(args, "version")
			if err != nil {
				return err
			}
			if v < 0 {
				return fmt.Errorf("%w: version must not be negative", errUsage)
			}
			return m.GoTo(uint(v))
		},
	},
	"force": {
		usage: "force <version>       Force set the version after a failed run",
		apply: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
			v, err := intArg(args, "version")
			if err != nil {
				return err
			}
			return m.Force(v)
		},
	},
	"version": {
		usage: "version               Show the applied version of the mapping tables",
		apply: func(m *migration.Migrator, _ []string, log *zap.Logger) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			if version == 0 {
				log.Info("No migrations applied")
				return nil
			}
			log.Info("Current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		},
	},
	"create": {
		usage: "create <name> [desc]  Create a new migration file pair",
		files: func(path string, args []string, log *zap.Logger) error {
			if len(args) == 0 {
				return fmt.Errorf("%w: migration name required", errUsage)
			}
			if path == "" {
				path = defaultMigrationsPath
			}
			description := ""
			if len(args) > 1 {
				description = args[1]
			}
			mf, err := migration.CreateMigration(path, args[0], description)
			if err != nil {
				return err
			}
			log.Info("Migration created",
				zap.Uint("version", mf.Version),
				zap.String("up_file", mf.UpPath),
				zap.String("down_file", mf.DownPath))
			return nil
		},
	},
	"list": {
		usage: "list                  List available migrations",
		files: func(path string, _ []string, log *zap.Logger) error {
			entries, err := listMigrations(path)
			if err != nil {
				return err
			}
			log.Info("Available migrations", zap.Int("count", len(entries)))
			for _, e := range entries {
				fmt.Println("  -", e.BaseName())
			}
			return nil
		},
	},
	"verify": {
		usage: "verify                Check every migration has an up and a down file",
		files: func(path string, _ []string, log *zap.Logger) error {
			if err := migration.Verify(source(path)); err != nil {
				return err
			}
			log.Info("Migrations verified")
			return nil
		},
	},
}

func main() {
	var (
		migrationsPath string
		logLevel       string
	)
	flag.StringVar(&migrationsPath, "path", "", "Read migrations from this directory instead of the embedded set")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
		Service:    "rostersync-migrate",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Debug("Migration CLI started", zap.String("command", args[0]), zap.String("path", migrationsPath))
	err = run(cmd, migrationsPath, args[1:], log)
	_ = logger.Sync(log)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			printUsage()
			os.Exit(2)
		}
		log.Error("Migration command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

func run(cmd command, path string, args []string, log *zap.Logger) error {
	if cmd.files != nil {
		return cmd.files(path, args, log)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	opts := []migration.Option{migration.WithLogger(log)}
	if path != "" {
		opts = append(opts, migration.WithDirectory(path))
	}
	// The migrator owns db from here on and closes it
	m, err := migration.New(db, opts...)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("Failed to close migrator", zap.Error(err))
		}
	}()

	return cmd.apply(m, args, log)
}

func listMigrations(path string) ([]migration.Entry, error) {
	if path == "" {
		return migration.Scan(migrations.FS)
	}
	return migration.ListMigrations(path)
}

func source(path string) fs.FS {
	if path == "" {
		return migrations.FS
	}
	return os.DirFS(path)
}

func intArg(args []string, name string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: %s required", errUsage, name)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", errUsage, name, args[0])
	}
	return n, nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Mapping Store Migration Tool

Usage:
  migrate [flags] <command> [arguments]

Commands:
`)
	for _, name := range []string{"up", "down", "step", "goto", "version", "force", "create", "list", "verify"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
	fmt.Fprint(os.Stderr, `
Flags:
  -path string          Read migrations from a directory (default: embedded set)
  -log-level string     Log level: debug, info, warn, error (default: info)

Environment Variables:
  ROSTERSYNC_DATABASE_HOST, ROSTERSYNC_DATABASE_PORT, ROSTERSYNC_DATABASE_USER,
  ROSTERSYNC_DATABASE_PASSWORD, ROSTERSYNC_DATABASE_DBNAME

Examples:
  migrate up
  migrate step -1
  migrate create add_sync_index "Index sync status per scope"
`)
}
