// Command maintenance runs one-off data jobs against the loan operations
// database: chat de-duplication, legacy record migration and branch seeding.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"loanops/api/internal/branches"
	"loanops/api/internal/chat"
	"loanops/api/internal/config"
	"loanops/api/internal/store"
)

var logger = loggo.GetLogger("loanops.maintenance")

type maintenanceStore interface {
	EachMessage(context.Context, func(store.ChatMessage) error) error
	RemoveMessages(context.Context, []string) (int, error)
	MigrateLegacyQueries(context.Context, bool) (store.LegacyReport, error)
	CountBranches(context.Context) (int, error)
	UpsertBranch(context.Context, store.Branch) error
}

const usage = `usage: maintenance <command> [flags]

commands:
  dedupe-chat     remove same-second duplicate chat messages
  migrate-legacy  rewrite records created before team visibility existed
  seed-branches   load the default branch list (or --file) into the database
`

func main() {
	cfg := config.Load()
	if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
		logger.Warningf("log config %q: %v", cfg.LogConfig, err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.Dial(ctx, cfg.MongoURL, cfg.MongoDB)
	if err != nil {
		logger.Criticalf("database connection failed: %v", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	if err := run(ctx, dataStore, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		logger.Errorf("%s: %v", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, st maintenanceStore, name string, args []string, out io.Writer) error {
	flags := gnuflag.NewFlagSet(name, gnuflag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	switch name {
	case "dedupe-chat":
		var dryRun bool
		flags.BoolVar(&dryRun, "dry-run", false, "report duplicates without removing them")
		if err := flags.Parse(true, args); err != nil {
			return err
		}
		return dedupeChat(ctx, st, dryRun, out)

	case "migrate-legacy":
		var dryRun bool
		flags.BoolVar(&dryRun, "dry-run", false, "count changes without writing them")
		if err := flags.Parse(true, args); err != nil {
			return err
		}
		report, err := st.MigrateLegacyQueries(ctx, dryRun)
		if err != nil {
			return errors.Trace(err)
		}
		return writeReport(out, map[string]any{"dryRun": dryRun, "report": report})

	case "seed-branches":
		var (
			force bool
			file  string
		)
		flags.BoolVar(&force, "force", false, "upsert even when branches already exist")
		flags.StringVar(&file, "file", "", "YAML branch list to load instead of the defaults")
		if err := flags.Parse(true, args); err != nil {
			return err
		}
		list, err := loadBranches(file)
		if err != nil {
			return err
		}
		seeded, err := branches.Seed(ctx, st, list, force)
		if err != nil {
			return errors.Trace(err)
		}
		return writeReport(out, map[string]any{"seeded": seeded, "available": len(list)})
	}
	return errors.NotSupportedf("command %q", name)
}

func dedupeChat(ctx context.Context, st maintenanceStore, dryRun bool, out io.Writer) error {
	sweeper := chat.NewSweeper()
	if err := st.EachMessage(ctx, func(message store.ChatMessage) error {
		sweeper.Observe(message)
		return ctx.Err()
	}); err != nil {
		return errors.Annotate(err, "scan messages")
	}
	duplicates := sweeper.Duplicates()
	removed := 0
	if !dryRun && len(duplicates) > 0 {
		var err error
		if removed, err = st.RemoveMessages(ctx, duplicates); err != nil {
			return errors.Annotate(err, "remove duplicates")
		}
	}
	return writeReport(out, map[string]any{
		"dryRun":     dryRun,
		"scanned":    sweeper.Scanned(),
		"duplicates": len(duplicates),
		"removed":    removed,
	})
}

func loadBranches(file string) ([]store.Branch, error) {
	if file == "" {
		return branches.Defaults()
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Annotatef(err, "read %s", file)
	}
	return branches.Parse(data)
}

func writeReport(out io.Writer, report any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
