// Package cli implements pairctl, an operator tool that reads and edits a
// pairchat store directly.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/pairchat/internal/config"
	"github.com/ashureev/pairchat/internal/conversation"
	"github.com/ashureev/pairchat/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	driver string
	dbPath string
	repo   store.Repository
	engine *conversation.Engine
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := Run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Run executes pairctl with args, writing command output to out. The store
// is closed when the command returns, including on error.
func Run(args []string, out io.Writer) error {
	root, opts := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	defer opts.close()
	return root.Execute()
}

func newRootCmd() (*cobra.Command, *options) {
	opts := &options{}

	root := &cobra.Command{
		Use:   "pairctl",
		Short: "Inspect and repair a pairchat store",
		Long: `pairctl opens the pairchat store named by STORE_DRIVER and DB_PATH
(or the --driver and --db flags) and reads or edits conversations,
presence, saved messages and friend lists without a running server.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.open(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&opts.driver, "driver", "", "store driver: sqlite or pebble (default from STORE_DRIVER)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "store path (default from DB_PATH)")

	root.AddCommand(
		newLatestCmd(opts),
		newHistoryCmd(opts),
		newSendCmd(opts),
		newMarkSeenCmd(opts),
		newPresenceCmd(opts),
		newSweepCmd(opts),
		newFriendsCmd(opts),
		newSavedCmd(opts),
	)
	return root, opts
}

func (o *options) close() {
	if o.repo == nil {
		return
	}
	if err := o.repo.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
	o.repo = nil
}

func (o *options) open(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	driver, dbPath := o.driver, o.dbPath
	if driver == "" || dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if driver == "" {
			driver = cfg.StoreDriver
		}
		if dbPath == "" {
			dbPath = cfg.DBPath
		}
	}

	repo, err := store.Open(driver, dbPath)
	if err != nil {
		return fmt.Errorf("open %s store at %s: %w", driver, dbPath, err)
	}
	if err := repo.Ping(cmd.Context()); err != nil {
		_ = repo.Close()
		return fmt.Errorf("ping store: %w", err)
	}
	o.repo = repo
	o.engine = conversation.NewEngine(repo, conversation.Config{})
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
