package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"stock-ledger/internal/app"
	"stock-ledger/internal/config"
	"stock-ledger/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath  string
	Verbose bool
	Format  string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the ledgerctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Administer the stock ledger",
		Long: `ledgerctl edits stock levels and runs alert reconciliation directly
against the ledger database, applying the same rules as the HTTP service.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (default $SQLITE_PATH)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStockCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// open builds the ledger stack for one command invocation.
func (o *RootOptions) open() (*app.App, error) {
	cfg := config.Load()
	cfg.UseKafka = false
	if o.DBPath != "" {
		cfg.SQLitePath = o.DBPath
	}

	log := zap.NewNop()
	if o.Verbose {
		log = logger.New("development", "debug")
	}
	return app.New(cfg, log)
}

// emit writes v as JSON, or calls text for the text format.
func (o *RootOptions) emit(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
