package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"freelab/internal/journal"
	"freelab/internal/usage"
)

var journalMonth string

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the step journal",
}

// journalShowCmd prints archived steps; only the fs journal is readable.
var journalShowCmd = &cobra.Command{
	Use:   "show [classroom-id]",
	Short: "Print a classroom's archived steps for one month",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	if cfg.Journal.Driver != "fs" {
		return fmt.Errorf("journal show needs the fs journal (configured: %q)", cfg.Journal.Driver)
	}
	month := journalMonth
	if month == "" {
		month = usage.MonthKey(time.Now())
	}

	fs, err := journal.NewFSStore(cfg.Journal.Dir)
	if err != nil {
		return err
	}
	entries, err := fs.Entries(args[0], month)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no steps journaled for %s in %s\n", args[0], month)
		return nil
	}
	return printJSON(cmd, entries)
}
