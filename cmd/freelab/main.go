package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"freelab/internal/config"
	"freelab/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "freelab",
	Short: "freelab - free-mode lab simulation step engine",
	Long: `freelab advances a free-mode virtual chemistry lab by one student action.

Each step is checked against classroom membership and the classroom's monthly
spending quota, sent to a generative backend, normalized into a physically
plausible state diff, turned into UI events, and metered.

Run "freelab serve" to expose the engine over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		lc := logging.Config{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Categories: cfg.Logging.Categories,
		}
		if verbose {
			lc.Level = "debug"
		}
		if err := logging.Initialize(lc); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.BootDebug("config loaded from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "freelab.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for one-shot commands")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")

	stepCmd.Flags().StringVarP(&stepRequestPath, "request", "r", "-", "Step request JSON file, - for stdin")
	stepCmd.Flags().StringVar(&stepUser, "user", "cli", "User id the step is attributed to")
	stepCmd.Flags().StringVar(&stepReplyPath, "reply", "", "Use the scripted backend with the completion in this file")

	membersGrantCmd.Flags().StringVar(&memberRole, "role", "student", "Role recorded for the membership")

	tokenCmd.Flags().StringVar(&tokenRole, "role", "student", "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")

	validateCmd.Flags().StringVarP(&validateKind, "kind", "k", "stepRequest", "Shape to validate against")

	journalShowCmd.Flags().StringVar(&journalMonth, "month", "", "Month (YYYY-MM), default current")

	quotaCmd.AddCommand(quotaSetCmd)
	membersCmd.AddCommand(membersGrantCmd)
	journalCmd.AddCommand(journalShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
