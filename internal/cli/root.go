package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvs-project/txfs/pkg/color"
)

var (
	jsonOutput bool
	rootDir    string
	noColor    bool
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "txfs",
		Short: "txfs - transactional filesystem operations",
		Long: `txfs is a transactional filesystem tool: it applies filesystem changes
atomically. A plan of writes, moves and deletes runs inside one
transaction: every change becomes visible together on commit, or none
does. Nested and forked blocks run as dependent transactions, and every
path is confined to the configured jail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "directory holding .txfs/config.yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, color.Error("txfs:")+" "+format+"\n", args...)
}
