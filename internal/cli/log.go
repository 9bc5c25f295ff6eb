package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/txfs/internal/audit"
	"github.com/jvs-project/txfs/pkg/color"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log <command>",
	Short: "Inspect the transaction log",
}

func openLog() (*audit.FileAppender, error) {
	root, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	p := cfg.LogPath(root)
	if p == "" {
		return nil, fmt.Errorf("transaction log is disabled (ktm.log_path is empty)")
	}
	return audit.NewFileAppender(p), nil
}

var logVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of the transaction log",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		n, verr := log.Verify()
		if jsonOutput {
			res := map[string]any{"path": log.Path(), "records": n, "valid": verr == nil}
			if verr != nil {
				res["error"] = verr.Error()
			}
			if err := outputJSON(res); err != nil {
				return err
			}
			return verr
		}
		if verr != nil {
			return fmt.Errorf("transaction log %s: %w", log.Path(), verr)
		}
		fmt.Printf("%s %d records in %s\n", color.Success("OK"), n, log.Path())
		return nil
	},
}

var logShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recent transaction log records",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openLog()
		if err != nil {
			return err
		}
		records, err := log.Records()
		if err != nil {
			return err
		}
		if logLimit > 0 && len(records) > logLimit {
			records = records[len(records)-logLimit:]
		}
		if jsonOutput {
			return outputJSON(records)
		}
		for _, r := range records {
			fmt.Printf("%s  %-10s %s\n", color.Dim(r.Timestamp.Format("2006-01-02 15:04:05")), r.EventType, color.TxID(r.TransactionID))
		}
		return nil
	},
}

func init() {
	logShowCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of records to show (0 for all)")
	logCmd.AddCommand(logVerifyCmd, logShowCmd)
	rootCmd.AddCommand(logCmd)
}
