package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/txfs/internal/doctor"
	"github.com/jvs-project/txfs/pkg/color"
)

var (
	doctorStrict     bool
	doctorRepair     bool
	doctorStaleAfter time.Duration
)

var errUnhealthy = errors.New("root is unhealthy")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check transaction state health",
	Long: `Check transaction state health.

Reports abandoned staging directories, orphan temp files, transactions
left in doubt, and breaks in the transaction log hash chain.
Use --strict to treat in-doubt transactions as failures and --repair to
remove abandoned staging directories and temp files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadConfig()
		if err != nil {
			return err
		}

		doc := doctor.NewDoctor(root, cfg).WithStaleAfter(doctorStaleAfter)
		var result *doctor.Result
		if doctorRepair {
			result, err = doc.Repair()
		} else {
			result, err = doc.Check(doctorStrict)
		}
		if err != nil && result == nil {
			return fmt.Errorf("doctor: %w", err)
		}

		if jsonOutput {
			if jerr := outputJSON(result); jerr != nil {
				return jerr
			}
		} else {
			printDoctorResult(result)
		}
		if err != nil {
			return fmt.Errorf("repair: %w", err)
		}
		if !result.Healthy {
			return errUnhealthy
		}
		return nil
	},
}

func printDoctorResult(result *doctor.Result) {
	for _, p := range result.Repaired {
		fmt.Printf("%s %s\n", color.Success("removed"), color.Path(p))
	}
	if len(result.Findings) == 0 {
		fmt.Println("Root is healthy.")
		return
	}

	fmt.Printf("Findings (%d):\n", len(result.Findings))
	for _, f := range result.Findings {
		sev := f.Severity
		switch f.Severity {
		case doctor.SeverityCritical, doctor.SeverityError:
			sev = color.Error(sev)
		case doctor.SeverityWarning:
			sev = color.Warning(sev)
		}
		fmt.Printf("  [%s] %s: %s\n", sev, f.Category, f.Description)
	}
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "treat in-doubt transactions as failures")
	doctorCmd.Flags().BoolVar(&doctorRepair, "repair", false, "remove abandoned staging directories and temp files")
	doctorCmd.Flags().DurationVar(&doctorStaleAfter, "stale-after", doctor.DefaultStaleAfter, "age after which a staging directory counts as abandoned")
	rootCmd.AddCommand(doctorCmd)
}
