package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/jvs-project/txfs/internal/plan"
	"github.com/jvs-project/txfs/pkg/color"
	"github.com/jvs-project/txfs/pkg/progress"
)

var (
	applyDryRun   bool
	applyProgress bool
	applyMetrics  bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <plan>",
	Short: "Apply a plan in one transaction",
	Long: `Apply the steps of a plan in one transaction. Plans are YAML, or TOML
when the file name ends in .toml.

Leaf steps: write, append, mkdir, delete, rmdir, move, move_dir.
Blocks: nested (dependent or requires_new transaction), fork (dependent
transaction on its own goroutine, joined before the plan commits) and
parallel (one fork per child, waited for before the next step).

Path, to and text accept {placeholders}: the plan's vars plus {date},
{time}, {iso8601}, {unix}, {user} and {hostname}.

Examples:
  txfs apply deploy.yaml
  txfs apply --dry-run deploy.toml
  txfs apply --json --metrics deploy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		if applyDryRun {
			if jsonOutput {
				return outputJSON(p)
			}
			fmt.Printf("%s %s (%d steps)\n", color.Success("valid plan"), args[0], p.Count())
			return nil
		}

		client, err := openClient()
		if err != nil {
			return err
		}
		defer client.Close()

		term := progress.NewTerminal(os.Stderr, applyProgress && !jsonOutput)
		exec := plan.NewExecutor(client, nil, term.Callback())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		res, applyErr := exec.Apply(ctx, p)
		term.Done("")

		if applyMetrics {
			if err := client.Metrics().WriteText(os.Stderr); err != nil {
				return err
			}
		}
		if jsonOutput && res != nil {
			if err := outputJSON(res); err != nil {
				return err
			}
			return applyErr
		}
		if applyErr != nil {
			return fmt.Errorf("plan rolled back: %w", applyErr)
		}
		fmt.Printf("%s %d steps in %s\n", color.Success("committed"), res.Steps, res.Duration.Round(1000))
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "validate the plan without applying it")
	applyCmd.Flags().BoolVar(&applyProgress, "progress", false, "show a progress bar on stderr")
	applyCmd.Flags().BoolVar(&applyMetrics, "metrics", false, "print transaction metrics on stderr when done")
	rootCmd.AddCommand(applyCmd)
}
