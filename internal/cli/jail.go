package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/txfs/pkg/color"
)

var jailCmd = &cobra.Command{
	Use:   "jail <command>",
	Short: "Inspect the directory jail",
}

type jailResult struct {
	Path     string `json:"path"`
	Resolved string `json:"resolved,omitempty"`
	Allowed  bool   `json:"allowed"`
}

var jailCheckCmd = &cobra.Command{
	Use:   "check <path>...",
	Short: "Check whether paths are inside the jail",
	Long: `Check whether paths are inside the configured jail. Relative paths are
resolved against the jail root. Exits non-zero if any path is outside.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		jail, err := cfg.BuildJail(root)
		if err != nil {
			return err
		}

		results := make([]jailResult, 0, len(args))
		denied := 0
		for _, p := range args {
			res := jailResult{Path: p, Allowed: jail.IsInAllowedDir(p)}
			if res.Allowed {
				res.Resolved, _ = jail.Resolve(p)
			} else {
				denied++
			}
			results = append(results, res)
		}

		if jsonOutput {
			if err := outputJSON(results); err != nil {
				return err
			}
		} else {
			for _, res := range results {
				if res.Allowed {
					fmt.Printf("%s  %s\n", color.Success("allowed"), color.Path(res.Resolved))
				} else {
					fmt.Printf("%s   %s\n", color.Error("denied"), res.Path)
				}
			}
		}
		if denied > 0 {
			return fmt.Errorf("%d path(s) outside jail %s", denied, jail.Root)
		}
		return nil
	},
}

func init() {
	jailCmd.AddCommand(jailCheckCmd)
	rootCmd.AddCommand(jailCmd)
}
