package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsecrm/automation-engine/internal/cli"
)

var cronCount int

var cronCmd = &cobra.Command{
	Use:   "cron [expression]",
	Short: "Validate a cron expression and preview its next runs",
	Long: `Validate a five-field cron expression and print the next run
times it would produce, in UTC.

Examples:
  automation cron "0 9 * * 1"
  automation cron "*/15 * * * *" --count 10 --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		preview, err := cli.PreviewCron(args[0], cronCount, time.Now().UTC())
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if outputJSON {
			data, err := json.MarshalIndent(preview, "", "  ")
			if err != nil {
				fmt.Printf("Error encoding JSON: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(data))
			return
		}

		fmt.Printf("\nExpression %q is valid. Next %d runs:\n\n", preview.Expression, len(preview.NextRuns))
		for i, next := range preview.NextRuns {
			fmt.Printf("  %d. %s\n", i+1, next.Format(time.RFC3339))
		}
	},
}

func init() {
	cronCmd.Flags().IntVar(&cronCount, "count", 5, "Number of upcoming runs to preview")
	rootCmd.AddCommand(cronCmd)
}
