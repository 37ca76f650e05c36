package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulsecrm/automation-engine/internal/cli"
)

var validateCmd = &cobra.Command{
	Use:   "validate [workflow-file]",
	Short: "Validate a workflow definition",
	Long: `Validate a workflow definition file before deploying it.

The validator checks:
  - Step ids are present and unique
  - next/on_true/on_false/branch references resolve
  - Per-type requirements (actions, conditions, branches, delays)

Examples:
  automation validate workflow.json
  automation validate workflow.json --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runValidation(args[0], cli.ValidateWorkflowFile)
	},
}

var validateRuleCmd = &cobra.Command{
	Use:   "validate-rule [rule-file]",
	Short: "Validate a rule definition",
	Long: `Validate a rule creation request file before submitting it.

The validator checks the rule name and type, that at least one
condition and one action are present, and that each condition and
action is well-formed for its kind.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runValidation(args[0], cli.ValidateRuleFile)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(validateRuleCmd)
}

func runValidation(filename string, validate func(string) (*cli.ValidationResult, error)) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		fmt.Printf("Error: file '%s' not found\n", filename)
		os.Exit(1)
	}

	result, err := validate(filename)
	if err != nil {
		fmt.Printf("Error validating file: %v\n", err)
		os.Exit(1)
	}

	if outputJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Printf("Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	} else {
		outputValidationText(result, filename)
	}

	if !result.Valid {
		os.Exit(1)
	}
}

func outputValidationText(result *cli.ValidationResult, filename string) {
	fmt.Printf("\nValidating: %s\n\n", filename)

	if result.Valid {
		fmt.Println("Definition is valid")
		return
	}

	fmt.Printf("Validation failed with %d error(s):\n\n", len(result.Errors))
	for i, err := range result.Errors {
		fmt.Printf("  %d. %s\n", i+1, err)
	}
}
