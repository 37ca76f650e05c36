package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "automation",
	Short: "Automation engine CLI - validate rules, workflows and schedules",
	Long: `The automation CLI validates rule and workflow definitions and
previews schedule recurrence before anything reaches the engine.

Examples:
  automation validate workflow.json
  automation validate-rule rule.json
  automation cron "0 9 * * 1" --count 5`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.automation-cli.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results in JSON format")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".automation-cli")
	}

	viper.SetEnvPrefix("AUTOMATION")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if !outputJSON {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
