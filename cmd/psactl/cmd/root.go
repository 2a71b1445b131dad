package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "psactl",
	Short: "psactl operates the timesheet to ledger sync pipeline",
	Long: `psactl is the command-line interface for the sync API.

Common workflows:

  Inspect and drain queues:
    psactl queues counts
    psactl queues clear timesheet-sync --status failed

  Re-sync submissions by hand:
    psactl sync submissions s-1001 s-1002
    psactl sync range --from 2024-03-01 --to 2024-03-07

  Work the quarantine:
    psactl quarantine list --status quarantined --priority critical
    psactl quarantine review <id> --status resolved --notes "rate fixed"

  Backfill history:
    psactl migration analyze
    psactl migration start --batch-size 100 --dry-run

Configuration:
  PSA_URL       API endpoint (default: http://localhost:8080)
  PSA_OPERATOR  Name recorded as the operator on every change`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".psactl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PSA")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("operator"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.psactl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "sync API URL")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("operator", "u", "", "operator name sent with every request")
	_ = viper.BindPFlag("operator", rootCmd.PersistentFlags().Lookup("operator"))
}
