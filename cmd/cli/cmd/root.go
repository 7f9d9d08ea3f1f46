package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "transferctl",
	Short: "transferctl is a command line tool for driving transferplane migrations",
	Long: `transferctl is the command-line interface for transferplane.

A transferplane controller runs on both sides of a migration. The destination
imports groups and projects relation by relation, pulling compressed exports
from the source controller over HTTP.

Common workflows:

  Start a migration on the destination:
    transferctl migrate --source-url https://source.example.com \
      --unit group:acme:imported/acme

  Follow a migration:
    transferctl status <migration-id>
    transferctl trackers <migration-id> <unit-id>

  Inspect exports on a source:
    transferctl exports acme/app --session <unit-id>

  Pull one artifact into a local directory:
    transferctl fetch acme/app labels --session <unit-id> --dir ./labels

Administration (token must be the system secret):
    transferctl tokens create --name destination-a
    transferctl dlq list

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    TRANSFERPLANE_URL      Controller URL (default: http://localhost:6161)
    TRANSFERPLANE_TOKEN    Access token or system secret`,
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
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".transferctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".transferctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TRANSFERPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// requireToken prints a hint and reports false when no token is configured.
func requireToken(cmd *cobra.Command) (string, bool) {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the TRANSFERPLANE_TOKEN environment variable")
		return "", false
	}
	return token, true
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.transferctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "transferplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
