// Package cmd implements the armada command line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devwspito/armada/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "armada",
	Short: "Multi-agent software delivery orchestrator",
	Long: `Armada drives a fleet of coding agents through a delivery plan:
epics are scheduled across isolated repository clones, each epic runs
architecture, implementation, review and testing phases, and every state
change is appended to a durable event log.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.armada/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they apply even without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.armada")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ARMADA")
	// ARMADA_SCHEDULER_FAILURE_THRESHOLD for scheduler.failure_threshold.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults and env carry the run.
	_ = viper.ReadInConfig()
}
