package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "obsctl",
	Short: "obsctl operates the trading-bot workflow broker and control façade",
	Long: `obsctl hosts the two long-running HTTP processes described by the
observability control plane (the state-owning broker and the read-only,
authenticated-write control façade) and a handful of operator
convenience commands that talk to a running façade.`,
}

// Execute runs the root command, dispatching to whichever subcommand the
// operator invoked.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (overrides OBS_CONFIG_FILE)")
}
