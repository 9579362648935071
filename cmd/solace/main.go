package main

import (
	"os"

	solace "github.com/solace-health/solace-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	debugFlag bool
	logger    = zap.NewNop()
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "solace",
	Short: "Solace chat CLI",
	Long:  "Command-line client for Solace conversations.\nManage configuration, browse conversations and chat in real time.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = solace.NewLogger(debugFlag)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "verbose console logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
