package commands

import (
	"github.com/spf13/cobra"

	"github.com/lexiqai/asr-transducer/internal/config"
	"github.com/lexiqai/asr-transducer/internal/observability"
)

var globalFlags struct {
	modelConfig string
	logLevel    string
	pretty      bool
}

var rootCmd = &cobra.Command{
	Use:   "asrctl",
	Short: "Transducer acoustic model tooling",
	Long: `Tooling for streaming transducer acoustic models.

The model tree is read from --model-config (YAML). Without it the built-in
streaming model over 80 log-mel bins is used.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitLogger(globalFlags.logLevel, globalFlags.pretty)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&globalFlags.modelConfig, "model-config", "m", config.GetEnv("MODEL_CONFIG", ""), "model YAML file")
	pf.StringVar(&globalFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.BoolVar(&globalFlags.pretty, "pretty", true, "human readable logs")

	rootCmd.AddCommand(inspectCmd, scheduleCmd, featurizeCmd, encodeCmd, trainCmd, streamCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
