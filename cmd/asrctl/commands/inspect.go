package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

var inspectFlags struct {
	variables  bool
	checkpoint string
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the model layout and parameter count",
	Long: `Build the configured model and print its encoder kind, time reduction
factor and trainable parameter count.

Examples:
  asrctl inspect
  asrctl -m conformer.yaml inspect --variables`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadModelConfig()
		if err != nil {
			return err
		}
		model, steps, err := buildModel(cfg, inspectFlags.checkpoint)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		vars := model.TrainableVariables()
		_, streaming := model.Encoder().(transducer.Recognizer)
		fmt.Fprintf(out, "encoder:         %s\n", cfg.Encoder)
		fmt.Fprintf(out, "streaming:       %t\n", streaming)
		fmt.Fprintf(out, "feature bins:    %d\n", cfg.Speech.NumBins)
		fmt.Fprintf(out, "encoder dim:     %d\n", cfg.EncoderDim())
		fmt.Fprintf(out, "time reduction:  %d\n", model.TimeReductionFactor())
		fmt.Fprintf(out, "vocabulary:      %d\n", cfg.Prediction.VocabularySize)
		fmt.Fprintf(out, "variables:       %d\n", len(vars))
		fmt.Fprintf(out, "parameters:      %d\n", nn.CountParams(vars))
		if inspectFlags.checkpoint != "" {
			fmt.Fprintf(out, "checkpoint step: %d\n", steps)
		}

		if inspectFlags.variables {
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nNAME\tSHAPE\tSIZE")
			for _, v := range vars {
				fmt.Fprintf(tw, "%s\t%v\t%d\n", v.Name, v.Value.Shape(), v.Value.Size())
			}
			return tw.Flush()
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectFlags.variables, "variables", false, "list every trainable variable")
	inspectCmd.Flags().StringVar(&inspectFlags.checkpoint, "checkpoint", "", "load weights from a checkpoint")
}
