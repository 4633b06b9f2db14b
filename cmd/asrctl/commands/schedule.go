package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexiqai/asr-transducer/internal/schedule"
)

var scheduleEpochs int

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the annealing weight per epoch",
	Long: `Print the weight that blends the conformer's auxiliary branch and scales
its auxiliary loss at each epoch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if scheduleEpochs < 1 {
			return fmt.Errorf("--epochs must be at least 1")
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "EPOCH  WEIGHT")
		for ep := 1; ep <= scheduleEpochs; ep++ {
			fmt.Fprintf(out, "%5d  %.4f\n", ep, schedule.Anneal(ep))
		}
		return nil
	},
}

func init() {
	scheduleCmd.Flags().IntVar(&scheduleEpochs, "epochs", schedule.AnnealEpochs+2, "number of epochs to print")
}
