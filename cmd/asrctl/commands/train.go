package commands

import (
	"bufio"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexiqai/asr-transducer/internal/config"
	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/train"
)

var trainFlags struct {
	data       string
	eval       string
	epochs     int
	checkpoint string
	resume     string
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train on a msgpack dataset and write a checkpoint",
	Long: `Train the configured model on a dataset written by 'asrctl featurize'.

Batch size, gradient accumulation, optimizer and learning rate come from the
trainer section of the model config. Gradients are estimated by central
finite differences, so this is meant for small models and smoke tests.

Examples:
  asrctl -m tiny.yaml train --data train.msgpack --eval dev.msgpack -o model.ckpt
  asrctl -m tiny.yaml train --data train.msgpack --resume model.ckpt --epochs 2 -o model.ckpt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if trainFlags.data == "" {
			return fmt.Errorf("--data is required")
		}
		cfg, err := loadModelConfig()
		if err != nil {
			return err
		}
		model, steps, err := buildModel(cfg, trainFlags.resume)
		if err != nil {
			return err
		}

		tc := cfg.Trainer
		trainSet, err := loadBatches(trainFlags.data, tc)
		if err != nil {
			return err
		}
		var evalSet train.Iterator
		if trainFlags.eval != "" {
			if evalSet, err = loadBatches(trainFlags.eval, tc); err != nil {
				return err
			}
		}

		env, err := config.LoadFromEnv()
		if err != nil {
			return err
		}
		logger := observability.ForComponent("trainer")
		trainer, err := train.NewTrainer(model, cfg.BuildOptimizer(), tc.Config,
			train.WithDifferentiator(train.NewFiniteDifference(tc.FiniteDifferenceEpsilon)),
			train.WithLogger(logger),
			train.WithRetryConfig(env.Retry()),
			train.WithStartStep(steps),
		)
		if err != nil {
			return err
		}

		epochs := tc.Epochs
		if trainFlags.epochs > 0 {
			epochs = trainFlags.epochs
		}
		logger.Info().
			Str("encoder", string(cfg.Encoder)).
			Int("parameters", nn.CountParams(model.TrainableVariables())).
			Int("batches", trainSet.Len()).
			Int("epochs", epochs).
			Int("resumed_steps", steps).
			Msg("Training started")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		fitErr := trainer.Fit(ctx, trainSet, evalSet, epochs)
		if fitErr != nil {
			logger.Error().Err(fitErr).Int("steps", trainer.Steps()).Msg("Training stopped")
		}

		if trainFlags.checkpoint != "" {
			if err := writeFile(trainFlags.checkpoint, func(w *bufio.Writer) error {
				return train.SaveCheckpoint(w, trainer.Variables(), trainer.Steps())
			}); err != nil {
				return err
			}
			logger.Info().Str("checkpoint", trainFlags.checkpoint).Int("steps", trainer.Steps()).Msg("Checkpoint written")
		}
		return fitErr
	},
}

func loadBatches(path string, tc config.TrainerConfig) (*train.SliceIterator, error) {
	examples, err := readExamples(path)
	if err != nil {
		return nil, err
	}
	micro := tc.GlobalBatchSize / max(tc.AccumulationSteps, 1)
	batches, err := train.MakeBatches(examples, max(micro, 1), tc.Blank)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return train.NewSliceIterator(batches...), nil
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainFlags.data, "data", "", "msgpack training set")
	f.StringVar(&trainFlags.eval, "eval", "", "msgpack evaluation set")
	f.IntVar(&trainFlags.epochs, "epochs", 0, "override the configured number of epochs")
	f.StringVarP(&trainFlags.checkpoint, "output", "o", "", "checkpoint to write when training ends")
	f.StringVar(&trainFlags.resume, "resume", "", "checkpoint to start from")
}
