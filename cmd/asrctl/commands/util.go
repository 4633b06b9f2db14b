package commands

import (
	"bufio"
	"fmt"
	"os"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/config"
	"github.com/lexiqai/asr-transducer/internal/train"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

// loadModelConfig reads --model-config or returns the defaults.
func loadModelConfig() (*config.ModelConfig, error) {
	if globalFlags.modelConfig == "" {
		return config.DefaultModelConfig(), nil
	}
	return config.LoadModelFile(globalFlags.modelConfig)
}

// buildModel builds the configured model and loads a checkpoint when path
// is set.
func buildModel(cfg *config.ModelConfig, checkpoint string) (*transducer.Model, int, error) {
	model, err := cfg.BuildModel()
	if err != nil {
		return nil, 0, err
	}
	if checkpoint == "" {
		return model, 0, nil
	}
	f, err := os.Open(checkpoint)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	steps, err := train.LoadCheckpoint(bufio.NewReader(f), model.TrainableVariables())
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", checkpoint, err)
	}
	return model, steps, nil
}

// readAudio loads a WAV or raw 16-bit PCM file as normalized samples at
// outRate. rate is used for raw files and ignored for WAV.
func readAudio(path string, enc audio.Encoding, rate, outRate int) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	pcm, wavRate, err := audio.ParseWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if wavRate > 0 {
		rate, enc = wavRate, audio.EncodingPCM16
	}
	return audio.Decode(enc, pcm, rate, outRate)
}

// writeFile creates path and calls fn with a buffered writer.
func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readExamples loads a msgpack dataset.
func readExamples(path string) ([]train.Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	examples, err := train.ReadExamples(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}
