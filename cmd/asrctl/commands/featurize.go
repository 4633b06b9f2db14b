package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/observability"
	"github.com/lexiqai/asr-transducer/internal/train"
)

var featurizeFlags struct {
	manifest string
	output   string
	rate     int
	encoding string
}

var featurizeCmd = &cobra.Command{
	Use:   "featurize",
	Short: "Turn audio and transcripts into a msgpack dataset",
	Long: `Read a manifest of "<audio file>\t<transcript>" lines, compute log-mel
features with the configured front end and write a msgpack dataset for
'asrctl train'. Audio paths are relative to the manifest. Transcripts use
the English charset (space, apostrophe, a-z).

Examples:
  asrctl featurize --manifest train.tsv -o train.msgpack
  asrctl featurize --manifest calls.tsv --encoding pcmu --rate 8000 -o calls.msgpack`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if featurizeFlags.manifest == "" || featurizeFlags.output == "" {
			return fmt.Errorf("--manifest and --output are required")
		}
		enc, err := audio.ParseEncoding(featurizeFlags.encoding)
		if err != nil {
			return err
		}
		cfg, err := loadModelConfig()
		if err != nil {
			return err
		}
		extractor, err := cfg.BuildExtractor()
		if err != nil {
			return err
		}
		charset := train.EnglishCharset()
		if charset.Size() > cfg.Prediction.VocabularySize {
			return fmt.Errorf("charset has %d labels but the vocabulary only %d", charset.Size(), cfg.Prediction.VocabularySize)
		}

		f, err := os.Open(featurizeFlags.manifest)
		if err != nil {
			return err
		}
		defer f.Close()

		logger := observability.GetLogger()
		dir := filepath.Dir(featurizeFlags.manifest)
		var examples []train.Example
		scanner := bufio.NewScanner(f)
		for line := 1; scanner.Scan(); line++ {
			text := strings.TrimSpace(scanner.Text())
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			path, transcript, ok := strings.Cut(text, "\t")
			if !ok {
				return fmt.Errorf("%s:%d: want <audio>\\t<transcript>", featurizeFlags.manifest, line)
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}

			labels, err := charset.Encode(strings.TrimSpace(transcript))
			if err != nil {
				return fmt.Errorf("%s:%d: %w", featurizeFlags.manifest, line, err)
			}
			samples, err := readAudio(path, enc, featurizeFlags.rate, extractor.SampleRate())
			if err != nil {
				return err
			}
			feats, err := extractor.Extract(samples)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			bins := feats.Dim(1)
			rows := make([][]float64, feats.Dim(0))
			for i := range rows {
				rows[i] = append([]float64(nil), feats.Data()[i*bins:(i+1)*bins]...)
			}
			examples = append(examples, train.Example{ID: filepath.Base(path), Features: rows, Labels: labels})
			logger.Debug().Str("file", path).Int("frames", len(rows)).Int("labels", len(labels)).Msg("Featurized")
		}
		if err := scanner.Err(); err != nil {
			return err
		}

		if err := writeFile(featurizeFlags.output, func(w *bufio.Writer) error {
			return train.WriteExamples(w, examples)
		}); err != nil {
			return err
		}
		logger.Info().Int("examples", len(examples)).Str("output", featurizeFlags.output).Msg("Dataset written")
		return nil
	},
}

func init() {
	f := featurizeCmd.Flags()
	f.StringVar(&featurizeFlags.manifest, "manifest", "", "tab separated manifest of audio files and transcripts")
	f.StringVarP(&featurizeFlags.output, "output", "o", "", "msgpack dataset to write")
	f.IntVar(&featurizeFlags.rate, "rate", 16000, "sample rate of raw (headerless) audio")
	f.StringVar(&featurizeFlags.encoding, "encoding", string(audio.EncodingPCM16), "encoding of raw audio: pcm16 or pcmu")
}
