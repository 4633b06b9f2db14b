package commands

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/lexiqai/asr-transducer/internal/audio"
	"github.com/lexiqai/asr-transducer/internal/tensor"
	"github.com/lexiqai/asr-transducer/internal/transducer"
)

var encodeFlags struct {
	rate       int
	encoding   string
	chunk      int
	checkpoint string
}

var encodeCmd = &cobra.Command{
	Use:   "encode <audio file>",
	Short: "Run the encoder over an audio file",
	Long: `Extract features from a WAV or raw PCM file and run the encoder over them.

Streaming encoders run chunk by chunk, carrying their state the way the
server does; --chunk is the number of feature frames per step and is
rounded up to a multiple of the time reduction factor. Other encoders see
the whole utterance at once.

Examples:
  asrctl encode hello.wav
  asrctl encode --chunk 12 --checkpoint model.ckpt call.raw --rate 8000 --encoding pcmu`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enc, err := audio.ParseEncoding(encodeFlags.encoding)
		if err != nil {
			return err
		}
		cfg, err := loadModelConfig()
		if err != nil {
			return err
		}
		model, _, err := buildModel(cfg, encodeFlags.checkpoint)
		if err != nil {
			return err
		}
		extractor, err := cfg.BuildExtractor()
		if err != nil {
			return err
		}
		samples, err := readAudio(args[0], enc, encodeFlags.rate, extractor.SampleRate())
		if err != nil {
			return err
		}
		feats, err := extractor.Extract(samples)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "features: %v\n", feats.Shape())

		rec, ok := model.Encoder().(transducer.Recognizer)
		if !ok {
			batched := feats.Reshape(append([]int{1}, feats.Shape()...)...)
			encoded, _, err := model.Encoder().Encode(batched, 0, false)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "encoding: %v norm %.4f\n", encoded.Shape(), norm(encoded))
			return nil
		}

		factor := model.TimeReductionFactor()
		chunk := max(encodeFlags.chunk, 1)
		chunk = (chunk + factor - 1) / factor * factor
		state := rec.InitialState(1)
		total := 0
		for start, step := 0, 1; start < feats.Dim(0); start, step = start+chunk, step+1 {
			end := min(start+chunk, feats.Dim(0))
			encoded, next, err := model.EncoderInference(tensor.Slice(feats, 0, start, end), state, false)
			if err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			state = next
			total += encoded.Dim(0)
			fmt.Fprintf(out, "step %3d: frames %d-%d -> %v norm %.4f\n", step, start, end, encoded.Shape(), norm(encoded))
		}
		fmt.Fprintf(out, "encoded frames: %d\n", total)
		return nil
	},
}

func norm(t *tensor.Tensor) float64 {
	return math.Sqrt(floats.Dot(t.Data(), t.Data()))
}

func init() {
	f := encodeCmd.Flags()
	f.IntVar(&encodeFlags.rate, "rate", 16000, "sample rate of raw (headerless) audio")
	f.StringVar(&encodeFlags.encoding, "encoding", string(audio.EncodingPCM16), "encoding of raw audio: pcm16 or pcmu")
	f.IntVar(&encodeFlags.chunk, "chunk", 16, "feature frames per streaming step")
	f.StringVar(&encodeFlags.checkpoint, "checkpoint", "", "load weights from a checkpoint")
}
