// Command asrctl works with transducer models offline and against a running
// recognition server.
//
// Usage:
//
//	asrctl [--model-config model.yaml] <command> [flags]
//
// Commands:
//
//	inspect   - Print the model layout and parameter count
//	schedule  - Print the annealing weight per epoch
//	featurize - Turn audio and transcripts into a msgpack dataset
//	encode    - Run the encoder over an audio file
//	train     - Train on a msgpack dataset and write a checkpoint
//	stream    - Stream an audio file to the server
package main

import (
	"fmt"
	"os"

	"github.com/lexiqai/asr-transducer/cmd/asrctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
