package train

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lexiqai/asr-transducer/internal/nn"
)

// ErrCheckpointMismatch is returned when a checkpoint does not fit a model.
var ErrCheckpointMismatch = errors.New("checkpoint does not match model")

type savedVariable struct {
	Name  string    `msgpack:"name"`
	Shape []int     `msgpack:"shape"`
	Data  []float64 `msgpack:"data"`
}

// Checkpoint is the msgpack form of a model's variables.
type Checkpoint struct {
	Steps     int             `msgpack:"steps"`
	Variables []savedVariable `msgpack:"variables"`
}

// SaveCheckpoint writes vars and the step counter to w.
func SaveCheckpoint(w io.Writer, vars []nn.Variable, steps int) error {
	ck := Checkpoint{Steps: steps, Variables: make([]savedVariable, len(vars))}
	for i, v := range vars {
		ck.Variables[i] = savedVariable{Name: v.Name, Shape: v.Value.Shape(), Data: v.Value.Data()}
	}
	if err := msgpack.NewEncoder(w).Encode(&ck); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from r into vars, which must have the
// same names and shapes. It returns the saved step counter. vars are left
// untouched on error.
func LoadCheckpoint(r io.Reader, vars []nn.Variable) (int, error) {
	var ck Checkpoint
	if err := msgpack.NewDecoder(r).Decode(&ck); err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(ck.Variables) != len(vars) {
		return 0, fmt.Errorf("%w: %d variables saved, model has %d", ErrCheckpointMismatch, len(ck.Variables), len(vars))
	}
	for i, v := range vars {
		s := ck.Variables[i]
		if s.Name != v.Name || !slices.Equal(s.Shape, v.Value.Shape()) || len(s.Data) != v.Value.Size() {
			return 0, fmt.Errorf("%w: variable %d is %s%v, model has %s%v", ErrCheckpointMismatch, i, s.Name, s.Shape, v.Name, v.Value.Shape())
		}
	}
	for i, v := range vars {
		copy(v.Value.Data(), ck.Variables[i].Data)
	}
	return ck.Steps, nil
}
