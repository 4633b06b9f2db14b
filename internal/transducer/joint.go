package transducer

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/lexiqai/asr-transducer/internal/nn"
	"github.com/lexiqai/asr-transducer/internal/tensor"
)

// PredictionJoint turns an encoding and the label history into transducer
// logits.
type PredictionJoint interface {
	// Logits combines encoded [B, T', D] with prediction ids [B][U+1] into
	// [B, T', U+1, V].
	Logits(encoded *tensor.Tensor, prediction [][]int, training bool) (*tensor.Tensor, error)
	Variables() []nn.Variable
}

// PredictionConfig configures RNNPredictionJoint.
type PredictionConfig struct {
	VocabularySize  int        `yaml:"vocabulary_size"`
	EncoderDim      int        `yaml:"encoder_dim"`
	EmbedDim        int        `yaml:"embed_dim"`
	EmbedDropout    float64    `yaml:"embed_dropout"`
	NumRNNs         int        `yaml:"num_rnns"`
	RNNUnits        int        `yaml:"rnn_units"`
	RNNType         nn.RNNKind `yaml:"rnn_type"`
	LayerNorm       bool       `yaml:"layer_norm"`
	ProjectionUnits int        `yaml:"projection_units"`
	JointDim        int        `yaml:"joint_dim"`
	Seed            uint64     `yaml:"seed"`
}

// DefaultPredictionConfig matches the reference prediction network sizes for
// an encoder of width encoderDim.
func DefaultPredictionConfig(vocab, encoderDim int) PredictionConfig {
	return PredictionConfig{
		VocabularySize:  vocab,
		EncoderDim:      encoderDim,
		EmbedDim:        320,
		NumRNNs:         1,
		RNNUnits:        320,
		RNNType:         nn.LSTM,
		LayerNorm:       true,
		ProjectionUnits: 0,
		JointDim:        320,
	}
}

// Validate reports every problem with the configuration.
func (c PredictionConfig) Validate() error {
	var result *multierror.Error
	if _, err := nn.ParseRNNKind(string(c.RNNType)); err != nil {
		result = multierror.Append(result, err)
	}
	positive := []struct {
		name  string
		value int
	}{
		{"vocabulary_size", c.VocabularySize},
		{"encoder_dim", c.EncoderDim},
		{"embed_dim", c.EmbedDim},
		{"num_rnns", c.NumRNNs},
		{"rnn_units", c.RNNUnits},
		{"joint_dim", c.JointDim},
	}
	for _, p := range positive {
		if p.value <= 0 {
			result = multierror.Append(result, fmt.Errorf("%w: %s must be positive, got %d", ErrInput, p.name, p.value))
		}
	}
	if c.EmbedDropout < 0 || c.EmbedDropout >= 1 {
		result = multierror.Append(result, fmt.Errorf("%w: embed_dropout must be in [0, 1), got %g", ErrInput, c.EmbedDropout))
	}
	return result.ErrorOrNil()
}

type predictionLayer struct {
	cell       nn.Cell
	ln         *nn.LayerNorm
	projection *nn.Dense
}

// RNNPredictionJoint is an embedding + recurrent prediction network joined
// with the encoding through tanh(enc W_e + pred W_p) W_v.
type RNNPredictionJoint struct {
	cfg       PredictionConfig
	embedding *tensor.Tensor // [V, E]
	src       *nn.Source
	dropout   *nn.Dropout
	layers    []predictionLayer
	encProj   *nn.Dense
	predProj  *nn.Dense
	vocab     *nn.Dense
}

// NewRNNPredictionJoint validates cfg and builds the network.
func NewRNNPredictionJoint(cfg PredictionConfig) (*RNNPredictionJoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	init := nn.NewInitializer(cfg.Seed)
	pj := &RNNPredictionJoint{
		cfg:       cfg,
		embedding: init.GlorotUniform(cfg.VocabularySize, cfg.EmbedDim, cfg.VocabularySize, cfg.EmbedDim),
		src:       init.Source(),
		dropout:   nn.NewDropout(cfg.EmbedDropout, init.Source()),
	}
	in := cfg.EmbedDim
	for i := 0; i < cfg.NumRNNs; i++ {
		name := fmt.Sprintf("prediction_rnn_%d", i)
		cell, err := nn.NewCell(cfg.RNNType, name, in, cfg.RNNUnits, init)
		if err != nil {
			return nil, err
		}
		layer := predictionLayer{cell: cell}
		if cfg.LayerNorm {
			layer.ln = nn.NewLayerNorm(name+"_ln", cfg.RNNUnits, init)
		}
		in = cfg.RNNUnits
		if cfg.ProjectionUnits > 0 {
			layer.projection = nn.NewDense(name+"_projection", cfg.RNNUnits, cfg.ProjectionUnits, init)
			in = cfg.ProjectionUnits
		}
		pj.layers = append(pj.layers, layer)
	}
	pj.encProj = nn.NewDense("joint_enc", cfg.EncoderDim, cfg.JointDim, init)
	pj.predProj = nn.NewDense("joint_pred", in, cfg.JointDim, init)
	pj.vocab = nn.NewDense("joint_vocab", cfg.JointDim, cfg.VocabularySize, init)
	return pj, nil
}

// Predict runs the prediction network over ids [B][U+1] into [B, U+1, P].
func (pj *RNNPredictionJoint) Predict(prediction [][]int, training bool) (*tensor.Tensor, error) {
	b := len(prediction)
	if b == 0 {
		return nil, fmt.Errorf("%w: empty prediction batch", ErrInput)
	}
	u := len(prediction[0])
	e := pj.cfg.EmbedDim
	emb := tensor.New(b, u, e)
	ed, table := emb.Data(), pj.embedding.Data()
	for n, row := range prediction {
		if len(row) != u {
			return nil, fmt.Errorf("%w: prediction row %d has %d ids, want %d", ErrInput, n, len(row), u)
		}
		for i, id := range row {
			if id < 0 || id >= pj.cfg.VocabularySize {
				return nil, fmt.Errorf("%w: token %d outside vocabulary of %d", ErrInput, id, pj.cfg.VocabularySize)
			}
			copy(ed[(n*u+i)*e:(n*u+i+1)*e], table[id*e:(id+1)*e])
		}
	}

	out := pj.dropout.Forward(emb, training)
	for _, layer := range pj.layers {
		out, _ = nn.RunRNN(layer.cell, out, nn.ZeroStates(layer.cell, b))
		if layer.ln != nil {
			out = layer.ln.Forward(out)
		}
		if layer.projection != nil {
			out = layer.projection.Forward(out)
		}
	}
	return out, nil
}

// Logits implements PredictionJoint.
func (pj *RNNPredictionJoint) Logits(encoded *tensor.Tensor, prediction [][]int, training bool) (*tensor.Tensor, error) {
	if encoded.Rank() != 3 || encoded.Dim(2) != pj.cfg.EncoderDim {
		return nil, fmt.Errorf("%w: encoding %v, want [B,T,%d]", ErrInput, encoded.Shape(), pj.cfg.EncoderDim)
	}
	pred, err := pj.Predict(prediction, training)
	if err != nil {
		return nil, err
	}
	b, t, u := encoded.Dim(0), encoded.Dim(1), pred.Dim(1)
	if pred.Dim(0) != b {
		return nil, fmt.Errorf("%w: prediction batch %d, encoding batch %d", ErrInput, pred.Dim(0), b)
	}

	enc := pj.encProj.Forward(encoded) // [B, T, J]
	prd := pj.predProj.Forward(pred)   // [B, U, J]
	j := pj.cfg.JointDim
	joint := tensor.New(b, t, u, j)
	jd, encd, prdd := joint.Data(), enc.Data(), prd.Data()
	for n := 0; n < b; n++ {
		for ti := 0; ti < t; ti++ {
			erow := encd[(n*t+ti)*j : (n*t+ti+1)*j]
			for ui := 0; ui < u; ui++ {
				prow := prdd[(n*u+ui)*j : (n*u+ui+1)*j]
				dst := jd[((n*t+ti)*u+ui)*j : ((n*t+ti)*u+ui+1)*j]
				for k := range dst {
					dst[k] = erow[k] + prow[k]
				}
			}
		}
	}
	return pj.vocab.Forward(nn.Tanh(joint)), nil
}

func (pj *RNNPredictionJoint) Variables() []nn.Variable {
	vars := []nn.Variable{{Name: "prediction_embedding/embeddings", Value: pj.embedding}}
	for _, layer := range pj.layers {
		vars = append(vars, layer.cell.Variables()...)
		if layer.ln != nil {
			vars = append(vars, layer.ln.Variables()...)
		}
		if layer.projection != nil {
			vars = append(vars, layer.projection.Variables()...)
		}
	}
	vars = append(vars, pj.encProj.Variables()...)
	vars = append(vars, pj.predProj.Variables()...)
	return append(vars, pj.vocab.Variables()...)
}

// State returns the dropout source.
func (pj *RNNPredictionJoint) State() []nn.Stateful { return []nn.Stateful{pj.src} }
