package convert

import "fmt"

// RopeLayout describes how a Q or K projection orders the dimensions that
// rotary embeddings rotate together.
type RopeLayout int

const (
	// RopeAdjacentPairs groups each head's dimensions as (d0,d1), (d2,d3), ...
	// This is the native and Meta layout.
	RopeAdjacentPairs RopeLayout = iota
	// RopeInterleavedHalves pairs dimension i with i+head_dim/2 in each head.
	// This is the Hugging Face layout.
	RopeInterleavedHalves
)

func (l RopeLayout) String() string {
	switch l {
	case RopeAdjacentPairs:
		return "adjacent-pairs"
	case RopeInterleavedHalves:
		return "interleaved-halves"
	default:
		return fmt.Sprintf("RopeLayout(%d)", int(l))
	}
}

// LayerWeights holds the parameters of a single decoder layer.
type LayerWeights struct {
	Query  *Tensor
	Key    *Tensor
	Value  *Tensor
	Output *Tensor

	Gate *Tensor
	Up   *Tensor
	Down *Tensor

	AttentionNorm   *Tensor
	FeedForwardNorm *Tensor

	RotaryInvFreq *Tensor
}

// each calls fn for every tensor in the layer, including nil ones.
func (l *LayerWeights) each(fn func(name string, t *Tensor) error) error {
	for _, f := range []struct {
		name string
		t    *Tensor
	}{
		{"query", l.Query},
		{"key", l.Key},
		{"value", l.Value},
		{"output", l.Output},
		{"gate", l.Gate},
		{"up", l.Up},
		{"down", l.Down},
		{"attention_norm", l.AttentionNorm},
		{"ffn_norm", l.FeedForwardNorm},
		{"rotary_inv_freq", l.RotaryInvFreq},
	} {
		if err := fn(f.name, f.t); err != nil {
			return err
		}
	}

	return nil
}

func (l *LayerWeights) validate() error {
	return l.each(func(name string, t *Tensor) error {
		if t == nil {
			return fmt.Errorf("%w: %s", ErrMissingTensor, name)
		}
		return nil
	})
}

func (l *LayerWeights) Equal(o *LayerWeights) bool {
	return l.Query.Equal(o.Query) &&
		l.Key.Equal(o.Key) &&
		l.Value.Equal(o.Value) &&
		l.Output.Equal(o.Output) &&
		l.Gate.Equal(o.Gate) &&
		l.Up.Equal(o.Up) &&
		l.Down.Equal(o.Down) &&
		l.AttentionNorm.Equal(o.AttentionNorm) &&
		l.FeedForwardNorm.Equal(o.FeedForwardNorm) &&
		l.RotaryInvFreq.Equal(o.RotaryInvFreq)
}

// ModelWeights is the full parameter set of a causal LLaMA-style model.
type ModelWeights struct {
	Layers []LayerWeights

	Embedding  *Tensor
	OutputNorm *Tensor
	// Output is the language modelling head. It is the same pointer as
	// Embedding when TieWordEmbeddings is set.
	Output *Tensor

	TieWordEmbeddings bool
	Rope              RopeLayout
}

func (w *ModelWeights) Equal(o *ModelWeights) bool {
	if w == nil || o == nil {
		return w == o
	}

	if len(w.Layers) != len(o.Layers) ||
		w.TieWordEmbeddings != o.TieWordEmbeddings ||
		w.Rope != o.Rope {
		return false
	}

	for i := range w.Layers {
		if !w.Layers[i].Equal(&o.Layers[i]) {
			return false
		}
	}

	return w.Embedding.Equal(o.Embedding) &&
		w.OutputNorm.Equal(o.OutputNorm) &&
		w.Output.Equal(o.Output)
}

// NumParams counts the distinct parameters, counting a tied head once.
func (w *ModelWeights) NumParams() int64 {
	var n int64
	for i := range w.Layers {
		w.Layers[i].each(func(_ string, t *Tensor) error {
			if t != nil {
				n += int64(t.Len())
			}
			return nil
		})
	}

	for _, t := range []*Tensor{w.Embedding, w.OutputNorm} {
		if t != nil {
			n += int64(t.Len())
		}
	}

	if w.Output != nil && !w.TieWordEmbeddings {
		n += int64(w.Output.Len())
	}

	return n
}
