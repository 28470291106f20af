package convert

import (
	"fmt"
	"strings"

	"github.com/fmsgo/fms/config"
)

// Names maps the parts of a model to the tensor names a checkpoint uses.
// Per-layer names contain a single %d for the layer index. A RotaryInvFreq
// name without %d is a buffer shared by every layer.
type Names struct {
	Rope RopeLayout

	Embedding  string
	OutputNorm string
	Output     string

	Query           string
	Key             string
	Value           string
	AttentionOutput string
	Gate            string
	Up              string
	Down            string
	AttentionNorm   string
	FeedForwardNorm string
	RotaryInvFreq   string
}

var (
	NamesFMS = Names{
		Rope:            RopeAdjacentPairs,
		Embedding:       "shared.emb.weight",
		OutputNorm:      "dec_norm.weight",
		Output:          "shared.head.weight",
		Query:           "layers.%d.attn.query.weight",
		Key:             "layers.%d.attn.key.weight",
		Value:           "layers.%d.attn.value.weight",
		AttentionOutput: "layers.%d.attn.dense.weight",
		Gate:            "layers.%d.ff_sub_layer.wg.weight",
		Up:              "layers.%d.ff_sub_layer.w1.weight",
		Down:            "layers.%d.ff_sub_layer.w2.weight",
		AttentionNorm:   "layers.%d.ln.weight",
		FeedForwardNorm: "layers.%d.ff_ln.weight",
		RotaryInvFreq:   "rot_emb.freqs",
	}

	NamesHF = Names{
		Rope:            RopeInterleavedHalves,
		Embedding:       "model.embed_tokens.weight",
		OutputNorm:      "model.norm.weight",
		Output:          "lm_head.weight",
		Query:           "model.layers.%d.self_attn.q_proj.weight",
		Key:             "model.layers.%d.self_attn.k_proj.weight",
		Value:           "model.layers.%d.self_attn.v_proj.weight",
		AttentionOutput: "model.layers.%d.self_attn.o_proj.weight",
		Gate:            "model.layers.%d.mlp.gate_proj.weight",
		Up:              "model.layers.%d.mlp.up_proj.weight",
		Down:            "model.layers.%d.mlp.down_proj.weight",
		AttentionNorm:   "model.layers.%d.input_layernorm.weight",
		FeedForwardNorm: "model.layers.%d.post_attention_layernorm.weight",
		RotaryInvFreq:   "model.layers.%d.self_attn.rotary_emb.inv_freq",
	}

	NamesMeta = Names{
		Rope:            RopeAdjacentPairs,
		Embedding:       "tok_embeddings.weight",
		OutputNorm:      "norm.weight",
		Output:          "output.weight",
		Query:           "layers.%d.attention.wq.weight",
		Key:             "layers.%d.attention.wk.weight",
		Value:           "layers.%d.attention.wv.weight",
		AttentionOutput: "layers.%d.attention.wo.weight",
		Gate:            "layers.%d.feed_forward.w1.weight",
		Up:              "layers.%d.feed_forward.w3.weight",
		Down:            "layers.%d.feed_forward.w2.weight",
		AttentionNorm:   "layers.%d.attention_norm.weight",
		FeedForwardNorm: "layers.%d.ffn_norm.weight",
		RotaryInvFreq:   "rope.freqs",
	}
)

// NamesFor returns the naming scheme for a checkpoint source.
func NamesFor(source string) (Names, error) {
	switch strings.ToLower(source) {
	case "", "fms":
		return NamesFMS, nil
	case "hf":
		return NamesHF, nil
	case "meta":
		return NamesMeta, nil
	default:
		return Names{}, fmt.Errorf("unknown checkpoint source %q", source)
	}
}

func (n Names) shared(name string) bool {
	return !strings.Contains(name, "%d")
}

func (n Names) layer(name string, i int) string {
	if n.shared(name) {
		return name
	}

	return fmt.Sprintf(name, i)
}

// Collect assembles ModelWeights from named tensors. Missing rotary buffers
// are recomputed from the config and a missing output head ties it to the
// embedding; any other missing tensor is an error.
func (n Names) Collect(ts map[string]*Tensor, c config.LLaMA) (*ModelWeights, error) {
	get := func(name string) (*Tensor, error) {
		t, ok := ts[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
		}
		return t, nil
	}

	w := ModelWeights{Layers: make([]LayerWeights, c.NLayers), Rope: n.Rope}

	var err error
	if w.Embedding, err = get(n.Embedding); err != nil {
		return nil, err
	}

	if w.OutputNorm, err = get(n.OutputNorm); err != nil {
		return nil, err
	}

	if w.Output, err = get(n.Output); err != nil {
		w.Output = w.Embedding
		w.TieWordEmbeddings = true
	}

	for i := range w.Layers {
		l := &w.Layers[i]
		for _, f := range []struct {
			dst  **Tensor
			name string
		}{
			{&l.Query, n.Query},
			{&l.Key, n.Key},
			{&l.Value, n.Value},
			{&l.Output, n.AttentionOutput},
			{&l.Gate, n.Gate},
			{&l.Up, n.Up},
			{&l.Down, n.Down},
			{&l.AttentionNorm, n.AttentionNorm},
			{&l.FeedForwardNorm, n.FeedForwardNorm},
		} {
			if *f.dst, err = get(n.layer(f.name, i)); err != nil {
				return nil, err
			}
		}

		if t, ok := ts[n.layer(n.RotaryInvFreq, i)]; ok {
			l.RotaryInvFreq = t.Clone()
		} else {
			l.RotaryInvFreq = RotaryInvFreq(c.HeadDim(), c.RopeTheta)
		}
	}

	if _, ok := ts[n.layer(n.Query, c.NLayers)]; ok {
		return nil, fmt.Errorf("%w: checkpoint has more than %d layers", ErrLayerCountMismatch, c.NLayers)
	}

	return &w, nil
}

// Flatten is the inverse of Collect. A tied output head is omitted.
func (n Names) Flatten(w *ModelWeights) map[string]*Tensor {
	ts := map[string]*Tensor{
		n.Embedding:  w.Embedding,
		n.OutputNorm: w.OutputNorm,
	}

	if !w.TieWordEmbeddings && w.Output != nil {
		ts[n.Output] = w.Output
	}

	for i := range w.Layers {
		l := &w.Layers[i]
		ts[n.layer(n.Query, i)] = l.Query
		ts[n.layer(n.Key, i)] = l.Key
		ts[n.layer(n.Value, i)] = l.Value
		ts[n.layer(n.AttentionOutput, i)] = l.Output
		ts[n.layer(n.Gate, i)] = l.Gate
		ts[n.layer(n.Up, i)] = l.Up
		ts[n.layer(n.Down, i)] = l.Down
		ts[n.layer(n.AttentionNorm, i)] = l.AttentionNorm
		ts[n.layer(n.FeedForwardNorm, i)] = l.FeedForwardNorm

		if name := n.layer(n.RotaryInvFreq, i); i == 0 || !n.shared(n.RotaryInvFreq) {
			ts[name] = l.RotaryInvFreq
		}
	}

	return ts
}
