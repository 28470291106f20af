package llama

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/fmsgo/fms/config"
	"github.com/fmsgo/fms/convert"
	"github.com/fmsgo/fms/kvcache"
	"github.com/fmsgo/fms/model"
	"github.com/fmsgo/fms/nn"
)

// Variants are the registered sizes of the llama architecture.
var Variants = map[string]config.LLaMA{
	"micro": func() config.LLaMA {
		c := config.DefaultLLaMA()
		c.SrcVocabSize = 256
		c.EmbDim = 32
		c.NHeads = 4
		c.NLayers = 2
		c.MultipleOf = 32
		c.MaxExpectedSeqLen = 256
		return c
	}(),
	"7b": config.DefaultLLaMA(),
	"13b": func() config.LLaMA {
		c := config.DefaultLLaMA()
		c.EmbDim = 5120
		c.NHeads = 40
		c.NLayers = 40
		return c
	}(),
	"70b": func() config.LLaMA {
		c := config.DefaultLLaMA()
		c.EmbDim = 8192
		c.NHeads = 64
		c.KVHeads = 8
		c.NLayers = 80
		c.HiddenGrowFactor = 1.3 * 8. / 3.
		c.MultipleOf = 4096
		return c
	}(),
}

type Options struct {
	hiddenSize, numHeads, numKVHeads, headDim int
	eps                                       float32
}

type Model struct {
	TokenEmbedding *convert.Tensor
	Layers         []Layer
	OutputNorm     *convert.Tensor
	Output         *convert.Tensor

	*Options

	config  config.LLaMA
	weights *convert.ModelWeights
}

// New builds the native model. w must be in the adjacent-pair rotary layout.
func New(c config.LLaMA, w *convert.ModelWeights) (model.Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if w.Rope != convert.RopeAdjacentPairs {
		return nil, fmt.Errorf("%w: llama expects %s weights, got %s", convert.ErrLayoutMismatch, convert.RopeAdjacentPairs, w.Rope)
	}

	if err := model.ValidateWeights(c, w); err != nil {
		return nil, err
	}

	m := Model{
		TokenEmbedding: w.Embedding,
		Layers:         make([]Layer, len(w.Layers)),
		OutputNorm:     w.OutputNorm,
		Output:         w.Output,
		Options: &Options{
			hiddenSize: c.EmbDim,
			numHeads:   c.NHeads,
			numKVHeads: c.KVHeadCount(),
			headDim:    c.HeadDim(),
			eps:        c.NormEps,
		},
		config:  c,
		weights: w,
	}

	for i, l := range w.Layers {
		m.Layers[i] = Layer{
			AttentionNorm: l.AttentionNorm,
			SelfAttention: &SelfAttention{
				Query:         l.Query,
				Key:           l.Key,
				Value:         l.Value,
				Output:        l.Output,
				RotaryInvFreq: l.RotaryInvFreq,
			},
			MLPNorm: l.FeedForwardNorm,
			MLP: &MLP{
				Gate: l.Gate,
				Up:   l.Up,
				Down: l.Down,
			},
		}
	}

	return &m, nil
}

func (m *Model) Config() config.LLaMA {
	return m.config
}

func (m *Model) Weights() *convert.ModelWeights {
	return m.weights
}

// rope rotates the adjacent pairs (x[2i], x[2i+1]) of every head by
// pos*freqs[i].
func rope(x []float32, pos int, freqs []float32, headDim int) {
	for h := 0; h < len(x); h += headDim {
		for i, freq := range freqs {
			theta := float32(pos) * freq
			sin, cos := math32.Sin(theta), math32.Cos(theta)

			x0, x1 := x[h+2*i], x[h+2*i+1]
			x[h+2*i] = x0*cos - x1*sin
			x[h+2*i+1] = x0*sin + x1*cos
		}
	}
}

type SelfAttention struct {
	Query         *convert.Tensor
	Key           *convert.Tensor
	Value         *convert.Tensor
	Output        *convert.Tensor
	RotaryInvFreq *convert.Tensor
}

func (sa *SelfAttention) Forward(hiddenState []float32, pos, layer int, cache *kvcache.Cache, opts *Options) []float32 {
	kvDim := opts.numKVHeads * opts.headDim

	q := make([]float32, opts.hiddenSize)
	k := make([]float32, kvDim)
	v := make([]float32, kvDim)
	nn.Linear(q, hiddenState, sa.Query.Data)
	nn.Linear(k, hiddenState, sa.Key.Data)
	nn.Linear(v, hiddenState, sa.Value.Data)

	rope(q, pos, sa.RotaryInvFreq.Data, opts.headDim)
	rope(k, pos, sa.RotaryInvFreq.Data, opts.headDim)

	cache.Put(layer, pos, k, v)
	keys, values := cache.Get(layer, pos+1)

	scale := 1 / math32.Sqrt(float32(opts.headDim))
	group := opts.numHeads / opts.numKVHeads

	kqv := make([]float32, opts.hiddenSize)
	kq := make([]float32, len(keys))
	for h := range opts.numHeads {
		qh := q[h*opts.headDim : (h+1)*opts.headDim]
		offset := (h / group) * opts.headDim

		for j, key := range keys {
			kq[j] = nn.Dot(qh, key[offset:offset+opts.headDim]) * scale
		}
		nn.Softmax(kq)

		out := kqv[h*opts.headDim : (h+1)*opts.headDim]
		for j, value := range values {
			for d := range out {
				out[d] += kq[j] * value[offset+d]
			}
		}
	}

	out := make([]float32, opts.hiddenSize)
	nn.Linear(out, kqv, sa.Output.Data)
	return out
}

type MLP struct {
	Gate *convert.Tensor
	Up   *convert.Tensor
	Down *convert.Tensor
}

func (mlp *MLP) Forward(hiddenState []float32, opts *Options) []float32 {
	ffn := mlp.Gate.Rows()
	gate := make([]float32, ffn)
	up := make([]float32, ffn)
	nn.Linear(gate, hiddenState, mlp.Gate.Data)
	nn.Linear(up, hiddenState, mlp.Up.Data)

	for i := range gate {
		gate[i] = nn.SiLU(gate[i]) * up[i]
	}

	out := make([]float32, opts.hiddenSize)
	nn.Linear(out, gate, mlp.Down.Data)
	return out
}

type Layer struct {
	AttentionNorm *convert.Tensor
	SelfAttention *SelfAttention
	MLPNorm       *convert.Tensor
	MLP           *MLP
}

func (l *Layer) Forward(hiddenState []float32, pos, layer int, cache *kvcache.Cache, opts *Options) []float32 {
	normed := make([]float32, len(hiddenState))

	nn.RMSNorm(normed, hiddenState, l.AttentionNorm.Data, opts.eps)
	nn.Add(hiddenState, l.SelfAttention.Forward(normed, pos, layer, cache, opts))

	nn.RMSNorm(normed, hiddenState, l.MLPNorm.Data, opts.eps)
	nn.Add(hiddenState, l.MLP.Forward(normed, opts))
	return hiddenState
}

// Forward processes ids one position at a time through every layer, so each
// position attends to the cached history and itself.
func (m *Model) Forward(ids []int32, cache *kvcache.Cache) ([][]float32, error) {
	if err := model.ValidateInput(m.config, ids); err != nil {
		return nil, err
	}

	if cache == nil {
		cache = kvcache.New(len(m.Layers), len(ids))
	} else if cache.Layers() != len(m.Layers) {
		return nil, fmt.Errorf("cache has %d layers, model has %d", cache.Layers(), len(m.Layers))
	}

	start, err := cache.StartForward(len(ids))
	if err != nil {
		return nil, err
	}

	logits := make([][]float32, len(ids))
	for t, id := range ids {
		hiddenState := append([]float32(nil), m.TokenEmbedding.Row(int(id))...)
		for i := range m.Layers {
			hiddenState = m.Layers[i].Forward(hiddenState, start+t, i, cache, m.Options)
		}

		nn.RMSNorm(hiddenState, hiddenState, m.OutputNorm.Data, m.eps)
		logits[t] = make([]float32, m.Output.Rows())
		nn.Linear(logits[t], hiddenState, m.Output.Data)
	}

	return logits, nil
}

func init() {
	model.Register("llama", model.Architecture{Variants: Variants, New: New})
}
