// Package hfllama is the reference LLaMA implementation in the Hugging Face
// conventions: reference config schema, Hugging Face tensor names and
// rotate-half rotary embeddings over interleaved-half Q and K projections.
package hfllama

import (
	"fmt"
	"io/fs"

	"github.com/chewxy/math32"

	"github.com/fmsgo/fms/config"
	"github.com/fmsgo/fms/convert"
	"github.com/fmsgo/fms/kvcache"
	"github.com/fmsgo/fms/model"
	"github.com/fmsgo/fms/model/models/llama"
	"github.com/fmsgo/fms/nn"
)

type Model struct {
	config.Llama

	native  config.LLaMA
	weights *convert.ModelWeights
}

// New builds the reference model from weights in the interleaved-half
// layout.
func New(c config.Llama, w *convert.ModelWeights) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if w.Rope != convert.RopeInterleavedHalves {
		return nil, fmt.Errorf("%w: reference model expects %s weights, got %s", convert.ErrLayoutMismatch, convert.RopeInterleavedHalves, w.Rope)
	}

	native := c.FMSConfig()
	if err := model.ValidateWeights(native, w); err != nil {
		return nil, err
	}

	return &Model{Llama: c, native: native, weights: w}, nil
}

// Load reads a checkpoint written with Hugging Face names and a reference
// config.json.
func Load(fsys fs.FS) (*Model, error) {
	m, err := convert.ReadJSON(fsys, "config.json")
	if err != nil {
		return nil, err
	}

	var ref config.Llama
	if err := config.Decode(m, &ref); err != nil {
		return nil, err
	}

	c, w, err := convert.LoadWeights(fsys, "hf", config.DefaultLLaMA())
	if err != nil {
		return nil, err
	}

	ref.VocabSize = c.SrcVocabSize
	return New(ref, w)
}

// FromNative translates native weights and maps their config onto the
// reference schema.
func FromNative(c config.LLaMA, w *convert.ModelWeights) (*Model, error) {
	ref := config.FromFMSConfig(c, config.WithUseCache(true)).Reference()
	hf, err := convert.Translator{
		Heads:             c.NHeads,
		KVHeads:           c.KVHeadCount(),
		Layers:            c.NLayers,
		TieWordEmbeddings: ref.TieWordEmbeddings,
	}.ToInterleaved(w)
	if err != nil {
		return nil, err
	}

	return New(ref, hf)
}

func (m *Model) Config() config.LLaMA {
	return m.native
}

func (m *Model) Weights() *convert.ModelWeights {
	return m.weights
}

// rotateHalf returns (-x2, x1) for each head, where x1 and x2 are the halves
// of the head.
func rotateHalf(x []float32, headDim int) []float32 {
	out := make([]float32, len(x))
	half := headDim / 2
	for h := 0; h < len(x); h += headDim {
		for i := range half {
			out[h+i] = -x[h+half+i]
			out[h+half+i] = x[h+i]
		}
	}

	return out
}

// rotaryEmbedding returns the cos and sin tables for one position. Each
// table has headDim entries: the frequencies repeated twice.
func rotaryEmbedding(invFreq []float32, pos int) (cos, sin []float32) {
	half := len(invFreq)
	cos = make([]float32, 2*half)
	sin = make([]float32, 2*half)
	for i, freq := range invFreq {
		theta := float32(pos) * freq
		cos[i], cos[i+half] = math32.Cos(theta), math32.Cos(theta)
		sin[i], sin[i+half] = math32.Sin(theta), math32.Sin(theta)
	}

	return cos, sin
}

// applyRotaryPosEmb computes x*cos + rotate_half(x)*sin.
func applyRotaryPosEmb(x, cos, sin []float32) {
	headDim := len(cos)
	rotated := rotateHalf(x, headDim)
	for i := range x {
		x[i] = x[i]*cos[i%headDim] + rotated[i]*sin[i%headDim]
	}
}

// repeatKV expands the key/value heads of x so each attention head has its
// own copy.
func repeatKV(x []float32, numKVHeads, nRep, headDim int) []float32 {
	if nRep == 1 {
		return x
	}

	out := make([]float32, 0, len(x)*nRep)
	for h := range numKVHeads {
		for range nRep {
			out = append(out, x[h*headDim:(h+1)*headDim]...)
		}
	}

	return out
}

func linear(x [][]float32, w *convert.Tensor) [][]float32 {
	out := make([][]float32, len(x))
	for i := range x {
		out[i] = make([]float32, w.Rows())
		nn.Linear(out[i], x[i], w.Data)
	}

	return out
}

func rmsNorm(x [][]float32, w *convert.Tensor, eps float32) [][]float32 {
	out := make([][]float32, len(x))
	for i := range x {
		out[i] = make([]float32, len(x[i]))
		nn.RMSNorm(out[i], x[i], w.Data, eps)
	}

	return out
}

// attention runs causal self attention for a block of positions starting at
// start.
func (m *Model) attention(layer int, l *convert.LayerWeights, hiddenStates [][]float32, start int, cache *kvcache.Cache) [][]float32 {
	headDim := m.HeadDim()
	numHeads := m.NumAttentionHeads
	numKVHeads := m.KVHeadCount()

	queries := linear(hiddenStates, l.Query)
	keys := linear(hiddenStates, l.Key)
	values := linear(hiddenStates, l.Value)

	for i := range hiddenStates {
		cos, sin := rotaryEmbedding(l.RotaryInvFreq.Data, start+i)
		applyRotaryPosEmb(queries[i], cos, sin)
		applyRotaryPosEmb(keys[i], cos, sin)
		cache.Put(layer, start+i, keys[i], values[i])
	}

	total := start + len(hiddenStates)
	pastKeys, pastValues := cache.Get(layer, total)

	expandedKeys := make([][]float32, total)
	expandedValues := make([][]float32, total)
	for j := range total {
		expandedKeys[j] = repeatKV(pastKeys[j], numKVHeads, numHeads/numKVHeads, headDim)
		expandedValues[j] = repeatKV(pastValues[j], numKVHeads, numHeads/numKVHeads, headDim)
	}

	scale := 1 / math32.Sqrt(float32(headDim))
	mask := math32.Inf(-1)

	attnOutput := make([][]float32, len(hiddenStates))
	for i, q := range queries {
		attnOutput[i] = make([]float32, numHeads*headDim)
		for h := range numHeads {
			lo, hi := h*headDim, (h+1)*headDim

			weights := make([]float32, total)
			for j := range total {
				if j > start+i {
					weights[j] = mask
					continue
				}

				weights[j] = nn.Dot(q[lo:hi], expandedKeys[j][lo:hi]) * scale
			}
			nn.Softmax(weights)

			for j := range total {
				for d := lo; d < hi; d++ {
					attnOutput[i][d] += weights[j] * expandedValues[j][d]
				}
			}
		}
	}

	return linear(attnOutput, l.Output)
}

func (m *Model) mlp(l *convert.LayerWeights, hiddenStates [][]float32) [][]float32 {
	gate := linear(hiddenStates, l.Gate)
	up := linear(hiddenStates, l.Up)
	for i := range gate {
		for j := range gate[i] {
			gate[i][j] = nn.SiLU(gate[i][j]) * up[i][j]
		}
	}

	return linear(gate, l.Down)
}

// Forward processes ids as one block through each layer in turn.
func (m *Model) Forward(ids []int32, cache *kvcache.Cache) ([][]float32, error) {
	if err := model.ValidateInput(m.native, ids); err != nil {
		return nil, err
	}

	if cache == nil {
		cache = kvcache.New(m.NumHiddenLayers, len(ids))
	} else if cache.Layers() != m.NumHiddenLayers {
		return nil, fmt.Errorf("cache has %d layers, model has %d", cache.Layers(), m.NumHiddenLayers)
	}

	start, err := cache.StartForward(len(ids))
	if err != nil {
		return nil, err
	}

	hiddenStates := make([][]float32, len(ids))
	for i, id := range ids {
		hiddenStates[i] = append([]float32(nil), m.weights.Embedding.Row(int(id))...)
	}

	for i := range m.weights.Layers {
		l := &m.weights.Layers[i]

		residual := hiddenStates
		hiddenStates = m.attention(i, l, rmsNorm(hiddenStates, l.AttentionNorm, m.RMSNormEps), start, cache)
		for j := range hiddenStates {
			nn.Add(hiddenStates[j], residual[j])
		}

		residual = hiddenStates
		hiddenStates = m.mlp(l, rmsNorm(hiddenStates, l.FeedForwardNorm, m.RMSNormEps))
		for j := range hiddenStates {
			nn.Add(hiddenStates[j], residual[j])
		}
	}

	return linear(rmsNorm(hiddenStates, m.weights.OutputNorm, m.RMSNormEps), m.weights.Output), nil
}

func init() {
	model.Register(config.ModelTypeHF, model.Architecture{
		Variants: llama.Variants,
		New: func(c config.LLaMA, w *convert.ModelWeights) (model.Model, error) {
			return FromNative(c, w)
		},
	})
}
