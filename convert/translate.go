package convert

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fmsgo/fms/metrics"
)

var (
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrLayerCountMismatch = errors.New("layer count mismatch")
	ErrMissingTensor      = errors.New("missing tensor")
	ErrLayoutMismatch     = errors.New("rope layout mismatch")
)

// Translator converts ModelWeights between rotary layouts. Only the Q and K
// projections are permuted; every other tensor is copied unchanged.
type Translator struct {
	// Heads is the number of attention heads in the Q projection.
	Heads int
	// KVHeads is the number of heads in the K projection. Zero means Heads.
	KVHeads int
	// Layers is the number of layers the target expects. Zero accepts any.
	Layers int
	// TieWordEmbeddings makes the target's output head share the embedding.
	TieWordEmbeddings bool
	// Progress, if set, is called after each layer is translated.
	Progress func(layer, total int)
}

// Translate converts native adjacent-pair weights into the Hugging Face
// interleaved-half layout.
func Translate(src *ModelWeights, nheads int) (*ModelWeights, error) {
	if src == nil {
		return nil, ErrMissingTensor
	}

	return Translator{Heads: nheads, TieWordEmbeddings: src.TieWordEmbeddings}.ToInterleaved(src)
}

// TranslateBack is the inverse of Translate.
func TranslateBack(src *ModelWeights, nheads int) (*ModelWeights, error) {
	if src == nil {
		return nil, ErrMissingTensor
	}

	return Translator{Heads: nheads, TieWordEmbeddings: src.TieWordEmbeddings}.ToAdjacent(src)
}

func (tr Translator) ToInterleaved(src *ModelWeights) (*ModelWeights, error) {
	return tr.translate(src, RopeAdjacentPairs, RopeInterleavedHalves)
}

func (tr Translator) ToAdjacent(src *ModelWeights) (*ModelWeights, error) {
	return tr.translate(src, RopeInterleavedHalves, RopeAdjacentPairs)
}

func (tr Translator) translate(src *ModelWeights, from, to RopeLayout) (*ModelWeights, error) {
	if src == nil {
		return nil, ErrMissingTensor
	}

	if src.Rope != from {
		return nil, fmt.Errorf("%w: weights are %s, expected %s", ErrLayoutMismatch, src.Rope, from)
	}

	if len(src.Layers) == 0 {
		return nil, fmt.Errorf("%w: source has no layers", ErrLayerCountMismatch)
	}

	if tr.Layers > 0 && tr.Layers != len(src.Layers) {
		return nil, fmt.Errorf("%w: source has %d layers, target expects %d", ErrLayerCountMismatch, len(src.Layers), tr.Layers)
	}

	if tr.Heads <= 0 {
		return nil, fmt.Errorf("%w: invalid head count %d", ErrShapeMismatch, tr.Heads)
	}

	if src.Embedding == nil {
		return nil, fmt.Errorf("%w: embedding", ErrMissingTensor)
	}

	if src.OutputNorm == nil {
		return nil, fmt.Errorf("%w: output norm", ErrMissingTensor)
	}

	kvHeads := cmp.Or(tr.KVHeads, tr.Heads)

	dst := ModelWeights{
		Layers:            make([]LayerWeights, len(src.Layers)),
		Embedding:         src.Embedding.Clone(),
		OutputNorm:        src.OutputNorm.Clone(),
		TieWordEmbeddings: tr.TieWordEmbeddings,
		Rope:              to,
	}

	for i := range src.Layers {
		layer := &src.Layers[i]
		if err := layer.validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}

		q, err := PermuteRows(layer.Query, tr.Heads, to)
		if err != nil {
			return nil, fmt.Errorf("layer %d query: %w", i, err)
		}

		k, err := PermuteRows(layer.Key, kvHeads, to)
		if err != nil {
			return nil, fmt.Errorf("layer %d key: %w", i, err)
		}

		if headDim := layer.Query.Rows() / tr.Heads; layer.RotaryInvFreq.Len()*2 != headDim {
			return nil, fmt.Errorf("layer %d: %w: rotary frequencies have %d entries for head dimension %d", i, ErrShapeMismatch, layer.RotaryInvFreq.Len(), headDim)
		}

		dst.Layers[i] = LayerWeights{
			Query:           q,
			Key:             k,
			Value:           layer.Value.Clone(),
			Output:          layer.Output.Clone(),
			Gate:            layer.Gate.Clone(),
			Up:              layer.Up.Clone(),
			Down:            layer.Down.Clone(),
			AttentionNorm:   layer.AttentionNorm.Clone(),
			FeedForwardNorm: layer.FeedForwardNorm.Clone(),
			RotaryInvFreq:   layer.RotaryInvFreq.Clone(),
		}

		if tr.Progress != nil {
			tr.Progress(i+1, len(src.Layers))
		}
	}

	switch {
	case tr.TieWordEmbeddings:
		dst.Output = dst.Embedding
	case src.Output != nil && !src.TieWordEmbeddings:
		dst.Output = src.Output.Clone()
	case src.Output != nil:
		slog.Debug("untying output head from embedding")
		dst.Output = src.Output.Clone()
	default:
		return nil, fmt.Errorf("%w: output head", ErrMissingTensor)
	}

	metrics.RecordTranslation(to.String(), 2*len(src.Layers))
	return &dst, nil
}
