// Package model is the registry of model architectures. Architectures
// register themselves from an init function; import model/models to load
// them all.
package model

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/fmsgo/fms/config"
	"github.com/fmsgo/fms/convert"
	"github.com/fmsgo/fms/kvcache"
	"github.com/fmsgo/fms/logutil"
	"golang.org/x/exp/maps"
)

var (
	ErrUnknownArchitecture = errors.New("unknown architecture")
	ErrUnknownVariant      = errors.New("unknown variant")
	ErrEmptyInput          = errors.New("empty input")
	ErrInvalidToken        = errors.New("token id out of range")
)

// Model is a causal language model.
type Model interface {
	// Forward runs ids through the model and returns one row of logits per
	// id. With a cache, ids continue the sequence the cache holds; without
	// one they are the whole sequence.
	Forward(ids []int32, cache *kvcache.Cache) ([][]float32, error)

	Config() config.LLaMA
	Weights() *convert.ModelWeights
}

// Architecture describes a registered model architecture.
type Architecture struct {
	Variants map[string]config.LLaMA
	// New builds a model from weights in the native adjacent-pair layout.
	New func(config.LLaMA, *convert.ModelWeights) (Model, error)
}

var architectures = make(map[string]Architecture)

// Register registers an architecture under name.
func Register(name string, a Architecture) {
	if _, ok := architectures[name]; ok {
		panic("model: architecture already registered")
	}

	architectures[name] = a
}

// Architectures returns the registered architecture names in sorted order.
func Architectures() []string {
	names := maps.Keys(architectures)
	slices.Sort(names)
	return names
}

// Variants returns the variant names of arch in sorted order.
func Variants(arch string) ([]string, error) {
	a, ok := architectures[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownArchitecture, arch)
	}

	names := maps.Keys(a.Variants)
	slices.Sort(names)
	return names, nil
}

// Variant returns the config of a registered variant.
func Variant(arch, variant string) (config.LLaMA, error) {
	a, ok := architectures[arch]
	if !ok {
		return config.LLaMA{}, fmt.Errorf("%w %q", ErrUnknownArchitecture, arch)
	}

	c, ok := a.Variants[variant]
	if !ok {
		return config.LLaMA{}, fmt.Errorf("%w %q for %s", ErrUnknownVariant, variant, arch)
	}

	return c, nil
}

type Options struct {
	// Path is a checkpoint directory or zip archive. Without one the model
	// is randomly initialised from Seed.
	Path string
	// Source is the naming convention of the checkpoint at Path.
	Source string
	Seed   uint64
	// Progress, if set, is called after each layer of a Hugging Face
	// layout checkpoint is translated.
	Progress func(layer, total int)
}

// GetModel builds a variant of a registered architecture.
func GetModel(ctx context.Context, arch, variant string, opts Options) (Model, error) {
	a, ok := architectures[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownArchitecture, arch)
	}

	c, ok := a.Variants[variant]
	if !ok {
		return nil, fmt.Errorf("%w %q for %s", ErrUnknownVariant, variant, arch)
	}

	if opts.Path == "" {
		slog.Info("initialising random weights", "architecture", arch, "variant", variant, "seed", opts.Seed)
		return a.New(c, RandomWeights(c, opts.Seed))
	}

	fsys, closer, err := openCheckpoint(opts.Path)
	if err != nil {
		return nil, err
	}
	defer closer()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loaded, w, err := convert.LoadWeights(fsys, opts.Source, c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Path, err)
	}

	if loaded.EmbDim != c.EmbDim || loaded.NLayers != c.NLayers || loaded.NHeads != c.NHeads {
		slog.Warn("checkpoint config differs from variant, using checkpoint", "variant", variant, "emb_dim", loaded.EmbDim, "nlayers", loaded.NLayers, "nheads", loaded.NHeads)
	}

	if w.Rope != convert.RopeAdjacentPairs {
		logutil.Trace("translating checkpoint to native layout", "rope", w.Rope)
		w, err = convert.Translator{
			Heads:             loaded.NHeads,
			KVHeads:           loaded.KVHeadCount(),
			Layers:            loaded.NLayers,
			TieWordEmbeddings: w.TieWordEmbeddings,
			Progress:          opts.Progress,
		}.ToAdjacent(w)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("loaded model", "architecture", arch, "variant", variant, "source", cmp.Or(opts.Source, "fms"), "params", w.NumParams())
	return a.New(loaded, w)
}

// NewCache returns a cache sized for m holding up to capacity positions.
func NewCache(m Model, capacity int) *kvcache.Cache {
	return kvcache.New(m.Config().NLayers, capacity)
}

// RandomWeights initialises native layout weights for c. Matrices are drawn
// from N(0, 0.02²) and norms start at one. The same seed always produces
// the same weights.
func RandomWeights(c config.LLaMA, seed uint64) *convert.ModelWeights {
	r := rand.New(rand.NewPCG(seed, seed))

	matrix := func(rows, cols int) *convert.Tensor {
		t := convert.Zeros(rows, cols)
		for i := range t.Data {
			t.Data[i] = float32(r.NormFloat64() * 0.02)
		}
		return t
	}

	ones := func(n int) *convert.Tensor {
		t := convert.Zeros(n)
		for i := range t.Data {
			t.Data[i] = 1
		}
		return t
	}

	headDim := c.HeadDim()
	kvDim := c.KVHeadCount() * headDim
	ffn := c.FeedForwardSize()

	w := convert.ModelWeights{
		Layers:    make([]convert.LayerWeights, c.NLayers),
		Embedding: matrix(c.SrcVocabSize, c.EmbDim),
		Rope:      convert.RopeAdjacentPairs,
	}

	freqs := convert.RotaryInvFreq(headDim, c.RopeTheta)
	for i := range w.Layers {
		w.Layers[i] = convert.LayerWeights{
			Query:           matrix(c.EmbDim, c.EmbDim),
			Key:             matrix(kvDim, c.EmbDim),
			Value:           matrix(kvDim, c.EmbDim),
			Output:          matrix(c.EmbDim, c.EmbDim),
			Gate:            matrix(ffn, c.EmbDim),
			Up:              matrix(ffn, c.EmbDim),
			Down:            matrix(c.EmbDim, ffn),
			AttentionNorm:   ones(c.EmbDim),
			FeedForwardNorm: ones(c.EmbDim),
			RotaryInvFreq:   freqs.Clone(),
		}
	}

	w.OutputNorm = ones(c.EmbDim)
	w.Output = matrix(c.SrcVocabSize, c.EmbDim)
	return &w
}

func openCheckpoint(path string) (fsys fs.FS, closer func(), err error) {
	if !strings.HasSuffix(path, ".zip") {
		return convert.DirFS(path), func() {}, nil
	}

	return convert.OpenZip(path)
}

// ValidateWeights checks that every tensor in w has the shape c requires.
func ValidateWeights(c config.LLaMA, w *convert.ModelWeights) error {
	if len(w.Layers) != c.NLayers {
		return fmt.Errorf("%w: weights have %d layers, config has %d", convert.ErrLayerCountMismatch, len(w.Layers), c.NLayers)
	}

	kvDim := c.KVHeadCount() * c.HeadDim()
	ffn := c.FeedForwardSize()

	checks := []struct {
		name  string
		t     *convert.Tensor
		shape []int
	}{
		{"embedding", w.Embedding, []int{c.SrcVocabSize, c.EmbDim}},
		{"output_norm", w.OutputNorm, []int{c.EmbDim}},
		{"output", w.Output, []int{c.SrcVocabSize, c.EmbDim}},
	}

	for i, l := range w.Layers {
		prefix := fmt.Sprintf("layers.%d.", i)
		checks = append(checks, []struct {
			name  string
			t     *convert.Tensor
			shape []int
		}{
			{prefix + "query", l.Query, []int{c.EmbDim, c.EmbDim}},
			{prefix + "key", l.Key, []int{kvDim, c.EmbDim}},
			{prefix + "value", l.Value, []int{kvDim, c.EmbDim}},
			{prefix + "output", l.Output, []int{c.EmbDim, c.EmbDim}},
			{prefix + "gate", l.Gate, []int{ffn, c.EmbDim}},
			{prefix + "up", l.Up, []int{ffn, c.EmbDim}},
			{prefix + "down", l.Down, []int{c.EmbDim, ffn}},
			{prefix + "attention_norm", l.AttentionNorm, []int{c.EmbDim}},
			{prefix + "ffn_norm", l.FeedForwardNorm, []int{c.EmbDim}},
			{prefix + "rotary_inv_freq", l.RotaryInvFreq, []int{c.HeadDim() / 2}},
		}...)
	}

	for _, check := range checks {
		if check.t == nil {
			return fmt.Errorf("%w: %s", convert.ErrMissingTensor, check.name)
		}

		if !slices.Equal(check.t.Shape, check.shape) {
			return fmt.Errorf("%w: %s has shape %v, want %v", convert.ErrShapeMismatch, check.name, check.t.Shape, check.shape)
		}
	}

	return nil
}

// ValidateInput checks that ids is non-empty and every id is in the
// vocabulary of c.
func ValidateInput(c config.LLaMA, ids []int32) error {
	if len(ids) == 0 {
		return ErrEmptyInput
	}

	for _, id := range ids {
		if id < 0 || int(id) >= c.SrcVocabSize {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidToken, id, c.SrcVocabSize)
		}
	}

	return nil
}
