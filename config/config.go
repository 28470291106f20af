// Package config defines the model configuration schemas and the explicit
// mappings between them.
//
// LLaMA is the native schema, HF is the schema exposed to Hugging Face style
// tooling and Llama is the schema of the reference transformers LlamaConfig.
// Each schema is a closed set of typed fields; keys a config.json carries
// beyond them are preserved in Extra and never become fields.
package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/exp/maps"
)

var ErrInvalidConfig = errors.New("invalid config")

// LLaMA is the native model configuration.
type LLaMA struct {
	SrcVocabSize      int     `json:"src_vocab_size" mapstructure:"src_vocab_size"`
	EmbDim            int     `json:"emb_dim" mapstructure:"emb_dim"`
	NormEps           float32 `json:"norm_eps" mapstructure:"norm_eps"`
	NHeads            int     `json:"nheads" mapstructure:"nheads"`
	KVHeads           int     `json:"kvheads" mapstructure:"kvheads"`
	NLayers           int     `json:"nlayers" mapstructure:"nlayers"`
	PadID             int     `json:"pad_id" mapstructure:"pad_id"`
	HiddenGrowFactor  float32 `json:"hidden_grow_factor" mapstructure:"hidden_grow_factor"`
	MultipleOf        int     `json:"multiple_of" mapstructure:"multiple_of"`
	ActivationFn      string  `json:"activation_fn" mapstructure:"activation_fn"`
	PDropout          float32 `json:"p_dropout" mapstructure:"p_dropout"`
	MaxExpectedSeqLen int     `json:"max_expected_seq_len" mapstructure:"max_expected_seq_len"`
	NTKScaling        bool    `json:"ntk_scaling" mapstructure:"ntk_scaling"`
	RopeTheta         float32 `json:"rope_theta" mapstructure:"rope_theta"`

	Extra map[string]any `json:"-" mapstructure:",remain"`
}

// DefaultLLaMA returns the native defaults, which describe the 7B model.
func DefaultLLaMA() LLaMA {
	return LLaMA{
		SrcVocabSize:      32000,
		EmbDim:            4096,
		NormEps:           1e-6,
		NHeads:            32,
		NLayers:           32,
		PadID:             -1,
		HiddenGrowFactor:  8. / 3.,
		MultipleOf:        256,
		ActivationFn:      "swish",
		MaxExpectedSeqLen: 2048,
		RopeTheta:         10000,
	}
}

func (c LLaMA) HeadDim() int {
	return c.EmbDim / c.NHeads
}

// KVHeadCount is the number of key/value heads; zero kvheads means one per
// attention head.
func (c LLaMA) KVHeadCount() int {
	return cmp.Or(c.KVHeads, c.NHeads)
}

// FeedForwardSize is emb_dim scaled by hidden_grow_factor, rounded up to a
// multiple of multiple_of.
func (c LLaMA) FeedForwardSize() int {
	hidden := int(c.HiddenGrowFactor * float32(c.EmbDim))
	if c.MultipleOf <= 1 {
		return hidden
	}

	return c.MultipleOf * ((hidden + c.MultipleOf - 1) / c.MultipleOf)
}

func (c LLaMA) Validate() error {
	switch {
	case c.SrcVocabSize <= 0:
		return fmt.Errorf("%w: src_vocab_size must be positive", ErrInvalidConfig)
	case c.NLayers <= 0:
		return fmt.Errorf("%w: nlayers must be positive", ErrInvalidConfig)
	case c.NHeads <= 0 || c.EmbDim%c.NHeads != 0:
		return fmt.Errorf("%w: emb_dim %d is not divisible by nheads %d", ErrInvalidConfig, c.EmbDim, c.NHeads)
	case c.HeadDim()%2 != 0:
		return fmt.Errorf("%w: head dimension %d must be even", ErrInvalidConfig, c.HeadDim())
	case c.KVHeadCount() <= 0 || c.NHeads%c.KVHeadCount() != 0:
		return fmt.Errorf("%w: nheads %d is not a multiple of kvheads %d", ErrInvalidConfig, c.NHeads, c.KVHeadCount())
	case c.FeedForwardSize() <= 0:
		return fmt.Errorf("%w: feed forward size must be positive", ErrInvalidConfig)
	case c.MaxExpectedSeqLen <= 0:
		return fmt.Errorf("%w: max_expected_seq_len must be positive", ErrInvalidConfig)
	case c.RopeTheta <= 0:
		return fmt.Errorf("%w: rope_theta must be positive", ErrInvalidConfig)
	}

	return nil
}

// HF is the native configuration as exposed to Hugging Face style tooling.
// It is the native schema with pad_id renamed to pad_token_id plus the
// generation fields Hugging Face configs carry.
type HF struct {
	ModelType         string  `json:"model_type" mapstructure:"model_type"`
	SrcVocabSize      int     `json:"src_vocab_size" mapstructure:"src_vocab_size"`
	EmbDim            int     `json:"emb_dim" mapstructure:"emb_dim"`
	NormEps           float32 `json:"norm_eps" mapstructure:"norm_eps"`
	NHeads            int     `json:"nheads" mapstructure:"nheads"`
	KVHeads           int     `json:"kvheads" mapstructure:"kvheads"`
	NLayers           int     `json:"nlayers" mapstructure:"nlayers"`
	HiddenGrowFactor  float32 `json:"hidden_grow_factor" mapstructure:"hidden_grow_factor"`
	MultipleOf        int     `json:"multiple_of" mapstructure:"multiple_of"`
	ActivationFn      string  `json:"activation_fn" mapstructure:"activation_fn"`
	PDropout          float32 `json:"p_dropout" mapstructure:"p_dropout"`
	MaxExpectedSeqLen int     `json:"max_expected_seq_len" mapstructure:"max_expected_seq_len"`
	NTKScaling        bool    `json:"ntk_scaling" mapstructure:"ntk_scaling"`
	RopeTheta         float32 `json:"rope_theta" mapstructure:"rope_theta"`
	UseCache          bool    `json:"use_cache" mapstructure:"use_cache"`

	PadTokenID        int  `json:"pad_token_id" mapstructure:"pad_token_id"`
	BOSTokenID        int  `json:"bos_token_id" mapstructure:"bos_token_id"`
	EOSTokenID        int  `json:"eos_token_id" mapstructure:"eos_token_id"`
	IsDecoder         bool `json:"is_decoder" mapstructure:"is_decoder"`
	TieWordEmbeddings bool `json:"tie_word_embeddings" mapstructure:"tie_word_embeddings"`

	Extra map[string]any `json:"-" mapstructure:",remain"`
}

const ModelTypeHF = "llama_hf"

type Option func(*HF)

func WithBOSTokenID(id int) Option {
	return func(c *HF) { c.BOSTokenID = id }
}

func WithEOSTokenID(id int) Option {
	return func(c *HF) { c.EOSTokenID = id }
}

func WithUseCache(b bool) Option {
	return func(c *HF) { c.UseCache = b }
}

// FromFMSConfig maps a native config onto the HF schema.
func FromFMSConfig(c LLaMA, opts ...Option) HF {
	hf := HF{
		ModelType:         ModelTypeHF,
		SrcVocabSize:      c.SrcVocabSize,
		EmbDim:            c.EmbDim,
		NormEps:           c.NormEps,
		NHeads:            c.NHeads,
		KVHeads:           c.KVHeads,
		NLayers:           c.NLayers,
		HiddenGrowFactor:  c.HiddenGrowFactor,
		MultipleOf:        c.MultipleOf,
		ActivationFn:      c.ActivationFn,
		PDropout:          c.PDropout,
		MaxExpectedSeqLen: c.MaxExpectedSeqLen,
		NTKScaling:        c.NTKScaling,
		RopeTheta:         c.RopeTheta,
		UseCache:          true,
		PadTokenID:        c.PadID,
		BOSTokenID:        1,
		EOSTokenID:        2,
		IsDecoder:         true,
		// tying is handled by the underlying model
		TieWordEmbeddings: false,
	}

	for _, opt := range opts {
		opt(&hf)
	}

	return hf
}

// FMSConfig maps the HF schema back onto the native config.
func (c HF) FMSConfig() LLaMA {
	return LLaMA{
		SrcVocabSize:      c.SrcVocabSize,
		EmbDim:            c.EmbDim,
		NormEps:           c.NormEps,
		NHeads:            c.NHeads,
		KVHeads:           c.KVHeads,
		NLayers:           c.NLayers,
		PadID:             c.PadTokenID,
		HiddenGrowFactor:  c.HiddenGrowFactor,
		MultipleOf:        c.MultipleOf,
		ActivationFn:      c.ActivationFn,
		PDropout:          c.PDropout,
		MaxExpectedSeqLen: c.MaxExpectedSeqLen,
		NTKScaling:        c.NTKScaling,
		RopeTheta:         c.RopeTheta,
	}
}

// Llama is the reference transformers LlamaConfig schema.
type Llama struct {
	Architectures         []string `json:"architectures" mapstructure:"architectures"`
	ModelType             string   `json:"model_type" mapstructure:"model_type"`
	VocabSize             int      `json:"vocab_size" mapstructure:"vocab_size"`
	HiddenSize            int      `json:"hidden_size" mapstructure:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size" mapstructure:"intermediate_size"`
	NumAttentionHeads     int      `json:"num_attention_heads" mapstructure:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads" mapstructure:"num_key_value_heads"`
	NumHiddenLayers       int      `json:"num_hidden_layers" mapstructure:"num_hidden_layers"`
	RMSNormEps            float32  `json:"rms_norm_eps" mapstructure:"rms_norm_eps"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings" mapstructure:"max_position_embeddings"`
	RopeTheta             float32  `json:"rope_theta" mapstructure:"rope_theta"`
	HiddenAct             string   `json:"hidden_act" mapstructure:"hidden_act"`
	PadTokenID            int      `json:"pad_token_id" mapstructure:"pad_token_id"`
	BOSTokenID            int      `json:"bos_token_id" mapstructure:"bos_token_id"`
	EOSTokenID            int      `json:"eos_token_id" mapstructure:"eos_token_id"`
	TieWordEmbeddings     bool     `json:"tie_word_embeddings" mapstructure:"tie_word_embeddings"`
	UseCache              bool     `json:"use_cache" mapstructure:"use_cache"`

	Extra map[string]any `json:"-" mapstructure:",remain"`
}

func (c Llama) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

func (c Llama) KVHeadCount() int {
	return cmp.Or(c.NumKeyValueHeads, c.NumAttentionHeads)
}

func (c Llama) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive", ErrInvalidConfig)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("%w: num_hidden_layers must be positive", ErrInvalidConfig)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("%w: hidden_size %d is not divisible by num_attention_heads %d", ErrInvalidConfig, c.HiddenSize, c.NumAttentionHeads)
	case c.HeadDim()%2 != 0:
		return fmt.Errorf("%w: head dimension %d must be even", ErrInvalidConfig, c.HeadDim())
	case c.NumAttentionHeads%c.KVHeadCount() != 0:
		return fmt.Errorf("%w: num_attention_heads %d is not a multiple of num_key_value_heads %d", ErrInvalidConfig, c.NumAttentionHeads, c.KVHeadCount())
	case c.IntermediateSize <= 0:
		return fmt.Errorf("%w: intermediate_size must be positive", ErrInvalidConfig)
	}

	return nil
}

// Reference maps the HF schema onto the reference model's configuration.
func (c HF) Reference() Llama {
	native := c.FMSConfig()
	return Llama{
		Architectures:         []string{"LlamaForCausalLM"},
		ModelType:             "llama",
		VocabSize:             c.SrcVocabSize,
		HiddenSize:            c.EmbDim,
		IntermediateSize:      native.FeedForwardSize(),
		NumAttentionHeads:     c.NHeads,
		NumKeyValueHeads:      native.KVHeadCount(),
		NumHiddenLayers:       c.NLayers,
		RMSNormEps:            c.NormEps,
		MaxPositionEmbeddings: c.MaxExpectedSeqLen,
		RopeTheta:             c.RopeTheta,
		HiddenAct:             "silu",
		PadTokenID:            c.PadTokenID,
		BOSTokenID:            c.BOSTokenID,
		EOSTokenID:            c.EOSTokenID,
		TieWordEmbeddings:     c.TieWordEmbeddings,
		UseCache:              c.UseCache,
	}
}

// FMSConfig maps the reference schema onto the native config. The grow
// factor and multiple_of are chosen so FeedForwardSize reproduces
// intermediate_size exactly.
func (c Llama) FMSConfig() LLaMA {
	kvHeads := c.NumKeyValueHeads
	if kvHeads == c.NumAttentionHeads {
		kvHeads = 0
	}

	return LLaMA{
		SrcVocabSize:      c.VocabSize,
		EmbDim:            c.HiddenSize,
		NormEps:           c.RMSNormEps,
		NHeads:            c.NumAttentionHeads,
		KVHeads:           kvHeads,
		NLayers:           c.NumHiddenLayers,
		PadID:             c.PadTokenID,
		HiddenGrowFactor:  float32(c.IntermediateSize) / float32(c.HiddenSize),
		MultipleOf:        c.IntermediateSize,
		ActivationFn:      "swish",
		MaxExpectedSeqLen: cmp.Or(c.MaxPositionEmbeddings, 2048),
		RopeTheta:         cmp.Or(c.RopeTheta, 10000),
	}
}

// Load decodes a JSON config file into v, which must be a pointer to one of
// the schemas in this package. Fields missing from the file keep the values
// v already holds.
func Load(path string, v any) error {
	bts, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m map[string]any
	if err := json.Unmarshal(bts, &m); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return Decode(m, v)
}

// Decode maps loosely typed values, such as a parsed config.json, onto v.
func Decode(m map[string]any, v any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var extra map[string]any
	switch c := v.(type) {
	case *LLaMA:
		extra = c.Extra
	case *HF:
		extra = c.Extra
	case *Llama:
		extra = c.Extra
	}

	if len(extra) > 0 {
		keys := maps.Keys(extra)
		slices.Sort(keys)
		slog.Debug("config has unrecognized keys", "keys", keys)
	}

	return nil
}

// Save writes v as indented JSON.
func Save(path string, v any) error {
	bts, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(bts, '\n'), 0o644)
}
