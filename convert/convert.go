package convert

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fmsgo/fms/config"
)

// Options controls ConvertModel.
type Options struct {
	// Source is the naming convention of the input checkpoint: fms, meta or hf.
	// fms and meta checkpoints are written in the Hugging Face layout; hf
	// checkpoints are written back in the native layout.
	Source string
	// DType is the element type used for matrices in the output.
	DType DType
	// Progress, if set, is called after each layer is translated.
	Progress func(layer, total int)
}

// metaParams is the params.json shipped with Meta checkpoints.
type metaParams struct {
	Dim              int     `json:"dim"`
	NHeads           int     `json:"n_heads"`
	NKVHeads         int     `json:"n_kv_heads"`
	NLayers          int     `json:"n_layers"`
	NormEps          float32 `json:"norm_eps"`
	MultipleOf       int     `json:"multiple_of"`
	FFNDimMultiplier float32 `json:"ffn_dim_multiplier"`
	VocabSize        int     `json:"vocab_size"`
	RopeTheta        float32 `json:"rope_theta"`
}

func (p metaParams) config() config.LLaMA {
	c := config.DefaultLLaMA()
	c.EmbDim = p.Dim
	c.NHeads = p.NHeads
	c.KVHeads = p.NKVHeads
	c.NLayers = p.NLayers
	c.NormEps = cmp.Or(p.NormEps, c.NormEps)
	c.MultipleOf = cmp.Or(p.MultipleOf, c.MultipleOf)
	c.HiddenGrowFactor = 8. / 3. * cmp.Or(p.FFNDimMultiplier, 1)
	c.SrcVocabSize = p.VocabSize
	c.RopeTheta = cmp.Or(p.RopeTheta, c.RopeTheta)
	return c
}

// ReadConfig reads the native configuration of a checkpoint. fms checkpoints
// carry a native config.json, meta checkpoints a params.json and hf
// checkpoints a reference config.json. Fields an fms config.json omits keep
// their value in base, and base is used as is when there is no config.json.
func ReadConfig(fsys fs.FS, source string, base config.LLaMA) (config.LLaMA, error) {
	switch source {
	case "", "fms":
		c := base
		m, err := ReadJSON(fsys, "config.json")
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("checkpoint has no config.json, using defaults")
			return c, nil
		} else if err != nil {
			return c, err
		}

		if err := config.Decode(m, &c); err != nil {
			return c, err
		}

		return c, nil
	case "meta":
		bts, err := fs.ReadFile(fsys, "params.json")
		if err != nil {
			return config.LLaMA{}, err
		}

		var p metaParams
		if err := json.Unmarshal(bts, &p); err != nil {
			return config.LLaMA{}, fmt.Errorf("params.json: %w", err)
		}

		return p.config(), nil
	case "hf":
		var c config.Llama
		m, err := ReadJSON(fsys, "config.json")
		if err != nil {
			return config.LLaMA{}, err
		}

		if err := config.Decode(m, &c); err != nil {
			return config.LLaMA{}, err
		}

		return c.FMSConfig(), nil
	default:
		return config.LLaMA{}, fmt.Errorf("unknown checkpoint source %q", source)
	}
}

// ReadJSON reads a JSON object from fsys.
func ReadJSON(fsys fs.FS, name string) (map[string]any, error) {
	bts, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(bts, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return m, nil
}

// LoadWeights reads the config and weights of a checkpoint. The weights are
// returned in the layout of the source's naming convention. base is passed
// to ReadConfig.
func LoadWeights(fsys fs.FS, source string, base config.LLaMA) (config.LLaMA, *ModelWeights, error) {
	names, err := NamesFor(source)
	if err != nil {
		return config.LLaMA{}, nil, err
	}

	c, err := ReadConfig(fsys, source, base)
	if err != nil {
		return c, nil, err
	}

	ts, err := ReadTensors(fsys)
	if err != nil {
		return c, nil, err
	}

	if c.SrcVocabSize <= 0 {
		if t, ok := ts[names.Embedding]; ok {
			slog.Debug("vocabulary size not set, using embedding rows", "size", t.Rows())
			c.SrcVocabSize = t.Rows()
		}
	}

	if err := c.Validate(); err != nil {
		return c, nil, err
	}

	w, err := names.Collect(ts, c)
	if err != nil {
		return c, nil, err
	}

	if rows := w.Embedding.Rows(); rows != c.SrcVocabSize {
		return c, nil, fmt.Errorf("%w: embedding has %d rows, vocabulary size is %d", ErrShapeMismatch, rows, c.SrcVocabSize)
	}

	return c, w, nil
}

// ConvertModel reads the checkpoint in fsys and writes the converted
// checkpoint, config.json and model.safetensors, into dir.
func ConvertModel(fsys fs.FS, dir string, opts Options) error {
	c, w, err := LoadWeights(fsys, opts.Source, config.DefaultLLaMA())
	if err != nil {
		return err
	}

	slog.Info("loaded checkpoint", "source", cmp.Or(opts.Source, "fms"), "layers", len(w.Layers), "params", w.NumParams())

	tr := Translator{
		Heads:    c.NHeads,
		KVHeads:  c.KVHeadCount(),
		Layers:   c.NLayers,
		Progress: opts.Progress,
	}

	var (
		out   *ModelWeights
		names Names
		cfg   any
	)

	if w.Rope == RopeAdjacentPairs {
		ref := config.FromFMSConfig(c).Reference()
		tr.TieWordEmbeddings = ref.TieWordEmbeddings
		out, err = tr.ToInterleaved(w)
		names, cfg = NamesHF, ref
	} else {
		tr.TieWordEmbeddings = w.TieWordEmbeddings
		out, err = tr.ToAdjacent(w)
		names, cfg = NamesFMS, c
	}
	if err != nil {
		return err
	}

	_, err = os.Stat(dir)
	created := errors.Is(err, fs.ErrNotExist)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := saveCheckpoint(dir, cfg, names.Flatten(out), cmp.Or(opts.DType, DTypeF32)); err != nil {
		if created {
			return errors.Join(err, os.RemoveAll(dir))
		}

		// leave an existing directory as it was found
		for _, name := range []string{"config.json", "model.safetensors"} {
			if rerr := os.Remove(filepath.Join(dir, name)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				err = errors.Join(err, rerr)
			}
		}
		return err
	}

	slog.Info("wrote checkpoint", "dir", dir, "rope", out.Rope)
	return nil
}

func saveCheckpoint(dir string, cfg any, ts map[string]*Tensor, dtype DType) error {
	if err := config.Save(filepath.Join(dir, "config.json"), cfg); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteSafetensors(f, ts, dtype, map[string]string{"format": "pt"}); err != nil {
		return err
	}

	return f.Close()
}
