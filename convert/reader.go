package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"

	"golang.org/x/exp/maps"
)

var ErrUnknownFormat = errors.New("unknown tensor format")

// ReadTensors reads every tensor of a checkpoint directory. Sharded
// safetensors with an index, single safetensors files and Meta style
// consolidated PyTorch files are recognised, in that order.
func ReadTensors(fsys fs.FS) (map[string]*Tensor, error) {
	if bts, err := fs.ReadFile(fsys, "model.safetensors.index.json"); err == nil {
		var index struct {
			WeightMap map[string]string `json:"weight_map"`
		}

		if err := json.Unmarshal(bts, &index); err != nil {
			return nil, fmt.Errorf("model.safetensors.index.json: %w", err)
		}

		files := maps.Values(index.WeightMap)
		slices.Sort(files)
		files = slices.Compact(files)
		slog.Debug("reading sharded safetensors", "shards", len(files))
		return parseSafetensors(fsys, files...)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	patterns := []struct {
		pattern string
		parseFn func(fs.FS, ...string) (map[string]*Tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"consolidated.*.pth", parseTorch},
	}

	for _, p := range patterns {
		matches, err := fs.Glob(fsys, p.pattern)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			slog.Debug("reading tensors", "pattern", p.pattern, "files", len(matches))
			return p.parseFn(fsys, matches...)
		}
	}

	return nil, ErrUnknownFormat
}
