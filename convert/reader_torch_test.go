package convert

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/fmsgo/fms/config"
)

// testdata/meta/consolidated.00.pth holds a single layer model with dim 8,
// two heads and a vocabulary of four. Every weight except rope.freqs is a
// view into one float storage holding 0, 1, 2, ... in the order below, so a
// tensor's first element is its storage offset.
var metaOffsets = []struct {
	name   string
	offset int
	shape  []int
}{
	{"tok_embeddings.weight", 0, []int{4, 8}},
	{"norm.weight", 32, []int{8}},
	{"output.weight", 40, []int{4, 8}},
	{"layers.0.attention.wq.weight", 72, []int{8, 8}},
	{"layers.0.attention.wk.weight", 136, []int{8, 8}},
	{"layers.0.attention.wv.weight", 200, []int{8, 8}},
	{"layers.0.attention.wo.weight", 264, []int{8, 8}},
	{"layers.0.feed_forward.w1.weight", 328, []int{24, 8}},
	{"layers.0.feed_forward.w2.weight", 520, []int{8, 24}},
	{"layers.0.feed_forward.w3.weight", 712, []int{24, 8}},
	{"layers.0.attention_norm.weight", 904, []int{8}},
	{"layers.0.ffn_norm.weight", 912, []int{8}},
}

func arange(start float32, shape ...int) []float32 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}

	s := make([]float32, size)
	for i := range s {
		s[i] = start + float32(i)
	}

	return s
}

func TestReadTensorsTorch(t *testing.T) {
	ts := mustReadTensors(t, DirFS(filepath.Join("testdata", "meta")))

	if len(ts) != len(metaOffsets)+1 {
		t.Errorf("expected %d tensors, got %d", len(metaOffsets)+1, len(ts))
	}

	for _, tt := range metaOffsets {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ts[tt.name]
			if !ok {
				t.Fatalf("missing %s", tt.name)
			}

			if diff := cmp.Diff(tt.shape, got.Shape); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(arange(float32(tt.offset), tt.shape...), got.Data); diff != "" {
				t.Errorf("data mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if diff := cmp.Diff([]float32{1, 0.01}, ts["rope.freqs"].Data); diff != "" {
		t.Errorf("rope.freqs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadWeightsMeta(t *testing.T) {
	bts, err := os.ReadFile(filepath.Join("testdata", "meta", "consolidated.00.pth"))
	if err != nil {
		t.Fatal(err)
	}

	params, err := os.ReadFile(filepath.Join("testdata", "meta", "params.json"))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]fs.FS{
		"dir": DirFS(filepath.Join("testdata", "meta")),
		// not backed by the OS, so the checkpoint is copied to a temp file
		"map": fstest.MapFS{
			"consolidated.00.pth": {Data: bts},
			"params.json":         {Data: params},
		},
	}

	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			c, w, err := LoadWeights(fsys, "meta", config.DefaultLLaMA())
			if err != nil {
				t.Fatal(err)
			}

			if c.EmbDim != 8 || c.NHeads != 2 || c.NLayers != 1 || c.SrcVocabSize != 4 || c.FeedForwardSize() != 24 {
				t.Errorf("unexpected config %+v", c)
			}

			if w.Rope != RopeAdjacentPairs || len(w.Layers) != 1 {
				t.Fatalf("unexpected weights: rope %v, %d layers", w.Rope, len(w.Layers))
			}

			l := w.Layers[0]
			for _, tt := range []struct {
				name   string
				tensor *Tensor
				offset int
				shape  []int
			}{
				{"embedding", w.Embedding, 0, []int{4, 8}},
				{"output", w.Output, 40, []int{4, 8}},
				{"key", l.Key, 136, []int{8, 8}},
				{"gate", l.Gate, 328, []int{24, 8}},
				{"down", l.Down, 520, []int{8, 24}},
				{"up", l.Up, 712, []int{24, 8}},
				{"ffn_norm", l.FeedForwardNorm, 912, []int{8}},
			} {
				if diff := cmp.Diff(tt.shape, tt.tensor.Shape); diff != "" {
					t.Errorf("%s shape mismatch (-want +got):\n%s", tt.name, diff)
				}

				if diff := cmp.Diff(arange(float32(tt.offset), tt.shape...), tt.tensor.Data); diff != "" {
					t.Errorf("%s data mismatch (-want +got):\n%s", tt.name, diff)
				}
			}

			if diff := cmp.Diff([]float32{1, 0.01}, l.RotaryInvFreq.Data); diff != "" {
				t.Errorf("rotary mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadTensorsTorchShards(t *testing.T) {
	bts, err := os.ReadFile(filepath.Join("testdata", "meta", "consolidated.00.pth"))
	if err != nil {
		t.Fatal(err)
	}

	fsys := fstest.MapFS{
		"consolidated.00.pth": {Data: bts},
		"consolidated.01.pth": {Data: bts},
		"params.json":         {Data: []byte(`{"dim": 8, "n_heads": 2, "n_layers": 1, "multiple_of": 8, "vocab_size": 4}`)},
	}

	_, _, err = LoadWeights(fsys, "meta", config.DefaultLLaMA())
	if err == nil || !strings.Contains(err.Error(), "merging tensor parallel shards is not supported") {
		t.Errorf("expected shards to be rejected, got %v", err)
	}
}

func TestReadTensorsTorchCorrupt(t *testing.T) {
	fsys := fstest.MapFS{"consolidated.00.pth": {Data: []byte("not a zip archive")}}

	if _, err := ReadTensors(fsys); err == nil || !strings.Contains(err.Error(), "consolidated.00.pth") {
		t.Errorf("expected an error naming the checkpoint, got %v", err)
	}
}

func TestStateDict(t *testing.T) {
	d := types.NewDict()
	d.Set("b", 1)
	d.Set("a", 2)

	od := types.NewOrderedDict()
	od.Set("b", 1)
	od.Set("a", 2)

	want := []dictEntry{{"b", 1}, {"a", 2}}
	for _, v := range []any{d, od} {
		got, err := stateDict(v)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(want, got, cmp.AllowUnexported(dictEntry{})); diff != "" {
			t.Errorf("%T entries mismatch (-want +got):\n%s", v, diff)
		}
	}

	if _, err := stateDict(types.NewList()); err == nil {
		t.Error("expected an error for a list")
	}
}
