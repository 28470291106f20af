package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/fmsgo/fms/config"
)

func safetensorsFile(t *testing.T, ts map[string]*Tensor, dtype DType) *fstest.MapFile {
	t.Helper()

	var b bytes.Buffer
	if err := WriteSafetensors(&b, ts, dtype, map[string]string{"format": "pt"}); err != nil {
		t.Fatal(err)
	}

	return &fstest.MapFile{Data: b.Bytes()}
}

func TestSafetensorsRoundTrip(t *testing.T) {
	ts := map[string]*Tensor{
		"a.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"b.weight": {Shape: []int{3}, Data: []float32{-1, 0.5, 0.25}},
		"c.weight": {Shape: []int{1, 2, 2}, Data: []float32{7, 8, 9, 10}},
	}

	fsys := fstest.MapFS{"model.safetensors": safetensorsFile(t, ts, DTypeF32)}

	got, err := ReadTensors(fsys)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(ts, got); diff != "" {
		t.Errorf("tensors mismatch (-want +got):\n%s", diff)
	}
}

func TestSafetensorsHeaderAlignment(t *testing.T) {
	var b bytes.Buffer
	if err := WriteSafetensors(&b, map[string]*Tensor{"x": {Shape: []int{1}, Data: []float32{1}}}, DTypeF32, nil); err != nil {
		t.Fatal(err)
	}

	var n uint64
	for i := range 8 {
		n |= uint64(b.Bytes()[i]) << (8 * i)
	}

	if n%8 != 0 {
		t.Errorf("header length %d is not a multiple of 8", n)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(b.Bytes()[8:8+n], &header); err != nil {
		t.Fatal(err)
	}

	if _, ok := header["__metadata__"]; ok {
		t.Error("expected no metadata")
	}
}

func TestSafetensorsF16(t *testing.T) {
	ts := map[string]*Tensor{
		"m.weight": {Shape: []int{2, 2}, Data: []float32{1, -2, 0.5, 1.0 / 3}},
		"n.weight": {Shape: []int{2}, Data: []float32{1.0 / 3, 2}},
	}

	got, err := ReadTensors(fstest.MapFS{"model.safetensors": safetensorsFile(t, ts, DTypeF16)})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(ts["m.weight"].Shape, got["m.weight"].Shape); diff != "" {
		t.Errorf("matrix shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(ts["m.weight"].Data, got["m.weight"].Data, cmpopts.EquateApprox(0, 1e-3)); diff != "" {
		t.Errorf("matrix mismatch (-want +got):\n%s", diff)
	}

	if got["m.weight"].Equal(ts["m.weight"]) {
		t.Error("expected the matrix to be rounded to F16")
	}

	// vectors stay F32
	if !got["n.weight"].Equal(ts["n.weight"]) {
		t.Errorf("expected vector to be stored exactly, got %v", got["n.weight"].Data)
	}
}

// rawSafetensors lays out a safetensors file by hand so the header can be
// malformed.
func rawSafetensors(n int64, header string, data []byte) *fstest.MapFile {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, n)
	b.WriteString(header)
	b.Write(data)
	return &fstest.MapFile{Data: b.Bytes()}
}

func TestSafetensorsMalformedHeader(t *testing.T) {
	data := make([]byte, 16)
	header := func(s string) *fstest.MapFile {
		return rawSafetensors(int64(len(s)), s, data)
	}

	cases := []struct {
		name string
		file *fstest.MapFile
	}{
		{"negative header length", rawSafetensors(-5, "", data)},
		{"zero header length", rawSafetensors(0, "", data)},
		{"huge header length", rawSafetensors(1<<40, "", data)},
		{"end before start", header(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[8,4]}}`)},
		{"negative start", header(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`)},
		{"one offset", header(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0]}}`)},
		{"overlapping tensors", header(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"b":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`)},
		{"past the end", header(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4611686018427387904]}}`)},
		{"partial element", header(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,6]}}`)},
		{"partial half element", header(`{"a":{"dtype":"BF16","shape":[1],"data_offsets":[0,3]}}`)},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTensors(fstest.MapFS{"model.safetensors": tt.file})
			if !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("expected %v, got %v", ErrInvalidHeader, err)
			}
		})
	}

	t.Run("valid", func(t *testing.T) {
		got, err := ReadTensors(fstest.MapFS{"model.safetensors": header(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"b":{"dtype":"F32","shape":[2],"data_offsets":[8,16]}}`)})
		if err != nil {
			t.Fatal(err)
		}

		if len(got) != 2 || got["a"] == nil || got["b"] == nil {
			t.Errorf("expected tensors a and b, got %v", got)
		}
	})
}

func TestReadTensorsSharded(t *testing.T) {
	index, err := json.Marshal(map[string]any{
		"weight_map": map[string]string{
			"a": "model-00001-of-00002.safetensors",
			"b": "model-00002-of-00002.safetensors",
			"c": "model-00002-of-00002.safetensors",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	fsys := fstest.MapFS{
		"model.safetensors.index.json": {Data: index},
		"model-00001-of-00002.safetensors": safetensorsFile(t, map[string]*Tensor{
			"a": {Shape: []int{2}, Data: []float32{1, 2}},
		}, DTypeF32),
		"model-00002-of-00002.safetensors": safetensorsFile(t, map[string]*Tensor{
			"b": {Shape: []int{1}, Data: []float32{3}},
			"c": {Shape: []int{1}, Data: []float32{4}},
		}, DTypeF32),
	}

	got, err := ReadTensors(fsys)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]*Tensor{
		"a": {Shape: []int{2}, Data: []float32{1, 2}},
		"b": {Shape: []int{1}, Data: []float32{3}},
		"c": {Shape: []int{1}, Data: []float32{4}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tensors mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTensorsDuplicate(t *testing.T) {
	fsys := fstest.MapFS{
		"model-00001-of-00002.safetensors": safetensorsFile(t, map[string]*Tensor{"a": {Shape: []int{1}, Data: []float32{1}}}, DTypeF32),
		"model-00002-of-00002.safetensors": safetensorsFile(t, map[string]*Tensor{"a": {Shape: []int{1}, Data: []float32{2}}}, DTypeF32),
	}

	if _, err := ReadTensors(fsys); err == nil {
		t.Error("expected an error for duplicate tensor names")
	}
}

func TestReadTensorsUnknownFormat(t *testing.T) {
	_, err := ReadTensors(fstest.MapFS{"weights.bin": {Data: []byte("x")}})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected %v, got %v", ErrUnknownFormat, err)
	}
}

func testConfig() config.LLaMA {
	c := config.DefaultLLaMA()
	c.SrcVocabSize = 16
	c.EmbDim = 32
	c.NHeads = 4
	c.NLayers = 2
	c.HiddenGrowFactor = 1.5
	c.MultipleOf = 16
	return c
}

func TestNamesCollectFlatten(t *testing.T) {
	c := testConfig()
	w := randomWeights(testShapes["toy"], 9)

	for _, names := range []Names{NamesFMS, NamesMeta} {
		ts := names.Flatten(w)
		got, err := names.Collect(ts, c)
		if err != nil {
			t.Fatal(err)
		}

		if !got.Equal(w) {
			t.Errorf("%s: collected weights differ", names.Embedding)
		}
	}

	hf, err := Translate(w, 4)
	if err != nil {
		t.Fatal(err)
	}

	ts := NamesHF.Flatten(hf)
	if _, ok := ts["model.layers.1.self_attn.rotary_emb.inv_freq"]; !ok {
		t.Error("expected a per layer rotary buffer")
	}

	got, err := NamesHF.Collect(ts, c)
	if err != nil {
		t.Fatal(err)
	}

	if !got.Equal(hf) {
		t.Error("collected hf weights differ")
	}
}

func TestNamesCollectTiedAndDerived(t *testing.T) {
	c := testConfig()
	w := randomWeights(testShapes["toy"], 10)

	ts := NamesFMS.Flatten(w)
	delete(ts, NamesFMS.Output)
	delete(ts, NamesFMS.RotaryInvFreq)

	got, err := NamesFMS.Collect(ts, c)
	if err != nil {
		t.Fatal(err)
	}

	if !got.TieWordEmbeddings || got.Output != got.Embedding {
		t.Error("expected a missing output head to be tied to the embedding")
	}

	if !got.Layers[1].RotaryInvFreq.Equal(RotaryInvFreq(c.HeadDim(), c.RopeTheta)) {
		t.Error("expected rotary frequencies derived from the config")
	}

	if _, ok := NamesFMS.Flatten(got)[NamesFMS.Output]; ok {
		t.Error("expected a tied output head to be omitted")
	}
}

func TestNamesCollectErrors(t *testing.T) {
	c := testConfig()
	w := randomWeights(testShapes["toy"], 11)

	ts := NamesFMS.Flatten(w)
	delete(ts, "layers.1.attn.value.weight")
	if _, err := NamesFMS.Collect(ts, c); !errors.Is(err, ErrMissingTensor) {
		t.Errorf("expected %v, got %v", ErrMissingTensor, err)
	}

	c.NLayers = 1
	if _, err := NamesFMS.Collect(NamesFMS.Flatten(w), c); !errors.Is(err, ErrLayerCountMismatch) {
		t.Errorf("expected %v, got %v", ErrLayerCountMismatch, err)
	}

	c.NLayers = 3
	if _, err := NamesFMS.Collect(NamesFMS.Flatten(w), c); !errors.Is(err, ErrMissingTensor) {
		t.Errorf("expected %v, got %v", ErrMissingTensor, err)
	}
}

func writeCheckpoint(t *testing.T, dir string, names Names, w *ModelWeights, cfg any) {
	t.Helper()

	if err := config.Save(filepath.Join(dir, "config.json"), cfg); err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteSafetensors(f, names.Flatten(w), DTypeF32, nil); err != nil {
		t.Fatal(err)
	}
}

func TestConvertModel(t *testing.T) {
	c := testConfig()
	c.MultipleOf = 48
	w := randomWeights(testShapes["toy"], 12)

	src := t.TempDir()
	writeCheckpoint(t, src, NamesFMS, w, c)

	var layers []int
	dst := filepath.Join(t.TempDir(), "hf")
	if err := ConvertModel(DirFS(src), dst, Options{
		Source:   "fms",
		Progress: func(layer, _ int) { layers = append(layers, layer) },
	}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 2}, layers); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	var ref config.Llama
	if err := config.Load(filepath.Join(dst, "config.json"), &ref); err != nil {
		t.Fatal(err)
	}

	if ref.IntermediateSize != 48 || ref.NumAttentionHeads != 4 || ref.VocabSize != 16 {
		t.Errorf("unexpected reference config %+v", ref)
	}

	hf, err := NamesHF.Collect(mustReadTensors(t, DirFS(dst)), ref.FMSConfig())
	if err != nil {
		t.Fatal(err)
	}

	want, err := Translate(w, 4)
	if err != nil {
		t.Fatal(err)
	}

	if !hf.Equal(want) {
		t.Error("converted checkpoint differs from translated weights")
	}

	// and back to the native layout
	back := filepath.Join(t.TempDir(), "fms")
	if err := ConvertModel(DirFS(dst), back, Options{Source: "hf"}); err != nil {
		t.Fatal(err)
	}

	c2, native, err := LoadWeights(DirFS(back), "fms", config.DefaultLLaMA())
	if err != nil {
		t.Fatal(err)
	}

	if c2.FeedForwardSize() != 48 {
		t.Errorf("feed forward size = %d, want 48", c2.FeedForwardSize())
	}

	if !native.Equal(w) {
		t.Error("converting back did not reproduce the source weights")
	}
}

func TestConvertModelFailedWrite(t *testing.T) {
	c := testConfig()
	c.MultipleOf = 48
	w := randomWeights(testShapes["toy"], 12)

	src := t.TempDir()
	writeCheckpoint(t, src, NamesFMS, w, c)

	dst := filepath.Join(t.TempDir(), "hf")
	if err := ConvertModel(DirFS(src), dst, Options{DType: "Q4_0"}); err == nil {
		t.Fatal("expected an error for an unsupported dtype")
	}

	if _, err := os.Stat(dst); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected %s to be removed, got %v", dst, err)
	}

	// an existing directory is kept, without the partial checkpoint
	existing := t.TempDir()
	if err := os.WriteFile(filepath.Join(existing, "README.md"), []byte("llama"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ConvertModel(DirFS(src), existing, Options{DType: "Q4_0"}); err == nil {
		t.Fatal("expected an error for an unsupported dtype")
	}

	entries, err := os.ReadDir(existing)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 || entries[0].Name() != "README.md" {
		t.Errorf("expected only README.md to remain, got %v", entries)
	}

	if err := ConvertModel(DirFS(src), dst, Options{}); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWeightsWithoutConfig(t *testing.T) {
	c := testConfig()
	c.MultipleOf = 48
	w := randomWeights(testShapes["toy"], 13)

	fsys := fstest.MapFS{"model.safetensors": safetensorsFile(t, NamesFMS.Flatten(w), DTypeF32)}

	got, loaded, err := LoadWeights(fsys, "fms", c)
	if err != nil {
		t.Fatal(err)
	}

	if got.EmbDim != 32 || !loaded.Equal(w) {
		t.Error("expected weights loaded with the base config")
	}

	c.SrcVocabSize = 17
	if _, _, err := LoadWeights(fsys, "fms", c); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected %v, got %v", ErrShapeMismatch, err)
	}
}

func TestReadConfigMeta(t *testing.T) {
	fsys := fstest.MapFS{
		"params.json": {Data: []byte(`{"dim": 64, "n_heads": 8, "n_kv_heads": 2, "n_layers": 3, "norm_eps": 1e-5, "multiple_of": 32, "vocab_size": -1}`)},
	}

	c, err := ReadConfig(fsys, "meta", config.DefaultLLaMA())
	if err != nil {
		t.Fatal(err)
	}

	if c.EmbDim != 64 || c.NHeads != 8 || c.KVHeads != 2 || c.NLayers != 3 || c.NormEps != 1e-5 || c.MultipleOf != 32 {
		t.Errorf("unexpected config %+v", c)
	}

	if _, err := ReadConfig(fsys, "gguf", config.DefaultLLaMA()); err == nil {
		t.Error("expected an error for an unknown source")
	}
}

func mustReadTensors(t *testing.T, fsys fs.FS) map[string]*Tensor {
	t.Helper()

	ts, err := ReadTensors(fsys)
	if err != nil {
		t.Fatal(err)
	}

	return ts
}
