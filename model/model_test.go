package model_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fmsgo/fms/config"
	"github.com/fmsgo/fms/convert"
	"github.com/fmsgo/fms/model"
	_ "github.com/fmsgo/fms/model/models"
)

func TestRegistry(t *testing.T) {
	if diff := cmp.Diff([]string{"llama", "llama_hf"}, model.Architectures()); diff != "" {
		t.Errorf("architectures mismatch (-want +got):\n%s", diff)
	}

	variants, err := model.Variants("llama")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"13b", "70b", "7b", "micro"}, variants); diff != "" {
		t.Errorf("variants mismatch (-want +got):\n%s", diff)
	}

	if _, err := model.Variants("gpt2"); !errors.Is(err, model.ErrUnknownArchitecture) {
		t.Errorf("expected %v, got %v", model.ErrUnknownArchitecture, err)
	}

	if _, err := model.GetModel(context.Background(), "llama", "1b", model.Options{}); !errors.Is(err, model.ErrUnknownVariant) {
		t.Errorf("expected %v, got %v", model.ErrUnknownVariant, err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected registering a duplicate architecture to panic")
		}
	}()
	model.Register("llama", model.Architecture{})
}

func TestVariants(t *testing.T) {
	cases := []struct {
		variant               string
		headDim, kvHeads, ffn int
	}{
		{"micro", 8, 4, 96},
		{"7b", 128, 32, 11008},
		{"13b", 128, 40, 13824},
		{"70b", 128, 8, 28672},
	}

	for _, tt := range cases {
		t.Run(tt.variant, func(t *testing.T) {
			c, err := model.Variant("llama", tt.variant)
			if err != nil {
				t.Fatal(err)
			}

			if err := c.Validate(); err != nil {
				t.Fatal(err)
			}

			got := [3]int{c.HeadDim(), c.KVHeadCount(), c.FeedForwardSize()}
			if diff := cmp.Diff([3]int{tt.headDim, tt.kvHeads, tt.ffn}, got); diff != "" {
				t.Errorf("derived sizes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRandomWeightsDeterministic(t *testing.T) {
	c, err := model.Variant("llama", "micro")
	if err != nil {
		t.Fatal(err)
	}

	a := model.RandomWeights(c, 42)
	if !a.Equal(model.RandomWeights(c, 42)) {
		t.Error("expected the same seed to give the same weights")
	}

	if a.Equal(model.RandomWeights(c, 43)) {
		t.Error("expected different seeds to give different weights")
	}

	if err := model.ValidateWeights(c, a); err != nil {
		t.Error(err)
	}
}

func TestValidateWeights(t *testing.T) {
	c, err := model.Variant("llama", "micro")
	if err != nil {
		t.Fatal(err)
	}

	w := model.RandomWeights(c, 1)
	w.Layers[1].Up = convert.Zeros(95, c.EmbDim)
	if err := model.ValidateWeights(c, w); !errors.Is(err, convert.ErrShapeMismatch) {
		t.Errorf("expected %v, got %v", convert.ErrShapeMismatch, err)
	}

	w = model.RandomWeights(c, 1)
	w.Layers = w.Layers[:1]
	if err := model.ValidateWeights(c, w); !errors.Is(err, convert.ErrLayerCountMismatch) {
		t.Errorf("expected %v, got %v", convert.ErrLayerCountMismatch, err)
	}

	w = model.RandomWeights(c, 1)
	w.OutputNorm = nil
	if err := model.ValidateWeights(c, w); !errors.Is(err, convert.ErrMissingTensor) {
		t.Errorf("expected %v, got %v", convert.ErrMissingTensor, err)
	}
}

func TestGetModelFromCheckpoint(t *testing.T) {
	c, err := model.Variant("llama", "micro")
	if err != nil {
		t.Fatal(err)
	}

	w := model.RandomWeights(c, 3)
	ids := []int32{1, 2, 3}

	want, err := model.GetModel(context.Background(), "llama", "micro", model.Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}

	wantLogits, err := want.Forward(ids, nil)
	if err != nil {
		t.Fatal(err)
	}

	hf, err := convert.Translate(w, c.NHeads)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		source  string
		names   convert.Names
		weights *convert.ModelWeights
		config  any
	}{
		{"fms", convert.NamesFMS, w, c},
		{"hf", convert.NamesHF, hf, config.FromFMSConfig(c).Reference()},
	}

	for _, tt := range cases {
		t.Run(tt.source, func(t *testing.T) {
			dir := t.TempDir()
			if err := config.Save(filepath.Join(dir, "config.json"), tt.config); err != nil {
				t.Fatal(err)
			}

			f, err := os.Create(filepath.Join(dir, "model.safetensors"))
			if err != nil {
				t.Fatal(err)
			}

			if err := convert.WriteSafetensors(f, tt.names.Flatten(tt.weights), convert.DTypeF32, nil); err != nil {
				t.Fatal(err)
			}

			if err := f.Close(); err != nil {
				t.Fatal(err)
			}

			m, err := model.GetModel(context.Background(), "llama", "micro", model.Options{Path: dir, Source: tt.source})
			if err != nil {
				t.Fatal(err)
			}

			if !m.Weights().Equal(w) {
				t.Error("loaded weights differ from the saved weights")
			}

			got, err := m.Forward(ids, nil)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(wantLogits, got); diff != "" {
				t.Errorf("logits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
