// Package generate runs autoregressive decoding over a batch of prompts.
package generate

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fmsgo/fms/envconfig"
	"github.com/fmsgo/fms/kvcache"
	"github.com/fmsgo/fms/metrics"
	"github.com/fmsgo/fms/model"
	"github.com/fmsgo/fms/sample"
)

type Options struct {
	// MaxNewTokens is the number of tokens generated per sequence.
	MaxNewTokens int
	// MaxSeqLen bounds the context passed to the model. Longer inputs keep
	// their last MaxSeqLen tokens. Zero means unbounded.
	MaxSeqLen int
	// UseCache prefills the prompt once and then decodes one token per step.
	// Without it the whole sequence is run at every step.
	UseCache bool

	// DoSample draws tokens from the temperature scaled distribution instead
	// of taking the argmax.
	DoSample    bool
	Temperature float32
	TopK        int
	TopP        float32
	// Seed seeds the sampler of each row; row i uses Seed+i. -1 draws from
	// the global source.
	Seed int

	// EOS stops a sequence once it generates one of these ids.
	EOS []int32

	// Name labels the metrics of this run.
	Name string
}

func (o Options) sampler(row int) (sample.Sampler, error) {
	if !o.DoSample {
		return sample.Greedy(), nil
	}

	seed := o.Seed
	if seed != -1 {
		seed += row
	}

	return sample.NewSampler(o.Temperature, o.TopK, o.TopP, 0, seed)
}

// Generate extends each prompt in ids by up to opts.MaxNewTokens tokens and
// returns the prompts with their continuations. prefill runs the first step
// and decode every step after it. Sequences run concurrently, at most
// envconfig.NumParallel at a time.
func Generate(ctx context.Context, prefill, decode model.Model, ids [][]int32, opts Options) ([][]int32, error) {
	if opts.MaxNewTokens < 0 {
		return nil, fmt.Errorf("max new tokens must not be negative, got %d", opts.MaxNewTokens)
	}

	if _, err := opts.sampler(0); err != nil {
		return nil, err
	}

	results := make([][]int32, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(envconfig.NumParallel, 1))
	for i, prompt := range ids {
		g.Go(func() error {
			out, err := generate(ctx, prefill, decode, prompt, i, opts)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", i, err)
			}

			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func generate(ctx context.Context, prefill, decode model.Model, prompt []int32, row int, opts Options) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, model.ErrEmptyInput
	}

	sampler, err := opts.sampler(row)
	if err != nil {
		return nil, err
	}

	var cache *kvcache.Cache
	if opts.UseCache {
		cache = model.NewCache(prefill, min(len(prompt), cmp.Or(opts.MaxSeqLen, len(prompt)))+opts.MaxNewTokens)
	}

	result := slices.Clone(prompt)
	next, m, phase := prompt, prefill, "prefill"
	for range opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		input := next
		if opts.MaxSeqLen > 0 && len(input) > opts.MaxSeqLen {
			input = input[len(input)-opts.MaxSeqLen:]
		}

		start := time.Now()
		logits, err := m.Forward(input, cache)
		if err != nil {
			return nil, err
		}
		metrics.RecordForward(opts.Name, phase, time.Since(start))

		id, err := sampler.Sample(logits[len(logits)-1])
		if err != nil {
			return nil, err
		}

		result = append(result, id)
		metrics.RecordToken(opts.Name)

		if slices.Contains(opts.EOS, id) {
			slog.Debug("stopping at eos", "row", row, "tokens", len(result)-len(prompt))
			break
		}

		if opts.UseCache {
			next = []int32{id}
		} else {
			next = result
		}
		m, phase = decode, "decode"
	}

	metrics.RecordSequence(len(prompt), len(result)-len(prompt))
	return result, nil
}

// TruncateAfterEOS cuts ids after the first eos, keeping the eos.
func TruncateAfterEOS(ids []int32, eos int32) []int32 {
	if i := slices.Index(ids, eos); i >= 0 {
		return ids[:i+1]
	}

	return ids
}
