// Package sample picks the next token from a row of logits.
package sample

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/chewxy/math32"
)

type token struct {
	id    int32
	value float32
}

type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
}

// Greedy returns a sampler that always picks the highest logit.
func Greedy() Sampler {
	return Sampler{}
}

// NewSampler returns a sampler drawing from the temperature scaled
// distribution, restricted by topK, topP and minP. A temperature of zero
// samples greedily. A seed of -1 draws from the global source.
func NewSampler(temperature float32, topK int, topP float32, minP float32, seed int) (Sampler, error) {
	switch {
	case temperature < 0 || temperature > 2:
		return Sampler{}, fmt.Errorf("sample: temperature must be between 0 and 2, got %v", temperature)
	case topK < 0:
		return Sampler{}, fmt.Errorf("sample: top k must be positive, got %d", topK)
	case topP < 0 || topP >= 1:
		return Sampler{}, fmt.Errorf("sample: top p must be in [0, 1), got %v", topP)
	case minP < 0 || minP >= 1:
		return Sampler{}, fmt.Errorf("sample: min p must be in [0, 1), got %v", minP)
	}

	var rng *rand.Rand
	if seed != -1 {
		sequence := uint64(seed)
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
	}, nil
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i] = token{id: int32(i), value: logits[i]}
	}

	t, err := s.sample(tokens)
	if err != nil {
		return -1, err
	}

	return t.id, nil
}

// greedy returns the first token with the highest logit.
func greedy(tokens []token) token {
	best := tokens[0]
	for _, t := range tokens[1:] {
		if t.value > best.value {
			best = t
		}
	}

	return best
}

// sample modifies tokens in place.
func (s *Sampler) sample(tokens []token) (token, error) {
	if s.temperature == 0 {
		return greedy(tokens), nil
	}

	tokens = topK(tokens, s.topK)
	tokens = temperature(tokens, s.temperature)
	tokens = softmax(tokens)
	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		tokens[i].value = sum
	}

	if math32.IsNaN(sum) || math32.IsInf(sum, 0) || sum == 0 {
		return token{}, errors.New("sample: logits sum to NaN, check model output")
	}
	r *= sum

	idx, _ := slices.BinarySearchFunc(tokens, r, func(t token, target float32) int {
		if t.value < target {
			return -1
		}
		return 1
	})

	return tokens[min(idx, len(tokens)-1)], nil
}
