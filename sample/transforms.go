package sample

import (
	"cmp"
	"slices"

	"github.com/chewxy/math32"
)

// temperature scales the logits in place. A temperature of zero is clamped so
// the scaled logits stay finite.
func temperature(ts []token, temp float32) []token {
	temp = max(temp, 1e-7)
	for i := range ts {
		ts[i].value /= temp
	}

	return ts
}

// softmax replaces the logits with probabilities, subtracting the maximum
// logit to avoid overflow.
func softmax(ts []token) []token {
	maxLogit := math32.Inf(-1)
	for _, t := range ts {
		maxLogit = max(maxLogit, t.value)
	}

	var sum float32
	for i := range ts {
		ts[i].value = math32.Exp(ts[i].value - maxLogit)
		sum += ts[i].value
	}

	for i := range ts {
		ts[i].value /= sum
	}

	return ts
}

// topK sorts the tokens in descending order and keeps the first k. A k of
// zero or less keeps them all.
func topK(ts []token, k int) []token {
	slices.SortStableFunc(ts, func(a, b token) int {
		return cmp.Compare(b.value, a.value)
	})

	if k > 0 && k < len(ts) {
		ts = ts[:k]
	}

	return ts
}

// topP keeps the smallest prefix of sorted probabilities whose sum exceeds p.
func topP(ts []token, p float32) []token {
	if p <= 0 || p >= 1 {
		return ts
	}

	var sum float32
	for i, t := range ts {
		sum += t.value
		if sum > p {
			return ts[:i+1]
		}
	}

	return ts
}

// minP drops tokens less likely than p times the most likely token. The
// tokens must be sorted.
func minP(ts []token, p float32) []token {
	if p <= 0 || len(ts) == 0 {
		return ts
	}

	threshold := ts[0].value * p
	for i, t := range ts {
		if t.value < threshold {
			return ts[:i]
		}
	}

	return ts
}
