package tokenizer

import (
	"cmp"

	queue "github.com/emirpasic/gods/queues/priorityqueue"
)

const spmWhitespaceSep = "▁"

// bpe merges adjacent pieces greedily, best scoring pair first. Without
// explicit merges a pair scores as the vocabulary score of the merged piece.
type bpe struct {
	vocab *Vocabulary
	ranks map[string]float32
}

func newBPE(vocab *Vocabulary, merges []string) *bpe {
	b := bpe{vocab: vocab}
	if len(merges) > 0 {
		b.ranks = make(map[string]float32, len(merges))
		for i, merge := range merges {
			if _, ok := b.ranks[merge]; !ok {
				b.ranks[merge] = -float32(i)
			}
		}
	}

	return &b
}

func (b *bpe) pairScore(left, right string) (float32, bool) {
	if b.ranks != nil {
		score, ok := b.ranks[left+" "+right]
		return score, ok
	}

	id := b.vocab.Encode(left + right)
	if id < 0 {
		return 0, false
	}

	switch b.vocab.Types[id] {
	case TOKEN_TYPE_NORMAL, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_UNUSED:
		return b.vocab.Scores[id], true
	default:
		return 0, false
	}
}

type merge struct {
	p, n  int
	runes []rune
}

type candidate struct {
	a, b  int
	score float32
	text  string
}

func (b *bpe) segment(s string) []string {
	if s == "" {
		return nil
	}

	if id := b.vocab.Encode(s); id >= 0 && b.vocab.Types[id] == TOKEN_TYPE_NORMAL {
		return []string{s}
	}

	runes := []rune(s)
	merges := make([]merge, len(runes))
	for r := range runes {
		merges[r] = merge{p: r - 1, n: r + 1, runes: []rune{runes[r]}}
	}

	// the queue pops its minimum: the highest score, then the leftmost pair
	pq := queue.NewWith(func(a, b any) int {
		ca, cb := a.(*candidate), b.(*candidate)
		if c := cmp.Compare(cb.score, ca.score); c != 0 {
			return c
		}
		return cmp.Compare(ca.a, cb.a)
	})

	pairwise := func(a, c int) *candidate {
		if a < 0 || c >= len(runes) {
			return nil
		}

		left, right := string(merges[a].runes), string(merges[c].runes)
		if score, ok := b.pairScore(left, right); ok {
			return &candidate{a: a, b: c, score: score, text: left + right}
		}
		return nil
	}

	for i := range len(runes) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pq.Enqueue(pair)
		}
	}

	for !pq.Empty() {
		v, _ := pq.Dequeue()
		pair := v.(*candidate)
		left, right := merges[pair.a], merges[pair.b]

		// skip pairs invalidated by an earlier merge
		if len(left.runes) == 0 || len(right.runes) == 0 || left.n != pair.b || string(left.runes)+string(right.runes) != pair.text {
			continue
		}

		merges[pair.a].runes = append(left.runes, right.runes...)
		merges[pair.b].runes = nil
		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pq.Enqueue(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pq.Enqueue(pair)
		}
	}

	var pieces []string
	for _, m := range merges {
		if len(m.runes) > 0 {
			pieces = append(pieces, string(m.runes))
		}
	}

	return pieces
}
