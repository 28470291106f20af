package tokenizer

import (
	"math"
	"slices"
)

const unigramUnknownTokenScorePenalty = 10.0

type naiveTrie struct {
	children map[byte]*naiveTrie
	hasValue bool
	value    int32
}

func (n *naiveTrie) Insert(key string, value int32) {
	n.insert([]byte(key), value)
}

func (n *naiveTrie) insert(key []byte, value int32) {
	if len(key) == 0 {
		n.hasValue = true
		n.value = value
		return
	}

	if n.children == nil {
		n.children = make(map[byte]*naiveTrie)
	}

	child, exists := n.children[key[0]]
	if !exists {
		child = &naiveTrie{}
		n.children[key[0]] = child
	}
	child.insert(key[1:], value)
}

func (n *naiveTrie) Traverse(c byte) *naiveTrie {
	if n.children == nil {
		return nil
	}
	return n.children[c]
}

type bestTokenization struct {
	tokenID     int32
	inputOffset int
	scoreSum    float64
}

// unigram segments text with the Viterbi path through the vocabulary
// lattice, maximising the summed piece scores.
type unigram struct {
	vocab             *Vocabulary
	unknownTokenScore float32
	tokenMatcher      naiveTrie
}

func newUnigram(vocab *Vocabulary) *unigram {
	u := unigram{vocab: vocab}

	minScore := float32(math.MaxFloat32)
	for id, tokenType := range vocab.Types {
		switch tokenType {
		case TOKEN_TYPE_NORMAL:
			minScore = min(minScore, vocab.Scores[id])
			fallthrough
		case TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_UNUSED:
			u.tokenMatcher.Insert(vocab.Values[id], int32(id))
		}
	}

	if minScore == math.MaxFloat32 {
		minScore = 0
	}

	u.unknownTokenScore = minScore - unigramUnknownTokenScorePenalty
	return &u
}

func utf8CodeUnitLen(c byte) int {
	return []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 2, 3, 4}[c>>4]
}

// segment returns the pieces of s. Characters no piece covers come back as
// themselves, with adjacent ones joined.
func (u *unigram) segment(s string) []string {
	if s == "" {
		return nil
	}

	results := make([]bestTokenization, len(s)+1)
	for i := range results {
		results[i] = bestTokenization{tokenID: -1, scoreSum: -math.MaxFloat64}
	}
	results[0].scoreSum = 0

	for inputOffset := 0; inputOffset < len(s); {
		n := min(utf8CodeUnitLen(s[inputOffset]), len(s)-inputOffset)
		if !u.matchTokens(s, inputOffset, n, results) {
			u.handleUnknownToken(inputOffset, n, results)
		}
		inputOffset += n
	}

	return u.backtrack(s, results)
}

func (u *unigram) matchTokens(s string, inputOffset, n int, results []bestTokenization) bool {
	current := results[inputOffset]
	node := u.tokenMatcher.Traverse(s[inputOffset])

	var found bool
	for prefixOffset := inputOffset + 1; prefixOffset <= len(s) && node != nil; prefixOffset++ {
		if node.hasValue {
			if prefixOffset-inputOffset == n {
				found = true
			}

			score := current.scoreSum
			if u.vocab.Types[node.value] != TOKEN_TYPE_USER_DEFINED {
				score += float64(u.vocab.Scores[node.value])
			}

			if score > results[prefixOffset].scoreSum {
				results[prefixOffset] = bestTokenization{tokenID: node.value, inputOffset: inputOffset, scoreSum: score}
			}
		}

		if prefixOffset >= len(s) {
			break
		}
		node = node.Traverse(s[prefixOffset])
	}

	return found
}

func (u *unigram) handleUnknownToken(inputOffset, n int, results []bestTokenization) {
	score := results[inputOffset].scoreSum + float64(u.unknownTokenScore)
	if end := inputOffset + n; score > results[end].scoreSum {
		results[end] = bestTokenization{tokenID: -1, inputOffset: inputOffset, scoreSum: score}
	}
}

func (u *unigram) backtrack(s string, results []bestTokenization) []string {
	var pieces []string

	end, unknownEnd := len(s), -1
	for end > 0 {
		r := results[end]
		switch {
		case r.tokenID >= 0:
			if unknownEnd >= 0 {
				pieces = append(pieces, s[end:unknownEnd])
				unknownEnd = -1
			}
			pieces = append(pieces, u.vocab.Values[r.tokenID])
		case unknownEnd < 0:
			unknownEnd = end
		}
		end = r.inputOffset
	}

	if unknownEnd >= 0 {
		pieces = append(pieces, s[:unknownEnd])
	}

	slices.Reverse(pieces)
	return pieces
}
