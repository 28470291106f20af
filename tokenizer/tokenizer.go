// Package tokenizer implements SentencePiece style tokenizers for LLaMA
// vocabularies, loaded from tokenizer.json or tokenizer.model files.
package tokenizer

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

var ErrInvalidTokenID = errors.New("invalid token id")

type Tokenizer interface {
	// Tokenize splits s into vocabulary pieces.
	Tokenize(s string) []string
	// ConvertTokensToIDs maps pieces to ids. Pieces missing from the
	// vocabulary map to the unknown token.
	ConvertTokensToIDs(tokens []string) []int32
	ConvertIDsToTokens(ids []int32) ([]string, error)
	// ConvertTokensToString joins pieces back into text.
	ConvertTokensToString(tokens []string) string

	Encode(s string, addSpecial bool) []int32
	Decode(ids []int32) (string, error)

	Is(id int32, special Special) bool
	Vocabulary() *Vocabulary
}

const (
	ModelBPE     = "BPE"
	ModelUnigram = "Unigram"
)

type Options struct {
	// Model is ModelBPE or ModelUnigram.
	Model string
	// Merges ranks BPE pairs, each written "left right". Without merges,
	// pairs are ranked by the vocabulary scores.
	Merges []string
	// AddDummyPrefix prepends a space to the input, so the first word
	// tokenizes like any other.
	AddDummyPrefix bool
}

type segmenter interface {
	segment(s string) []string
}

type SentencePiece struct {
	vocab          *Vocabulary
	segmenter      segmenter
	addDummyPrefix bool
	byteFallback   bool
}

var _ Tokenizer = (*SentencePiece)(nil)

func New(vocab *Vocabulary, opts Options) (*SentencePiece, error) {
	if len(vocab.Values) == 0 {
		return nil, errors.New("tokenizer: empty vocabulary")
	}

	if len(vocab.Types) != len(vocab.Values) || len(vocab.Scores) != len(vocab.Values) {
		return nil, fmt.Errorf("tokenizer: %d values, %d types and %d scores", len(vocab.Values), len(vocab.Types), len(vocab.Scores))
	}

	sp := SentencePiece{vocab: vocab, addDummyPrefix: opts.AddDummyPrefix}
	switch opts.Model {
	case ModelBPE, "":
		sp.segmenter = newBPE(vocab, opts.Merges)
	case ModelUnigram:
		sp.segmenter = newUnigram(vocab)
	default:
		return nil, fmt.Errorf("tokenizer: unsupported model %q", opts.Model)
	}

	for _, t := range vocab.Types {
		if t == TOKEN_TYPE_BYTE {
			sp.byteFallback = true
			break
		}
	}

	slog.Debug("tokenizer", "model", cmp.Or(opts.Model, ModelBPE), "tokens", len(vocab.Values), "merges", len(opts.Merges), "byte fallback", sp.byteFallback)
	return &sp, nil
}

func (sp *SentencePiece) Vocabulary() *Vocabulary {
	return sp.vocab
}

func (sp *SentencePiece) Is(id int32, special Special) bool {
	return sp.vocab.Is(id, special)
}

func (sp *SentencePiece) Tokenize(s string) []string {
	var tokens []string
	for i, frag := range splitSpecialTokens(s, sp.vocab) {
		if len(frag.ids) > 0 {
			tokens = append(tokens, frag.value)
			continue
		}

		if frag.value == "" {
			continue
		}

		text := frag.value
		if i == 0 && sp.addDummyPrefix {
			text = " " + text
		}

		for _, piece := range sp.segmenter.segment(strings.ReplaceAll(text, " ", spmWhitespaceSep)) {
			if sp.vocab.Encode(piece) >= 0 {
				tokens = append(tokens, piece)
				continue
			}

			tokens = append(tokens, sp.unknown(piece)...)
		}
	}

	return tokens
}

// unknown spells piece as byte tokens, or as a single unknown token when the
// vocabulary has no byte tokens.
func (sp *SentencePiece) unknown(piece string) []string {
	if sp.byteFallback {
		var tokens []string
		for _, b := range []byte(piece) {
			if token := fmt.Sprintf("<0x%02X>", b); sp.vocab.Encode(token) >= 0 {
				tokens = append(tokens, token)
			} else if unk := sp.vocab.Unknown(); unk >= 0 {
				tokens = append(tokens, sp.vocab.Values[unk])
			}
		}
		return tokens
	}

	if unk := sp.vocab.Unknown(); unk >= 0 {
		return []string{sp.vocab.Values[unk]}
	}

	slog.Debug("missing token", "token", piece)
	return nil
}

func (sp *SentencePiece) ConvertTokensToIDs(tokens []string) []int32 {
	ids := make([]int32, len(tokens))
	for i, token := range tokens {
		if ids[i] = sp.vocab.Encode(token); ids[i] < 0 {
			ids[i] = sp.vocab.Unknown()
		}
	}

	return ids
}

func (sp *SentencePiece) ConvertIDsToTokens(ids []int32) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || int(id) >= len(sp.vocab.Values) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidTokenID, id)
		}

		tokens[i] = sp.vocab.Decode(id)
	}

	return tokens, nil
}

// byteToken returns the byte spelled by a <0xNN> token.
func byteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}

	b, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}

	return byte(b), true
}

func (sp *SentencePiece) ConvertTokensToString(tokens []string) string {
	var sb strings.Builder
	for _, token := range tokens {
		if b, ok := byteToken(token); ok {
			sb.WriteByte(b)
			continue
		}

		sb.WriteString(strings.ReplaceAll(token, spmWhitespaceSep, " "))
	}

	s := sb.String()
	if sp.addDummyPrefix {
		s = strings.TrimPrefix(s, " ")
	}

	return s
}

func (sp *SentencePiece) Encode(s string, addSpecial bool) []int32 {
	ids := sp.ConvertTokensToIDs(sp.Tokenize(s))
	if addSpecial {
		ids = sp.vocab.addSpecials(ids)
	}

	slog.Debug("encoded", "text", s, "ids", ids)
	return ids
}

func (sp *SentencePiece) Decode(ids []int32) (string, error) {
	tokens, err := sp.ConvertIDsToTokens(ids)
	if err != nil {
		return "", err
	}

	return sp.ConvertTokensToString(tokens), nil
}
