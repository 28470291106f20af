package tokenizer

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Load reads a tokenizer from path: a tokenizer.json or tokenizer.model
// file, or a directory holding one.
func Load(path string) (*SentencePiece, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadFS(os.DirFS(path), "")
	}

	return LoadFS(os.DirFS(filepath.Dir(path)), filepath.Base(path))
}

// LoadFS reads the tokenizer file name from fsys. An empty name looks for
// tokenizer.json, then tokenizer.model.
func LoadFS(fsys fs.FS, name string) (*SentencePiece, error) {
	if name == "" {
		for _, candidate := range []string{"tokenizer.json", "tokenizer.model"} {
			if _, err := fs.Stat(fsys, candidate); errors.Is(err, fs.ErrNotExist) {
				continue
			} else if err != nil {
				return nil, err
			}

			name = candidate
			break
		}

		if name == "" {
			return nil, errors.New("tokenizer: no tokenizer.json or tokenizer.model found")
		}
	}

	bts, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}

	var vocab *Vocabulary
	var opts Options
	switch filepath.Ext(name) {
	case ".json":
		vocab, opts, err = parseTokenizerJSON(bts)
	default:
		vocab, opts, err = parseSentencePieceModel(bts)
		if err == nil {
			err = addedTokens(fsys, vocab)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %s: %w", name, err)
	}

	for _, s := range []struct {
		content string
		ids     *[]int32
	}{
		{"<s>", &vocab.BOS},
		{"</s>", &vocab.EOS},
	} {
		if id := vocab.Encode(s.content); id >= 0 {
			*s.ids = []int32{id}
		}
	}
	vocab.AddBOS = len(vocab.BOS) > 0

	slog.Debug("loaded tokenizer", "file", name, "bos", vocab.BOS, "eos", vocab.EOS)
	return New(vocab, opts)
}

type addedToken struct {
	ID      int32  `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type tokenizerJSON struct {
	AddedTokens []addedToken `json:"added_tokens"`

	Normalizer *struct {
		Type        string `json:"type"`
		Prepend     string `json:"prepend"`
		Normalizers []struct {
			Type    string `json:"type"`
			Prepend string `json:"prepend"`
		} `json:"normalizers"`
	} `json:"normalizer"`

	PreTokenizer *struct {
		Type           string `json:"type"`
		PrependScheme  string `json:"prepend_scheme"`
		AddPrefixSpace *bool  `json:"add_prefix_space"`
	} `json:"pre_tokenizer"`

	Model struct {
		Type     string          `json:"type"`
		Vocab    json.RawMessage `json:"vocab"`
		Merges   json.RawMessage `json:"merges"`
		UnkToken string          `json:"unk_token"`
		UnkID    *int            `json:"unk_id"`
	} `json:"model"`
}

func (t *tokenizerJSON) addDummyPrefix() bool {
	if n := t.Normalizer; n != nil {
		if n.Type == "Prepend" && n.Prepend == spmWhitespaceSep {
			return true
		}

		for _, n := range n.Normalizers {
			if n.Type == "Prepend" && n.Prepend == spmWhitespaceSep {
				return true
			}
		}
	}

	if p := t.PreTokenizer; p != nil && p.Type == "Metaspace" {
		switch {
		case p.PrependScheme != "":
			return p.PrependScheme != "never"
		case p.AddPrefixSpace != nil:
			return *p.AddPrefixSpace
		default:
			return true
		}
	}

	return false
}

func parseMerges(raw json.RawMessage) ([]string, error) {
	var merges []string
	if len(raw) == 0 {
		return nil, nil
	} else if err := json.Unmarshal(raw, &merges); err == nil {
		return merges, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("could not parse tokenizer merges. expected []string or [][]string: %w", err)
	}

	merges = make([]string, len(pairs))
	for i := range pairs {
		merges[i] = strings.Join(pairs[i], " ")
	}

	return merges, nil
}

func parseTokenizerJSON(bts []byte) (*Vocabulary, Options, error) {
	var t tokenizerJSON
	if err := json.Unmarshal(bts, &t); err != nil {
		return nil, Options{}, err
	}

	opts := Options{Model: t.Model.Type, AddDummyPrefix: t.addDummyPrefix()}
	vocab := &Vocabulary{}

	switch t.Model.Type {
	case ModelBPE:
		var m map[string]int32
		if err := json.Unmarshal(t.Model.Vocab, &m); err != nil {
			return nil, opts, err
		}

		vocab.Values = make([]string, len(m))
		vocab.Types = make([]int32, len(m))
		vocab.Scores = make([]float32, len(m))
		for value, id := range m {
			if id < 0 || int(id) >= len(m) {
				return nil, opts, fmt.Errorf("%w: %d for %q", ErrInvalidTokenID, id, value)
			}

			vocab.Values[id] = value
			vocab.Scores[id] = -float32(id)
			vocab.Types[id] = TOKEN_TYPE_NORMAL
			if _, ok := byteToken(value); ok {
				vocab.Types[id] = TOKEN_TYPE_BYTE
			} else if value == t.Model.UnkToken {
				vocab.Types[id] = TOKEN_TYPE_UNKNOWN
			}
		}

		merges, err := parseMerges(t.Model.Merges)
		if err != nil {
			return nil, opts, err
		}
		opts.Merges = merges
	case ModelUnigram:
		var pieces [][2]any
		if err := json.Unmarshal(t.Model.Vocab, &pieces); err != nil {
			return nil, opts, err
		}

		for i, piece := range pieces {
			value, ok := piece[0].(string)
			score, ok2 := piece[1].(float64)
			if !ok || !ok2 {
				return nil, opts, fmt.Errorf("invalid unigram piece %d: %v", i, piece)
			}

			vocab.Values = append(vocab.Values, value)
			vocab.Scores = append(vocab.Scores, float32(score))
			switch _, isByte := byteToken(value); {
			case isByte:
				vocab.Types = append(vocab.Types, TOKEN_TYPE_BYTE)
			case t.Model.UnkID != nil && *t.Model.UnkID == i:
				vocab.Types = append(vocab.Types, TOKEN_TYPE_UNKNOWN)
			default:
				vocab.Types = append(vocab.Types, TOKEN_TYPE_NORMAL)
			}
		}
	default:
		return nil, opts, fmt.Errorf("unsupported model %q", t.Model.Type)
	}

	slices.SortFunc(t.AddedTokens, func(a, b addedToken) int {
		return cmp.Compare(a.ID, b.ID)
	})

	for _, token := range t.AddedTokens {
		tokenType := int32(TOKEN_TYPE_USER_DEFINED)
		if token.Special {
			tokenType = TOKEN_TYPE_CONTROL
		}

		switch n := int32(len(vocab.Values)); {
		case token.ID < n:
			vocab.Values[token.ID] = token.Content
			if vocab.Types[token.ID] != TOKEN_TYPE_UNKNOWN {
				vocab.Types[token.ID] = tokenType
			}
		case token.ID == n:
			vocab.Values = append(vocab.Values, token.Content)
			vocab.Types = append(vocab.Types, tokenType)
			vocab.Scores = append(vocab.Scores, 0)
		default:
			return nil, opts, fmt.Errorf("%w: added token %q has id %d, vocabulary has %d", ErrInvalidTokenID, token.Content, token.ID, n)
		}
	}

	return vocab, opts, nil
}

// SentencePiece model proto field numbers.
const (
	modelPieces         protowire.Number = 1
	modelTrainerSpec    protowire.Number = 2
	modelNormalizerSpec protowire.Number = 3

	pieceValue protowire.Number = 1
	pieceScore protowire.Number = 2
	pieceType  protowire.Number = 3

	trainerModelType protowire.Number = 3

	normalizerAddDummyPrefix protowire.Number = 3
)

// Trainer model types.
const (
	modelTypeUnigram = 1
	modelTypeBPE     = 2
)

// fields walks the fields of a serialised message.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}

		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}

	return nil
}

func parseSentencePieceModel(bts []byte) (*Vocabulary, Options, error) {
	vocab := &Vocabulary{}
	opts := Options{AddDummyPrefix: true}
	modelType := uint64(modelTypeUnigram)

	err := fields(bts, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case modelPieces:
			value, score, tokenType := "", float32(0), uint64(TOKEN_TYPE_NORMAL)
			if err := fields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == pieceValue && typ == protowire.BytesType:
					v, n := protowire.ConsumeBytes(b)
					value = string(v)
					return n, nil
				case num == pieceScore && typ == protowire.Fixed32Type:
					v, n := protowire.ConsumeFixed32(b)
					score = math.Float32frombits(v)
					return n, nil
				case num == pieceType && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					tokenType = v
					return n, nil
				}
				return 0, nil
			}); err != nil {
				return 0, err
			}

			vocab.Values = append(vocab.Values, value)
			vocab.Scores = append(vocab.Scores, score)
			vocab.Types = append(vocab.Types, int32(tokenType))
		case modelTrainerSpec:
			if err := fields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == trainerModelType && typ == protowire.VarintType {
					v, n := protowire.ConsumeVarint(b)
					modelType = v
					return n, nil
				}
				return 0, nil
			}); err != nil {
				return 0, err
			}
		case modelNormalizerSpec:
			if err := fields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == normalizerAddDummyPrefix && typ == protowire.VarintType {
					v, n := protowire.ConsumeVarint(b)
					opts.AddDummyPrefix = protowire.DecodeBool(v)
					return n, nil
				}
				return 0, nil
			}); err != nil {
				return 0, err
			}
		}

		return n, nil
	})
	if err != nil {
		return nil, opts, err
	}

	switch modelType {
	case modelTypeUnigram:
		opts.Model = ModelUnigram
	case modelTypeBPE:
		opts.Model = ModelBPE
	default:
		return nil, opts, fmt.Errorf("unsupported model type %d", modelType)
	}

	return vocab, opts, nil
}

// addedTokens appends the tokens of an added_tokens.json next to a
// tokenizer.model.
func addedTokens(fsys fs.FS, vocab *Vocabulary) error {
	bts, err := fs.ReadFile(fsys, "added_tokens.json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var atm map[string]int32
	if err := json.Unmarshal(bts, &atm); err != nil {
		return err
	}

	type token struct {
		id      int32
		content string
	}

	var ts []token
	for content, id := range atm {
		ts = append(ts, token{id, content})
	}

	slices.SortFunc(ts, func(i, j token) int {
		return cmp.Compare(i.id, j.id)
	})

	n := int32(len(vocab.Values))
	for i, t := range ts {
		if t.id != n+int32(i) {
			return fmt.Errorf("%w: %d", ErrInvalidTokenID, t.id)
		}

		vocab.Values = append(vocab.Values, t.content)
		vocab.Scores = append(vocab.Scores, -1000.0)
		vocab.Types = append(vocab.Types, TOKEN_TYPE_USER_DEFINED)
	}

	return nil
}
