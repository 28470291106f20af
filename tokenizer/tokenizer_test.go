package tokenizer

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func bpeTokenizerJSON(t *testing.T) []byte {
	t.Helper()

	values := []string{
		"<unk>", "<s>", "</s>", "<0x0A>", "<0x21>",
		"▁", "h", "e", "l", "o", "w", "r", "d",
		"he", "ll", "hell", "hello", "▁hello", "▁w", "or", "▁wor", "ld", "▁world",
	}

	vocab := make(map[string]int, len(values))
	for i, v := range values {
		vocab[v] = i
	}

	bts, err := json.Marshal(map[string]any{
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<unk>", "special": true},
			{"id": 1, "content": "<s>", "special": true},
			{"id": 2, "content": "</s>", "special": true},
		},
		"normalizer": map[string]any{
			"type": "Sequence",
			"normalizers": []map[string]any{
				{"type": "Prepend", "prepend": "▁"},
				{"type": "Replace"},
			},
		},
		"model": map[string]any{
			"type":          "BPE",
			"vocab":         vocab,
			"unk_token":     "<unk>",
			"byte_fallback": true,
			"merges": [][]string{
				{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"}, {"▁", "hello"},
				{"▁", "w"}, {"o", "r"}, {"▁w", "or"}, {"l", "d"}, {"▁wor", "ld"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	return bts
}

func loadJSON(t *testing.T, bts []byte) *SentencePiece {
	t.Helper()

	tok, err := LoadFS(fstest.MapFS{"tokenizer.json": {Data: bts}}, "")
	if err != nil {
		t.Fatal(err)
	}

	return tok
}

func TestBPE(t *testing.T) {
	tok := loadJSON(t, bpeTokenizerJSON(t))

	cases := []struct {
		input  string
		tokens []string
		ids    []int32
	}{
		{"hello world", []string{"▁hello", "▁world"}, []int32{17, 22}},
		{"hello</s>", []string{"▁hello", "</s>"}, []int32{17, 2}},
		{"hi!\n", []string{"▁", "h", "<unk>", "<0x21>", "<0x0A>"}, []int32{5, 6, 0, 4, 3}},
		{"", nil, []int32{}},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			tokens := tok.Tokenize(tt.input)
			if diff := cmp.Diff(tt.tokens, tokens); diff != "" {
				t.Errorf("tokens mismatch (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(tt.ids, tok.ConvertTokensToIDs(tokens)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBPERoundTrip(t *testing.T) {
	tok := loadJSON(t, bpeTokenizerJSON(t))

	for _, s := range []string{"hello world", "world hello", "hello!\n", "rod"} {
		ids := tok.Encode(s, false)
		got, err := tok.Decode(ids)
		if err != nil {
			t.Fatal(err)
		}

		if got != s {
			t.Errorf("decode(encode(%q)) = %q", s, got)
		}
	}
}

func TestEncodeSpecials(t *testing.T) {
	tok := loadJSON(t, bpeTokenizerJSON(t))

	if diff := cmp.Diff([]int32{1, 17, 22}, tok.Encode("hello world", true)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	if !tok.Is(2, SpecialEOS) || tok.Is(1, SpecialEOS) || !tok.Is(1, SpecialBOS) {
		t.Error("unexpected special token ids")
	}

	tokens, err := tok.ConvertIDsToTokens([]int32{1, 17, 22, 2})
	if err != nil {
		t.Fatal(err)
	}

	if got := tok.ConvertTokensToString(tokens); got != "<s> hello world</s>" {
		t.Errorf("got %q", got)
	}

	if _, err := tok.ConvertIDsToTokens([]int32{23}); !errors.Is(err, ErrInvalidTokenID) {
		t.Errorf("expected %v, got %v", ErrInvalidTokenID, err)
	}

	if _, err := tok.Decode([]int32{-1}); !errors.Is(err, ErrInvalidTokenID) {
		t.Errorf("expected %v, got %v", ErrInvalidTokenID, err)
	}
}

func TestBPEScoreTies(t *testing.T) {
	vocab := &Vocabulary{
		Values: []string{"a", "aa"},
		Types:  []int32{TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL},
		Scores: []float32{0, -1},
	}

	tok, err := New(vocab, Options{Model: ModelBPE})
	if err != nil {
		t.Fatal(err)
	}

	// equal scores merge leftmost first
	if diff := cmp.Diff([]string{"aa", "aa", "a"}, tok.Tokenize("aaaaa")); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestUnigram(t *testing.T) {
	bts, err := json.Marshal(map[string]any{
		"added_tokens": []map[string]any{
			{"id": 1, "content": "<s>", "special": true},
			{"id": 2, "content": "</s>", "special": true},
		},
		"pre_tokenizer": map[string]any{"type": "Metaspace", "prepend_scheme": "first"},
		"model": map[string]any{
			"type":   "Unigram",
			"unk_id": 0,
			"vocab": [][]any{
				{"<unk>", 0}, {"<s>", 0}, {"</s>", 0},
				{"▁", -2}, {"▁he", -3}, {"llo", -3}, {"▁hello", -4},
				{"h", -5}, {"e", -5}, {"l", -5}, {"o", -5},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tok := loadJSON(t, bts)

	cases := []struct {
		input  string
		tokens []string
	}{
		{"hello", []string{"▁hello"}},
		{"hellox", []string{"▁hello", "<unk>"}},
		{"xx hello", []string{"▁", "<unk>", "▁hello"}},
		{"<s>hello", []string{"<s>", "h", "e", "llo"}},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			if diff := cmp.Diff(tt.tokens, tok.Tokenize(tt.input)); diff != "" {
				t.Errorf("tokens mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func appendPiece(b []byte, piece string, score float32, tokenType int) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, pieceValue, protowire.BytesType)
	msg = protowire.AppendString(msg, piece)
	msg = protowire.AppendTag(msg, pieceScore, protowire.Fixed32Type)
	msg = protowire.AppendFixed32(msg, math.Float32bits(score))
	if tokenType != TOKEN_TYPE_NORMAL {
		msg = protowire.AppendTag(msg, pieceType, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(tokenType))
	}

	b = protowire.AppendTag(b, modelPieces, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func sentencePieceModel() []byte {
	var b []byte
	b = appendPiece(b, "<unk>", 0, TOKEN_TYPE_UNKNOWN)
	b = appendPiece(b, "<s>", 0, TOKEN_TYPE_CONTROL)
	b = appendPiece(b, "</s>", 0, TOKEN_TYPE_CONTROL)
	b = appendPiece(b, "<0x41>", 0, TOKEN_TYPE_BYTE)
	b = appendPiece(b, "▁", -3, TOKEN_TYPE_NORMAL)
	b = appendPiece(b, "h", -4, TOKEN_TYPE_NORMAL)
	b = appendPiece(b, "i", -4, TOKEN_TYPE_NORMAL)
	b = appendPiece(b, "hi", -1, TOKEN_TYPE_NORMAL)
	b = appendPiece(b, "▁hi", -2, TOKEN_TYPE_NORMAL)

	var trainer []byte
	trainer = protowire.AppendTag(trainer, trainerModelType, protowire.VarintType)
	trainer = protowire.AppendVarint(trainer, modelTypeBPE)
	b = protowire.AppendTag(b, modelTrainerSpec, protowire.BytesType)
	return protowire.AppendBytes(b, trainer)
}

func TestSentencePieceModel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.model"), sentencePieceModel(), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{dir, filepath.Join(dir, "tokenizer.model")} {
		tok, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}

		tokens := tok.Tokenize("hiA hi")
		if diff := cmp.Diff([]string{"▁hi", "<0x41>", "▁hi"}, tokens); diff != "" {
			t.Errorf("tokens mismatch (-want +got):\n%s", diff)
		}

		if got := tok.ConvertTokensToString(tokens); got != "hiA hi" {
			t.Errorf("got %q", got)
		}

		if diff := cmp.Diff([]int32{1}, tok.Vocabulary().BOS); diff != "" {
			t.Errorf("bos mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestAddedTokens(t *testing.T) {
	fsys := fstest.MapFS{
		"tokenizer.model":   {Data: sentencePieceModel()},
		"added_tokens.json": {Data: []byte(`{"<pad>": 9}`)},
	}

	tok, err := LoadFS(fsys, "")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"▁hi", "<pad>"}, tok.Tokenize("hi<pad>")); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	fsys["added_tokens.json"] = &fstest.MapFile{Data: []byte(`{"<pad>": 12}`)}
	if _, err := LoadFS(fsys, ""); !errors.Is(err, ErrInvalidTokenID) {
		t.Errorf("expected %v, got %v", ErrInvalidTokenID, err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := LoadFS(fstest.MapFS{}, ""); err == nil {
		t.Error("expected an error without a tokenizer file")
	}

	if _, err := LoadFS(fstest.MapFS{"tokenizer.json": {Data: []byte(`{"model":{"type":"WordPiece"}}`)}}, ""); err == nil {
		t.Error("expected an error for an unsupported model")
	}

	if _, err := LoadFS(fstest.MapFS{"tokenizer.model": {Data: []byte{0xff}}}, ""); err == nil {
		t.Error("expected an error for a malformed model")
	}
}
