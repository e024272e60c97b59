package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type piece struct {
	text  string
	score float32
	typ   int32
}

func newVocabulary(typ VocabType, pieces ...piece) *Vocabulary {
	values := make([]string, len(pieces))
	scores := make([]float32, len(pieces))
	types := make([]int32, len(pieces))
	for i, p := range pieces {
		values[i] = p.text
		scores[i] = p.score
		types[i] = p.typ
		if types[i] == TOKEN_TYPE_UNDEFINED {
			types[i] = TOKEN_TYPE_NORMAL
		}
	}

	return NewVocabulary(typ, values, scores, types)
}

// withBytes appends a <0xHH> byte token for every byte value.
func withBytes(pieces ...piece) []piece {
	for b := range 256 {
		pieces = append(pieces, piece{text: fmt.Sprintf("<0x%02X>", b), typ: TOKEN_TYPE_BYTE})
	}

	return pieces
}

// lookup returns the ids of texts, failing the test when one is missing.
func lookup(t *testing.T, v *Vocabulary, texts ...string) []int32 {
	t.Helper()

	ids := make([]int32, len(texts))
	for i, text := range texts {
		ids[i] = v.Encode(text)
		if ids[i] < 0 {
			t.Fatalf("%q not in vocabulary", text)
		}
	}

	return ids
}

func TestVocabulary_SpecialVocabulary(t *testing.T) {
	vocab := &Vocabulary{
		Values: []string{"<|startoftext|>", "<|endoftext|>", "<|tool_call_start|>", "<|tool_call_end|>", "hi"},
		Types:  []int32{TOKEN_TYPE_CONTROL, TOKEN_TYPE_CONTROL, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_NORMAL},
	}

	specialVocab := vocab.SpecialVocabulary()

	if len(specialVocab) != 4 {
		t.Errorf("expected 4 special tokens, got %d", len(specialVocab))
	}
}

func TestNewVocabulary(t *testing.T) {
	cases := []struct {
		typ    VocabType
		values []string
		lf     int32
	}{
		{VocabTypeSPM, []string{"a", "<0x0A>"}, 1},
		{VocabTypeSPM, []string{"\n", "a"}, 0},
		{VocabTypeSPM, []string{"a", "Ċ"}, -1},
		{VocabTypeBPE, []string{"a", "Ċ"}, 1},
		{VocabTypeBPE, []string{"a", "b"}, -1},
	}

	for _, tt := range cases {
		v := NewVocabulary(tt.typ, tt.values, nil, nil)
		if v.LF != tt.lf {
			t.Errorf("%v %q: expected linefeed %d, got %d", tt.typ, tt.values, tt.lf, v.LF)
		}

		for _, special := range []Special{SpecialBOS, SpecialEOS, SpecialUNK, SpecialSEP, SpecialPAD} {
			if id := v.ID(special); id != -1 {
				t.Errorf("expected %s unset, got %d", special, id)
			}
		}
	}
}

func TestVocabularySetType(t *testing.T) {
	v := NewVocabulary(VocabTypeSPM, []string{"a", "Ċ"}, nil, nil)
	if v.LF != -1 {
		t.Fatalf("expected no linefeed, got %d", v.LF)
	}

	v.SetType(VocabTypeBPE)
	if v.Type != VocabTypeBPE || v.LF != 1 {
		t.Errorf("expected bpe with linefeed 1, got %v with %d", v.Type, v.LF)
	}

	v.SetType(VocabTypeSPM)
	if v.LF != -1 {
		t.Errorf("expected linefeed cleared, got %d", v.LF)
	}
}

func TestVocabularyOverride(t *testing.T) {
	v := newVocabulary(VocabTypeSPM, piece{text: "<s>"}, piece{text: "</s>"}, piece{text: "<|endoftext|>"})
	v.BOS = 0

	if !v.Override(SpecialEOS, "<|endoftext|>") {
		t.Error("expected override to succeed")
	}

	if v.EOS != 2 {
		t.Errorf("expected eos 2, got %d", v.EOS)
	}

	if v.Override(SpecialBOS, "<missing>") {
		t.Error("expected override to miss")
	}

	if v.BOS != 0 {
		t.Errorf("expected bos to keep 0, got %d", v.BOS)
	}

	if v.Override(SpecialBOS, "") {
		t.Error("expected empty name to miss")
	}

	if !v.Is(2, SpecialEOS) || v.Is(2, SpecialBOS) || v.Is(-1, SpecialSEP) {
		t.Error("unexpected Is result")
	}
}

func TestVocabularyEncodeFirstWins(t *testing.T) {
	v := newVocabulary(VocabTypeSPM, piece{text: "a"}, piece{text: "<pad>", typ: TOKEN_TYPE_USER_DEFINED}, piece{text: "<pad>", typ: TOKEN_TYPE_USER_DEFINED})
	if id := v.Encode("<pad>"); id != 1 {
		t.Errorf("expected 1, got %d", id)
	}

	if id := v.Encode("missing"); id != -1 {
		t.Errorf("expected -1, got %d", id)
	}
}

func TestVocabularyValidate(t *testing.T) {
	cases := []struct {
		name  string
		vocab func() *Vocabulary
		err   error
		fails bool
	}{
		{
			name: "valid",
			vocab: func() *Vocabulary {
				return newVocabulary(VocabTypeSPM, withBytes(piece{text: "a"}, piece{text: "b"})...)
			},
		},
		{
			name: "types length",
			vocab: func() *Vocabulary {
				v := newVocabulary(VocabTypeSPM, piece{text: "a"})
				v.Types = append(v.Types, TOKEN_TYPE_NORMAL)
				return v
			},
			fails: true,
		},
		{
			name: "spm scores length",
			vocab: func() *Vocabulary {
				return NewVocabulary(VocabTypeSPM, []string{"a"}, nil, nil)
			},
			fails: true,
		},
		{
			name: "bpe without scores",
			vocab: func() *Vocabulary {
				return NewVocabulary(VocabTypeBPE, []string{"a"}, nil, nil)
			},
		},
		{
			name: "special out of range",
			vocab: func() *Vocabulary {
				v := newVocabulary(VocabTypeSPM, piece{text: "a"})
				v.BOS = 1
				return v
			},
			err:   ErrInvalidTokenID,
			fails: true,
		},
		{
			name: "duplicate normal token",
			vocab: func() *Vocabulary {
				return newVocabulary(VocabTypeSPM, piece{text: "a"}, piece{text: "a"})
			},
			fails: true,
		},
		{
			name: "duplicate user defined token",
			vocab: func() *Vocabulary {
				return newVocabulary(VocabTypeSPM, piece{text: "a"}, piece{text: "a", typ: TOKEN_TYPE_USER_DEFINED})
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.vocab().Validate()
			if tt.fails != (err != nil) {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestParseMerge(t *testing.T) {
	cases := []struct {
		in   string
		want MergePair
		ok   bool
	}{
		{"a b", MergePair{"a", "b"}, true},
		{"Ġ t", MergePair{"Ġ", "t"}, true},
		{"  a", MergePair{" ", "a"}, true},
		{"ab cd", MergePair{"ab", "cd"}, true},
		{"a b c", MergePair{"a", "b c"}, true},
		{"ab", MergePair{}, false},
		{"abc", MergePair{}, false},
		{"", MergePair{}, false},
	}

	for _, tt := range cases {
		got, ok := ParseMerge(tt.in)
		if ok != tt.ok {
			t.Errorf("%q: expected ok %v", tt.in, tt.ok)
		}

		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%q: mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestRanks(t *testing.T) {
	t.Run("from merges", func(t *testing.T) {
		v := NewVocabulary(VocabTypeBPE, []string{"a", "b", "c"}, nil, nil)
		v.Merges = []string{"a b", "b c", "a b", "bad"}

		cases := []struct {
			left, right string
			want        int
		}{
			{"a", "b", 0},
			{"b", "c", 1},
			{"c", "a", -1},
			{"bad", "", -1},
		}

		for _, tt := range cases {
			if got := v.Rank(tt.left, tt.right); got != tt.want {
				t.Errorf("%q %q: expected rank %d, got %d", tt.left, tt.right, tt.want, got)
			}
		}
	})

	t.Run("populated", func(t *testing.T) {
		v := NewVocabulary(VocabTypeBPE, []string{"a", "b", "c"}, nil, nil)
		v.Merges = []string{"c a"}
		v.PopulateRanks([]MergePair{{"b", "c"}, {"a", "b"}, {"b", "c"}})

		if got := v.Rank("b", "c"); got != 0 {
			t.Errorf("expected first rank to win, got %d", got)
		}

		if got := v.Rank("a", "b"); got != 1 {
			t.Errorf("expected rank 1, got %d", got)
		}

		if got := v.Rank("c", "a"); got != -1 {
			t.Errorf("expected populated ranks to replace merges, got %d", got)
		}
	})
}

func TestAddBOS(t *testing.T) {
	v := newVocabulary(VocabTypeSPM, piece{text: "<s>", typ: TOKEN_TYPE_CONTROL}, piece{text: "a"})

	if got := v.addBOS([]int32{1}); !cmp.Equal(got, []int32{1}) {
		t.Errorf("expected ids unchanged without bos, got %v", got)
	}

	v.BOS = 0
	if got := v.addBOS([]int32{1, 1}); !cmp.Equal(got, []int32{0, 1, 1}) {
		t.Errorf("expected bos prepended, got %v", got)
	}
}
