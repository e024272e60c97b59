package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

const (
	TOKEN_TYPE_UNDEFINED int32 = iota
	TOKEN_TYPE_NORMAL
	TOKEN_TYPE_UNKNOWN
	TOKEN_TYPE_CONTROL
	TOKEN_TYPE_USER_DEFINED
	TOKEN_TYPE_UNUSED
	TOKEN_TYPE_BYTE
)

type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
	SpecialUNK
	SpecialSEP
	SpecialPAD
	SpecialLF
)

func (s Special) String() string {
	switch s {
	case SpecialBOS:
		return "bos"
	case SpecialEOS:
		return "eos"
	case SpecialUNK:
		return "unk"
	case SpecialSEP:
		return "sep"
	case SpecialPAD:
		return "pad"
	case SpecialLF:
		return "linefeed"
	default:
		return fmt.Sprintf("special(%d)", int32(s))
	}
}

// MergePair is one entry of an ordered BPE merge list.
type MergePair struct {
	First, Second string
}

// Vocabulary is the token table shared by every tokenize call. It must not be
// mutated once tokenization starts; the lazily built lookup tables are guarded
// so concurrent readers are safe.
type Vocabulary struct {
	Type VocabType

	Values []string
	Types  []int32
	Scores []float32
	Merges []string

	// special token ids, -1 when absent
	BOS, EOS, UNK, SEP, PAD, LF int32

	// AddBOS is the vocabulary's own preference for a leading BOS token.
	AddBOS bool

	specialOnce sync.Once
	special     []string

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	ranks     map[MergePair]int
}

// NewVocabulary returns a vocabulary with every special id unset except the
// linefeed, which is detected from the token texts.
func NewVocabulary(typ VocabType, values []string, scores []float32, types []int32) *Vocabulary {
	v := &Vocabulary{
		Type:   typ,
		Values: values,
		Scores: scores,
		Types:  types,
		BOS:    -1,
		EOS:    -1,
		UNK:    -1,
		SEP:    -1,
		PAD:    -1,
	}

	v.LF = v.linefeed()
	return v
}

// SetType changes the tokenizer family and detects the linefeed again, since
// the byte-level "Ċ" only counts for BPE.
func (v *Vocabulary) SetType(typ VocabType) {
	v.Type = typ
	v.LF = v.linefeed()
}

func (v *Vocabulary) linefeed() int32 {
	for i, value := range v.Values {
		if value == "\n" || value == "<0x0A>" || (v.Type == VocabTypeBPE && value == "Ċ") {
			return int32(i)
		}
	}

	return -1
}

func (v *Vocabulary) Size() int {
	return len(v.Values)
}

func (v *Vocabulary) id(special Special) *int32 {
	switch special {
	case SpecialBOS:
		return &v.BOS
	case SpecialEOS:
		return &v.EOS
	case SpecialUNK:
		return &v.UNK
	case SpecialSEP:
		return &v.SEP
	case SpecialPAD:
		return &v.PAD
	case SpecialLF:
		return &v.LF
	default:
		return nil
	}
}

// ID returns the id configured for special, or -1.
func (v *Vocabulary) ID(special Special) int32 {
	if p := v.id(special); p != nil {
		return *p
	}

	return -1
}

func (v *Vocabulary) Is(id int32, special Special) bool {
	want := v.ID(special)
	return want >= 0 && id == want
}

// Override points special at the token named name. A name that is not in the
// vocabulary leaves the current id untouched and reports false.
func (v *Vocabulary) Override(special Special, name string) bool {
	p := v.id(special)
	if p == nil || name == "" {
		return false
	}

	id := v.Encode(name)
	if id < 0 {
		slog.Debug("special token override not found in vocabulary", "special", special, "token", name)
		return false
	}

	slog.Info("reset special token", "special", special, "token", name, "id", id)
	*p = id
	return true
}

func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			if _, ok := v.values[value]; !ok {
				v.values[value] = int32(i)
			}
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	return v.Values[id]
}

func (v *Vocabulary) Score(id int32) float32 {
	if int(id) < len(v.Scores) {
		return v.Scores[id]
	}

	return 0
}

func (v *Vocabulary) TokenType(id int32) int32 {
	if int(id) < len(v.Types) {
		return v.Types[id]
	}

	return TOKEN_TYPE_NORMAL
}

func (v *Vocabulary) valid(id int32) bool {
	return id >= 0 && int(id) < len(v.Values)
}

func (v *Vocabulary) SpecialVocabulary() []string {
	v.specialOnce.Do(func() {
		for i := range v.Values {
			switch v.TokenType(int32(i)) {
			case TOKEN_TYPE_CONTROL, TOKEN_TYPE_USER_DEFINED:
				if v.Values[i] != "" {
					v.special = append(v.special, v.Values[i])
				}
			}
		}
	})

	return v.special
}

// Validate checks what the tokenizers rely on: aligned slices, in
// range special ids and a token_to_id map that inverts id_to_token for every
// normal, byte and control entry.
func (v *Vocabulary) Validate() error {
	n := len(v.Values)
	if len(v.Types) != 0 && len(v.Types) != n {
		return fmt.Errorf("vocabulary has %d tokens but %d types", n, len(v.Types))
	}

	if v.Type == VocabTypeSPM && len(v.Scores) != n {
		return fmt.Errorf("vocabulary has %d tokens but %d scores", n, len(v.Scores))
	}

	for _, special := range []Special{SpecialBOS, SpecialEOS, SpecialUNK, SpecialSEP, SpecialPAD, SpecialLF} {
		if id := v.ID(special); id < -1 || int(id) >= n {
			return fmt.Errorf("%s token id %d: %w", special, id, ErrInvalidTokenID)
		}
	}

	for i, value := range v.Values {
		switch v.TokenType(int32(i)) {
		case TOKEN_TYPE_NORMAL, TOKEN_TYPE_BYTE, TOKEN_TYPE_CONTROL:
			if id := v.Encode(value); id != int32(i) {
				return fmt.Errorf("token %q at id %d is shadowed by id %d", value, i, id)
			}
		}
	}

	return nil
}

// ParseMerge splits a merge list line into its two halves. The search for the
// separator starts at the second byte so a leading space belongs to the first
// half.
func ParseMerge(s string) (MergePair, bool) {
	if len(s) < 3 {
		return MergePair{}, false
	}

	i := strings.IndexByte(s[1:], ' ')
	if i < 0 {
		return MergePair{}, false
	}

	i++
	return MergePair{First: s[:i], Second: s[i+1:]}, true
}

// PopulateRanks installs the BPE rank table. Rank is the position in pairs; a
// pair listed twice keeps its first rank. It is a load time operation and must
// happen before any tokenization.
func (v *Vocabulary) PopulateRanks(pairs []MergePair) {
	ranks := make(map[MergePair]int, len(pairs))
	for i, p := range pairs {
		if _, ok := ranks[p]; !ok {
			ranks[p] = i
		}
	}

	v.mergeOnce.Do(func() {})
	v.ranks = ranks
}

func (v *Vocabulary) ensureRanks() {
	v.mergeOnce.Do(func() {
		v.ranks = make(map[MergePair]int, len(v.Merges))
		for i, merge := range v.Merges {
			p, ok := ParseMerge(merge)
			if !ok {
				slog.Debug("skipping malformed merge", "merge", merge)
				continue
			}

			if _, ok := v.ranks[p]; !ok {
				v.ranks[p] = i
			}
		}
	})
}

// Rank returns the merge rank of the pair, or -1 when the pair never merges.
func (v *Vocabulary) Rank(left, right string) int {
	v.ensureRanks()
	if rank, ok := v.ranks[MergePair{left, right}]; ok {
		return rank
	}

	return -1
}

// byteToken returns the id of the <0xHH> fallback token for b.
func (v *Vocabulary) byteToken(b byte) int32 {
	return v.Encode(fmt.Sprintf("<0x%02X>", b))
}

func (v *Vocabulary) addBOS(ids []int32) []int32 {
	if v.BOS < 0 {
		slog.Warn("bos token requested but the vocabulary has none")
		return ids
	}

	if len(ids) > 0 && ids[0] == v.BOS {
		slog.Warn("adding bos token to prompt which already has it", "id", v.BOS)
	}

	slog.Debug("adding bos token to prompt", "id", v.BOS)
	return slices.Insert(ids, 0, v.BOS)
}
