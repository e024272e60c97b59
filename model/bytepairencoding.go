package model

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/ollama/tokenizer/logutil"
)

// gpt2Pretokenizer is the GPT-2 pre-tokenization pattern, e.g.
// https://github.com/huggingface/tokenizers/blob/main/tokenizers/src/pre_tokenizers/byte_level.rs#L44
const gpt2Pretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type BytePairEncoding struct {
	vocab    *Vocabulary
	regexps  []*regexp2.Regexp
	specials bool
}

var _ TextProcessor = (*BytePairEncoding)(nil)

// NewBytePairEncoding compiles the pre-tokenizers and builds the merge rank
// table of vocab so that Encode only reads shared state.
func NewBytePairEncoding(vocab *Vocabulary, opts ...Option) (BytePairEncoding, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	pretokenizers := o.pretokenizers
	if len(pretokenizers) == 0 {
		pretokenizers = []string{gpt2Pretokenizer}
	}

	regexps := make([]*regexp2.Regexp, 0, len(pretokenizers))
	for _, p := range pretokenizers {
		re, err := regexp2.Compile(p, regexp2.RE2)
		if err != nil {
			return BytePairEncoding{}, fmt.Errorf("invalid pretokenizer %q: %w", p, err)
		}

		regexps = append(regexps, re)
	}

	vocab.ensureRanks()
	logutil.Trace("bpe ranks", "merges", len(vocab.ranks), "tokens", len(vocab.Values))

	return BytePairEncoding{
		vocab:    vocab,
		regexps:  regexps,
		specials: o.specials,
	}, nil
}

func (bpe BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

func (bpe BytePairEncoding) Is(id int32, special Special) bool {
	return bpe.vocab.Is(id, special)
}

// split applies each pre-tokenizer in turn. Text between matches is kept as
// its own chunk so no input is dropped.
func (bpe *BytePairEncoding) split(s string) iter.Seq[string] {
	parts := []string{s}
	for _, re := range bpe.regexps {
		parts = slices.Collect(func(yield func(string) bool) {
			for _, part := range parts {
				r := []rune(part)
				var offset int
				for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
					if offset-m.Index != 0 {
						if !yield(string(r[offset:m.Index])) {
							return
						}
					}

					if !yield(m.String()) {
						return
					}

					offset = m.Index + m.Length
				}

				if offset < len(r) {
					if !yield(string(r[offset:])) {
						return
					}
				}
			}
		})
	}

	return slices.Values(parts)
}

// validUTF8 rejects input the rune based pre-tokenizer would rewrite: a
// sequence that overruns the text or any byte that does not decode.
func validUTF8(s string) error {
	for offset := 0; offset < len(s); {
		if n := utf8Len[s[offset]>>4]; offset+n > len(s) {
			return fmt.Errorf("%w: %d byte sequence at offset %d exceeds input length %d", ErrMalformedInput, n, offset, len(s))
		}

		r, n := utf8.DecodeRuneInString(s[offset:])
		if r == utf8.RuneError && n <= 1 {
			return fmt.Errorf("%w: invalid byte %#02x at offset %d", ErrMalformedInput, s[offset], offset)
		}

		offset += n
	}

	return nil
}

// byteLevel maps every byte of s to the printable rune GPT-2 vocabularies
// use for it.
func byteLevel(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for _, b := range []byte(s) {
		sb.WriteRune(byteToRune(b))
	}

	return sb.String()
}

func byteToRune(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		r = 0x0143
	case r <= 0x0020:
		r = r + 0x0100
	case r >= 0x007f && r <= 0x00a0:
		r = r + 0x00a2
	}

	return r
}

// runeToByte inverts byteToRune. Runes outside the byte-level alphabet
// report false.
func runeToByte(r rune) (byte, bool) {
	switch {
	case r == 0x0143:
		return 0xad, true
	case r >= 0x0100 && r <= 0x0120:
		return byte(r - 0x0100), true
	case r > 0x0120 && r <= 0x0142:
		return byte(r - 0x00a2), true
	case r <= 0x00ff:
		return byte(r), true
	default:
		return 0, false
	}
}

// pair is a pair of adjacent symbols and its rank
type pair struct {
	a, b  int
	rank  int
	size  int
	value string
}

// Encode tokenizes s. The escape convention of SentencePiece does not apply;
// spaces are carried by the byte-level alphabet.
func (bpe BytePairEncoding) Encode(s string, addBOS bool) ([]int32, error) {
	if s == "" {
		return nil, nil
	}

	if err := validUTF8(s); err != nil {
		return nil, err
	}

	fragments := []fragment{{value: s}}
	if bpe.specials {
		fragments = splitSpecialTokens(s, bpe.vocab)
	}

	var ids []int32
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for chunk := range bpe.split(frag.value) {
			var err error
			if ids, err = bpe.encodeChunk(byteLevel(chunk), ids); err != nil {
				return nil, err
			}
		}
	}

	if addBOS {
		ids = bpe.vocab.addBOS(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", logutil.IDs(ids))
	return ids, nil
}

func (bpe BytePairEncoding) encodeChunk(chunk string, ids []int32) ([]int32, error) {
	arena, err := split(chunk)
	if err != nil {
		return nil, err
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b < 0 {
			return nil
		}

		left, right := arena.str(a), arena.str(b)
		rank := bpe.vocab.Rank(left, right)
		if rank < 0 {
			return nil
		}

		value := left + right
		if bpe.vocab.Encode(value) < 0 {
			return nil
		}

		return &pair{
			a:     a,
			b:     b,
			rank:  rank,
			size:  len(value),
			value: value,
		}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}

		return cmp.Compare(i.a, j.a)
	})

	for i := 1; i < arena.len(); i++ {
		if pair := pairwise(i-1, i); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()
		if arena.stale(pair.a, pair.b, pair.size) {
			continue
		}

		arena.merge(pair.a, pair.b)

		if pair := pairwise(arena.s[pair.a].prev, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, arena.s[pair.a].next); pair != nil {
			pairs.Push(pair)
		}
	}

	for i := range arena.all {
		piece := arena.str(i)
		if id := bpe.vocab.Encode(piece); id >= 0 {
			ids = append(ids, id)
			continue
		}

		// a piece without a token breaks down into its bytes
		for _, r := range piece {
			if id := bpe.vocab.Encode(string(r)); id >= 0 {
				ids = append(ids, id)
				continue
			}

			b, _ := runeToByte(r)
			id := bpe.vocab.byteToken(b)
			if id < 0 {
				return nil, fmt.Errorf("%w: <0x%02X> in %q", ErrMissingByteFallback, b, piece)
			}

			ids = append(ids, id)
		}
	}

	return ids, nil
}

// Detokenize returns the raw bytes of a single token.
func (bpe BytePairEncoding) Detokenize(id int32) ([]byte, error) {
	if !bpe.vocab.valid(id) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidTokenID, id, bpe.vocab.Size())
	}

	switch bpe.vocab.TokenType(id) {
	case TOKEN_TYPE_NORMAL:
		value := bpe.vocab.Decode(id)
		data := make([]byte, 0, len(value))
		for _, r := range value {
			if b, ok := runeToByte(r); ok {
				data = append(data, b)
			} else {
				data = utf8.AppendRune(data, r)
			}
		}

		return data, nil
	case TOKEN_TYPE_UNKNOWN:
		return []byte(spmUnknown), nil
	case TOKEN_TYPE_BYTE:
		b, err := parseByteToken(bpe.vocab.Decode(id))
		if err != nil {
			return nil, err
		}

		return []byte{b}, nil
	default:
		return []byte{}, nil
	}
}

func (bpe BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		data, err := bpe.Detokenize(id)
		if err != nil {
			return "", err
		}

		if _, err := sb.Write(data); err != nil {
			return "", err
		}
	}

	logutil.Trace("decoded", "string", sb.String(), "from", logutil.IDs(ids))
	return sb.String(), nil
}
