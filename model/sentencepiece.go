package model

import (
	"container/heap"
	"fmt"
	"strconv"
	"strings"

	"github.com/ollama/tokenizer/logutil"
)

const (
	spmWhitespaceSep = "▁"
	spmUnknown       = "\xe2\x96\x85"
)

type SentencePiece struct {
	vocab    *Vocabulary
	escape   EscapeMode
	specials bool
}

var _ TextProcessor = (*SentencePiece)(nil)

func (spm SentencePiece) Vocabulary() *Vocabulary {
	return spm.vocab
}

func NewSentencePiece(vocab *Vocabulary, opts ...Option) SentencePiece {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	counter := map[int32]int{}
	for i := range vocab.Values {
		counter[vocab.TokenType(int32(i))]++
	}

	logutil.Trace("Token counts", "normal", counter[TOKEN_TYPE_NORMAL], "unknown", counter[TOKEN_TYPE_UNKNOWN], "control", counter[TOKEN_TYPE_CONTROL],
		"user defined", counter[TOKEN_TYPE_USER_DEFINED], "unused", counter[TOKEN_TYPE_UNUSED], "byte", counter[TOKEN_TYPE_BYTE])

	return SentencePiece{
		vocab:    vocab,
		escape:   o.escape,
		specials: o.specials,
	}
}

func (spm SentencePiece) Is(id int32, special Special) bool {
	return spm.vocab.Is(id, special)
}

// Encode tokenizes s with the configured escape mode.
func (spm SentencePiece) Encode(s string, addBOS bool) ([]int32, error) {
	return spm.Tokenize(s, addBOS, spm.escape != EscapeNone)
}

// Tokenize converts s into token ids. When escape is set, spaces are replaced
// by the whitespace marker before splitting; with the prefix mode a marker is
// also put in front of the text.
func (spm SentencePiece) Tokenize(s string, addBOS, escape bool) ([]int32, error) {
	if s == "" {
		return nil, nil
	}

	mode := EscapeNone
	if escape {
		mode = spm.escape
		if mode == EscapeNone {
			mode = EscapePrefix
		}
	}

	fragments := []fragment{{value: s}}
	if spm.specials {
		fragments = splitSpecialTokens(s, spm.vocab)
	}

	var ids []int32
	for i, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		text := frag.value
		switch {
		case mode == EscapePrefix && i > 0:
			text = EscapeReplace.Escape(text)
		default:
			text = mode.Escape(text)
		}

		var err error
		if ids, err = spm.tokenize(text, ids); err != nil {
			return nil, err
		}
	}

	if addBOS {
		ids = spm.vocab.addBOS(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", logutil.IDs(ids))
	return ids, nil
}

// merged records the two halves a bigram was built from.
type merged struct {
	left, right int
	// n is the length of the left half when the bigram was queued
	n int
}

func (spm SentencePiece) tokenize(text string, ids []int32) ([]int32, error) {
	arena, err := split(text)
	if err != nil {
		return nil, err
	}

	q := &queue{}
	heap.Init(q)

	revMerge := make(map[string]merged)
	tryAdd := func(l, r int) {
		if l < 0 || r < 0 {
			return
		}

		token := arena.pair(l, r)
		id := spm.vocab.Encode(token)
		if id < 0 {
			return
		}

		heap.Push(q, &candidate{
			a:     l,
			b:     r,
			score: spm.vocab.Score(id),
			size:  len(token),
		})

		revMerge[token] = merged{left: l, right: r, n: arena.s[l].n}
	}

	for i := 1; i < arena.len(); i++ {
		tryAdd(i-1, i)
	}

	for q.Len() > 0 {
		pair := heap.Pop(q).(*candidate)
		if arena.stale(pair.a, pair.b, pair.size) {
			continue
		}

		arena.merge(pair.a, pair.b)

		tryAdd(arena.s[pair.a].prev, pair.a)
		tryAdd(pair.a, arena.s[pair.a].next)
	}

	for i := range arena.all {
		sym := arena.s[i]
		if ids, err = spm.resegment(text, sym.offset, sym.n, revMerge, ids); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

// resegment emits the ids for text[offset:offset+n]. Spans that are not tokens
// are split along their recorded merge, left half first, or fall back to one
// byte token per byte.
func (spm SentencePiece) resegment(text string, offset, n int, revMerge map[string]merged, ids []int32) ([]int32, error) {
	type span struct{ offset, n int }

	stack := []span{{offset, n}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		token := text[s.offset : s.offset+s.n]
		if id := spm.vocab.Encode(token); id >= 0 {
			ids = append(ids, id)
			continue
		}

		if m, ok := revMerge[token]; ok && m.n > 0 && m.n < s.n {
			stack = append(stack, span{s.offset + m.n, s.n - m.n}, span{s.offset, m.n})
			continue
		}

		for i := range s.n {
			b := token[i]
			id := spm.vocab.byteToken(b)
			if id < 0 {
				return nil, fmt.Errorf("%w: <0x%02X> at offset %d", ErrMissingByteFallback, b, s.offset+i)
			}

			ids = append(ids, id)
		}
	}

	return ids, nil
}

type candidate struct {
	a, b  int
	score float32
	size  int
}

type queue []*candidate

func (q queue) Len() int { return len(q) }

// Less orders by score, highest first. Equal scores pop the pair further to
// the right first.
func (q queue) Less(i, j int) bool {
	return (q[i].score > q[j].score) || (q[i].score == q[j].score && q[i].a > q[j].a)
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x interface{}) {
	item := x.(*candidate)
	*q = append(*q, item)
}

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[0 : n-1]
	return item
}

// Detokenize returns the display bytes of a single token.
func (spm SentencePiece) Detokenize(id int32) ([]byte, error) {
	if !spm.vocab.valid(id) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidTokenID, id, spm.vocab.Size())
	}

	switch spm.vocab.TokenType(id) {
	case TOKEN_TYPE_NORMAL:
		return []byte(strings.ReplaceAll(spm.vocab.Decode(id), spmWhitespaceSep, " ")), nil
	case TOKEN_TYPE_UNKNOWN:
		return []byte(spmUnknown), nil
	case TOKEN_TYPE_BYTE:
		b, err := parseByteToken(spm.vocab.Decode(id))
		if err != nil {
			return nil, err
		}

		return []byte{b}, nil
	default:
		return []byte{}, nil
	}
}

func (spm SentencePiece) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		data, err := spm.Detokenize(id)
		if err != nil {
			return "", err
		}

		if _, err := sb.Write(data); err != nil {
			return "", err
		}
	}

	logutil.Trace("decoded", "ids", logutil.IDs(ids), "string", sb.String())
	return sb.String(), nil
}

// parseByteToken reads the byte out of a "<0xHH>" token.
func parseByteToken(s string) (byte, error) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || !strings.HasSuffix(s, ">") {
		return 0, fmt.Errorf("byte token %q is not of the form <0xHH>", s)
	}

	b, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("failed to parse hex byte: %w", err)
	}

	return byte(b), nil
}
