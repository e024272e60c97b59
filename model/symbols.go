package model

import "fmt"

// utf8Len is the byte length of a UTF-8 sequence indexed by the high nibble
// of its lead byte. Continuation bytes count as a single byte.
var utf8Len = [16]int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 2, 3, 4}

// symbol is a span of the input text. Symbols form a doubly linked list by
// index; a merged away symbol keeps its slot with n set to 0.
type symbol struct {
	offset, n  int
	prev, next int
}

// symbols is the per call arena over a single input string.
type symbols struct {
	text string
	s    []symbol
}

// split cuts text into one symbol per UTF-8 sequence, linked in order.
func split(text string) (*symbols, error) {
	arena := &symbols{text: text, s: make([]symbol, 0, len(text))}
	for offset := 0; offset < len(text); {
		n := utf8Len[text[offset]>>4]
		if offset+n > len(text) {
			return nil, fmt.Errorf("%w: %d byte sequence at offset %d exceeds input length %d", ErrMalformedInput, n, offset, len(text))
		}

		index := len(arena.s)
		next := index + 1
		if offset+n == len(text) {
			next = -1
		}

		arena.s = append(arena.s, symbol{offset: offset, n: n, prev: index - 1, next: next})
		offset += n
	}

	return arena, nil
}

func (a *symbols) len() int {
	return len(a.s)
}

func (a *symbols) str(i int) string {
	sym := a.s[i]
	return a.text[sym.offset : sym.offset+sym.n]
}

// pair returns the text spanned by l and r. r must follow l directly.
func (a *symbols) pair(l, r int) string {
	return a.text[a.s[l].offset : a.s[l].offset+a.s[l].n+a.s[r].n]
}

// merge absorbs r into l and unlinks r.
func (a *symbols) merge(l, r int) {
	left, right := &a.s[l], &a.s[r]
	left.n += right.n
	right.n = 0

	left.next = right.next
	if right.next >= 0 {
		a.s[right.next].prev = l
	}
}

// stale reports whether a queued candidate over l and r no longer describes
// two live neighbours of the recorded combined size.
func (a *symbols) stale(l, r, size int) bool {
	left, right := a.s[l], a.s[r]
	return left.n == 0 || right.n == 0 || left.n+right.n != size
}

// all walks the live symbols from head to tail.
func (a *symbols) all(yield func(int) bool) {
	if len(a.s) == 0 {
		return
	}

	for i := 0; i != -1; i = a.s[i].next {
		if !yield(i) {
			return
		}
	}
}
