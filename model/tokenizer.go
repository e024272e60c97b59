package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedInput       = errors.New("malformed utf-8 input")
	ErrMissingByteFallback  = errors.New("missing byte fallback token")
	ErrUnsupportedVocabType = errors.New("unsupported vocabulary type")
	ErrInvalidTokenID       = errors.New("invalid token id")
)

type VocabType int

const (
	VocabTypeSPM VocabType = iota
	VocabTypeBPE
)

func (t VocabType) String() string {
	switch t {
	case VocabTypeSPM:
		return "llama"
	case VocabTypeBPE:
		return "gpt2"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseVocabType maps the tokenizer model names found in model metadata to a
// VocabType.
func ParseVocabType(s string) (VocabType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "llama", "spm", "sentencepiece":
		return VocabTypeSPM, nil
	case "gpt2", "bpe":
		return VocabTypeBPE, nil
	default:
		return -1, fmt.Errorf("%w: %q", ErrUnsupportedVocabType, s)
	}
}

type TextProcessor interface {
	Encode(s string, addBOS bool) ([]int32, error)
	Decode([]int32) (string, error)
	Detokenize(id int32) ([]byte, error)
	Is(int32, Special) bool
	Vocabulary() *Vocabulary
}

type options struct {
	escape        EscapeMode
	specials      bool
	pretokenizers []string
}

type Option func(*options)

// WithEscapeMode selects how the SentencePiece tokenizer marks spaces when
// escaping is requested.
func WithEscapeMode(mode EscapeMode) Option {
	return func(o *options) {
		o.escape = mode
	}
}

// WithSpecialTokens makes Encode emit control and user defined tokens that
// appear literally in the input instead of tokenizing their text.
func WithSpecialTokens() Option {
	return func(o *options) {
		o.specials = true
	}
}

// WithPretokenizers replaces the default GPT-2 pre-tokenizer pattern.
func WithPretokenizers(patterns ...string) Option {
	return func(o *options) {
		o.pretokenizers = patterns
	}
}

// Tokenizer dispatches to the algorithm selected by the vocabulary type. Only
// one of the variants is set.
type Tokenizer struct {
	Type VocabType

	spm *SentencePiece
	bpe *BytePairEncoding
}

func NewTokenizer(vocab *Vocabulary, opts ...Option) (*Tokenizer, error) {
	switch vocab.Type {
	case VocabTypeSPM:
		spm := NewSentencePiece(vocab, opts...)
		return &Tokenizer{Type: vocab.Type, spm: &spm}, nil
	case VocabTypeBPE:
		bpe, err := NewBytePairEncoding(vocab, opts...)
		if err != nil {
			return nil, err
		}

		return &Tokenizer{Type: vocab.Type, bpe: &bpe}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVocabType, vocab.Type)
	}
}

func (t *Tokenizer) processor() (TextProcessor, error) {
	switch {
	case t == nil:
		return nil, ErrUnsupportedVocabType
	case t.Type == VocabTypeSPM && t.spm != nil:
		return t.spm, nil
	case t.Type == VocabTypeBPE && t.bpe != nil:
		return t.bpe, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVocabType, t.Type)
	}
}

// Tokenize converts text into token ids. escape only applies to the
// SentencePiece variant.
func (t *Tokenizer) Tokenize(text string, addBOS, escape bool) ([]int32, error) {
	switch {
	case t != nil && t.Type == VocabTypeSPM && t.spm != nil:
		return t.spm.Tokenize(text, addBOS, escape)
	case t != nil && t.Type == VocabTypeBPE && t.bpe != nil:
		return t.bpe.Encode(text, addBOS)
	}

	_, err := t.processor()
	return nil, err
}

func (t *Tokenizer) Detokenize(id int32) ([]byte, error) {
	p, err := t.processor()
	if err != nil {
		return nil, err
	}

	return p.Detokenize(id)
}

func (t *Tokenizer) Decode(ids []int32) (string, error) {
	p, err := t.processor()
	if err != nil {
		return "", err
	}

	return p.Decode(ids)
}

func (t *Tokenizer) Vocabulary() *Vocabulary {
	p, err := t.processor()
	if err != nil {
		return nil
	}

	return p.Vocabulary()
}

// EscapeMode is the whitespace escape convention of the SentencePiece
// tokenizer.
type EscapeMode int

const (
	// EscapePrefix prepends a marker and replaces every space with it.
	EscapePrefix EscapeMode = iota
	// EscapeReplace replaces every space with the marker.
	EscapeReplace
	// EscapeNone leaves the text as is.
	EscapeNone
)

func ParseEscapeMode(s string) (EscapeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prefix":
		return EscapePrefix, nil
	case "replace":
		return EscapeReplace, nil
	case "none", "off":
		return EscapeNone, nil
	default:
		return EscapePrefix, fmt.Errorf("unknown escape mode %q", s)
	}
}

func (m EscapeMode) String() string {
	switch m {
	case EscapePrefix:
		return "prefix"
	case EscapeReplace:
		return "replace"
	case EscapeNone:
		return "none"
	default:
		return fmt.Sprintf("escape(%d)", int(m))
	}
}

func (m EscapeMode) Escape(s string) string {
	switch m {
	case EscapePrefix:
		return spmWhitespaceSep + strings.ReplaceAll(s, " ", spmWhitespaceSep)
	case EscapeReplace:
		return strings.ReplaceAll(s, " ", spmWhitespaceSep)
	default:
		return s
	}
}

// Trim reverses the escape in detokenized text. Markers that were byte
// fallback encoded come back as raw bytes and are replaced here; prefix mode
// also drops the leading space.
func (m EscapeMode) Trim(decoded string) string {
	if m == EscapeNone {
		return decoded
	}

	decoded = strings.ReplaceAll(decoded, spmWhitespaceSep, " ")
	if m == EscapePrefix {
		return strings.TrimPrefix(decoded, " ")
	}

	return decoded
}
