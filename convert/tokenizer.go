package convert

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/ollama/tokenizer/model"
)

var ErrUnknownFormat = errors.New("unknown tokenizer format")

var byteTokenRe = regexp.MustCompile(`^<0x[0-9A-F]{2}>$`)

// specialTokenTypes are the tokenizer_config.json keys read as "<type>_token".
var specialTokenTypes = []string{"bos", "eos", "unk", "sep", "pad"}

// defaultSpecialTokens are tried when a vocabulary does not name its special
// tokens.
var defaultSpecialTokens = map[string][]string{
	"bos": {"<s>", "<|begin_of_text|>", "<|endoftext|>", "<bos>"},
	"eos": {"</s>", "<|end_of_text|>", "<|endoftext|>", "<eos>"},
	"unk": {"<unk>", "<|unk|>"},
	"sep": {"<sep>", "[SEP]"},
	"pad": {"<pad>", "[PAD]"},
}

type tokenizer struct {
	AddedTokens []token `json:"added_tokens"`
	Model       struct {
		Type         string          `json:"type"`
		Vocab        json.RawMessage `json:"vocab"`
		Merges       json.RawMessage `json:"merges"`
		ByteFallback bool            `json:"byte_fallback"`
		UnkID        *int            `json:"unk_id"`
		UnkToken     string          `json:"unk_token"`
	} `json:"model"`
}

type token struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	Special     bool   `json:"special"`
	UserDefined bool
}

// Vocabulary is the loader's view of a vocabulary before it is turned into a
// model.Vocabulary.
type Vocabulary struct {
	Model  string
	Tokens []string
	Scores []float32
	Types  []int32
	Merges []string
	UnkID  int
}

type SpecialVocabulary struct {
	Type     string
	ID       int
	Content  string
	AddToken bool
}

// LoadVocabulary reads the tokenizer files in dir.
func LoadVocabulary(dir string) (*model.Vocabulary, error) {
	return ParseVocabulary(os.DirFS(dir))
}

// ParseVocabulary builds a vocabulary from tokenizer.json, or from vocab.json
// and merges.txt, and applies the special tokens of tokenizer_config.json.
func ParseVocabulary(fsys fs.FS) (*model.Vocabulary, error) {
	v, err := parseVocabulary(fsys)
	if err != nil {
		return nil, err
	}

	typ, err := model.ParseVocabType(v.Model)
	if err != nil {
		return nil, err
	}

	vocab := model.NewVocabulary(typ, v.Tokens, v.Scores, v.Types)
	vocab.Merges = v.Merges
	if v.UnkID >= 0 && v.UnkID < len(v.Tokens) {
		vocab.UNK = int32(v.UnkID)
	}

	specials, err := parseSpecialVocabulary(fsys)
	if err != nil {
		return nil, err
	}

	for _, st := range specialTokenTypes {
		special := specialFor(st)
		i := slices.IndexFunc(specials, func(sv *SpecialVocabulary) bool { return sv.Type == st })
		if i >= 0 {
			if !vocab.Override(special, specials[i].Content) {
				slog.Warn("special token not in vocabulary", "type", st, "token", specials[i].Content)
			}

			if st == "bos" {
				vocab.AddBOS = specials[i].AddToken
			}
			continue
		}

		if vocab.ID(special) >= 0 {
			continue
		}

		for _, name := range defaultSpecialTokens[st] {
			if vocab.Override(special, name) {
				break
			}
		}
	}

	if err := vocab.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vocabulary: %w", err)
	}

	slog.Debug("loaded vocabulary", "type", vocab.Type, "tokens", vocab.Size(), "merges", len(vocab.Merges),
		"bos", vocab.BOS, "eos", vocab.EOS, "unk", vocab.UNK, "sep", vocab.SEP, "pad", vocab.PAD, "lf", vocab.LF)
	return vocab, nil
}

func specialFor(st string) model.Special {
	switch st {
	case "bos":
		return model.SpecialBOS
	case "eos":
		return model.SpecialEOS
	case "unk":
		return model.SpecialUNK
	case "sep":
		return model.SpecialSEP
	case "pad":
		return model.SpecialPAD
	}

	panic("unknown special vocabulary type")
}

func parseVocabulary(fsys fs.FS) (*Vocabulary, error) {
	patterns := []struct {
		Pattern string
		Func    func(fs.FS) (*Vocabulary, error)
	}{
		{"tokenizer.json", parseVocabularyFromTokenizer},
		{"vocab.json", parseVocabularyFromVocabMerges},
	}

	for _, pattern := range patterns {
		if _, err := fs.Stat(fsys, pattern.Pattern); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		v, err := pattern.Func(fsys)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pattern.Pattern, err)
		}

		return v, nil
	}

	return nil, ErrUnknownFormat
}

func parseVocabularyFromTokenizer(fsys fs.FS) (*Vocabulary, error) {
	f, err := fsys.Open("tokenizer.json")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var t tokenizer
	if err := json.NewDecoder(f).Decode(&t); err != nil {
		return nil, err
	}

	tokens := make(map[int]token)
	scores := make(map[int]float32)
	v := Vocabulary{UnkID: -1}

	switch t.Model.Type {
	case "BPE", "":
		var vocab map[string]int
		if len(t.Model.Vocab) > 0 {
			if err := json.Unmarshal(t.Model.Vocab, &vocab); err != nil {
				return nil, fmt.Errorf("could not parse bpe vocab: %w", err)
			}
		}

		for k, id := range vocab {
			tokens[id] = token{ID: id, Content: k}
			scores[id] = float32(id)
		}

		merges, err := parseMerges(t.Model.Merges)
		if err != nil {
			return nil, err
		}

		v.Model = "gpt2"
		v.Merges = merges
		if t.Model.ByteFallback {
			// sentencepiece models exported as BPE: earlier ids merge first
			v.Model = "llama"
			for id := range scores {
				scores[id] = -float32(id)
			}
		}

		if t.Model.UnkToken != "" {
			if id, ok := vocab[t.Model.UnkToken]; ok {
				v.UnkID = id
			}
		}
	case "Unigram":
		var pieces [][2]any
		if err := json.Unmarshal(t.Model.Vocab, &pieces); err != nil {
			return nil, fmt.Errorf("could not parse unigram vocab: %w", err)
		}

		for id, piece := range pieces {
			content, ok := piece[0].(string)
			if !ok {
				return nil, fmt.Errorf("unigram piece %d is not a string", id)
			}

			score, ok := piece[1].(float64)
			if !ok {
				return nil, fmt.Errorf("unigram piece %d has no score", id)
			}

			tokens[id] = token{ID: id, Content: content}
			scores[id] = float32(score)
		}

		v.Model = "llama"
		if t.Model.UnkID != nil {
			v.UnkID = *t.Model.UnkID
		}
	default:
		return nil, fmt.Errorf("%w: tokenizer model %q", model.ErrUnsupportedVocabType, t.Model.Type)
	}

	for _, token := range t.AddedTokens {
		token.UserDefined = !token.Special
		tokens[token.ID] = token
		if _, ok := scores[token.ID]; !ok {
			scores[token.ID] = -1000.0
		}
	}

	if err := v.fill(tokens, scores); err != nil {
		return nil, err
	}

	return &v, nil
}

// parseMerges accepts merges as a list of "a b" strings or of [a, b] pairs.
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		// noop; merges is empty
		return nil, nil
	}

	var merges []string
	if err := json.Unmarshal(raw, &merges); err == nil {
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

func parseVocabularyFromVocabMerges(fsys fs.FS) (*Vocabulary, error) {
	bts, err := fs.ReadFile(fsys, "vocab.json")
	if err != nil {
		return nil, err
	}

	var vocab map[string]int
	if err := json.Unmarshal(bts, &vocab); err != nil {
		return nil, fmt.Errorf("could not parse vocab.json: %w", err)
	}

	tokens := make(map[int]token, len(vocab))
	scores := make(map[int]float32, len(vocab))
	for k, id := range vocab {
		tokens[id] = token{ID: id, Content: k}
		scores[id] = float32(id)
	}

	if f, err := fsys.Open("added_tokens.json"); errors.Is(err, os.ErrNotExist) {
		// noop
	} else if err != nil {
		return nil, err
	} else {
		defer f.Close()

		var atm map[string]int
		if err := json.NewDecoder(f).Decode(&atm); err != nil {
			return nil, fmt.Errorf("could not parse added_tokens.json: %w", err)
		}

		for content, id := range atm {
			tokens[id] = token{ID: id, Content: content, UserDefined: true}
			scores[id] = -1000.0
		}
	}

	v := Vocabulary{Model: "gpt2", UnkID: -1}
	if f, err := fsys.Open("merges.txt"); errors.Is(err, os.ErrNotExist) {
		slog.Warn("vocab.json without merges.txt, no merges will be applied")
	} else if err != nil {
		return nil, err
	} else {
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" || strings.HasPrefix(line, "#version") {
				continue
			}

			v.Merges = append(v.Merges, line)
		}

		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("could not read merges.txt: %w", err)
		}
	}

	if err := v.fill(tokens, scores); err != nil {
		return nil, err
	}

	return &v, nil
}

// fill lays tokens out by id. Ids must be dense.
func (v *Vocabulary) fill(tokens map[int]token, scores map[int]float32) error {
	ids := slices.Sorted(maps.Keys(tokens))
	for i, id := range ids {
		if id != i {
			return fmt.Errorf("vocabulary is not dense: missing id %d", i)
		}

		token := tokens[id]
		v.Tokens = append(v.Tokens, token.Content)
		v.Scores = append(v.Scores, scores[id])

		switch {
		case id == v.UnkID:
			v.Types = append(v.Types, model.TOKEN_TYPE_UNKNOWN)
		case token.Special:
			v.Types = append(v.Types, model.TOKEN_TYPE_CONTROL)
		case token.UserDefined:
			v.Types = append(v.Types, model.TOKEN_TYPE_USER_DEFINED)
		case byteTokenRe.MatchString(token.Content):
			v.Types = append(v.Types, model.TOKEN_TYPE_BYTE)
		default:
			v.Types = append(v.Types, model.TOKEN_TYPE_NORMAL)
		}
	}

	return nil
}

func parseSpecialVocabulary(fsys fs.FS) ([]*SpecialVocabulary, error) {
	f, err := fsys.Open("tokenizer_config.json")
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var p map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("could not parse tokenizer_config.json: %w", err)
	}

	var svs []*SpecialVocabulary
	for _, st := range specialTokenTypes {
		sv := SpecialVocabulary{Type: st, ID: -1}
		if bts, ok := p[fmt.Sprintf("add_%s_token", st)]; ok {
			if err := json.Unmarshal(bts, &sv.AddToken); err != nil {
				return nil, err
			}
		}

		bts, ok := p[fmt.Sprintf("%s_token", st)]
		if !ok {
			continue
		}

		var content string
		if err := json.Unmarshal(bts, &content); err != nil {
			var mm map[string]any
			if err := json.Unmarshal(bts, &mm); err != nil {
				continue
			}

			content, ok = mm["content"].(string)
			if !ok {
				continue
			}
		}

		if content == "" {
			continue
		}

		sv.Content = content
		svs = append(svs, &sv)
	}

	return svs, nil
}
