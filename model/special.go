package model

import "strings"

// fragment is a piece of the input and, for special tokens, its id.
type fragment struct {
	value string
	ids   []int32
}

// splitSpecialTokens cuts s around every control or user defined token text
// that occurs in it. Scanning left to right, the earliest match wins and the
// longest token wins among matches at the same offset.
func splitSpecialTokens(s string, vocab *Vocabulary) []fragment {
	var specials []string
	for _, special := range vocab.SpecialVocabulary() {
		if special != "" && strings.Contains(s, special) {
			specials = append(specials, special)
		}
	}

	if len(specials) == 0 {
		return []fragment{{value: s}}
	}

	var fragments []fragment
	for s != "" {
		idx, match := -1, ""
		for _, special := range specials {
			i := strings.Index(s, special)
			if i < 0 {
				continue
			}

			if idx < 0 || i < idx || (i == idx && len(special) > len(match)) {
				idx, match = i, special
			}
		}

		if idx < 0 {
			fragments = append(fragments, fragment{value: s})
			break
		}

		if idx > 0 {
			fragments = append(fragments, fragment{value: s[:idx]})
		}

		fragments = append(fragments, fragment{value: match, ids: []int32{vocab.Encode(match)}})
		s = s[idx+len(match):]
	}

	return fragments
}
