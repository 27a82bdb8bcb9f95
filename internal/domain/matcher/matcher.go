// Package matcher decides whether a keyword matches an already-lowercased
// message body. The keyword's own shape selects one of three disjoint
// regimes (phrase, symbolic, word), and any candidate occurrence overlapping
// a platform mention token is rejected. Word boundaries use Unicode
// classification, with a byte-level fast path for pure-ASCII keywords.
package matcher

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// mentionPattern matches every platform mention token shape: user mentions
// (<@123>, <@!123>), role mentions (<&123>), channel mentions (<#123>), and
// custom/animated emoji (<:name:123>, <a:name:123>).
var mentionPattern = regexp.MustCompile(`<(@!?|&|#|a?:[a-zA-Z0-9_]*:)[0-9]+>`)

// span is an inclusive byte range [Start, End]; overlap is inclusive on
// both ends, so even a one-byte intersection with a mention counts.
type span struct {
	Start, End int
}

func overlaps(a, b span) bool {
	return a.Start <= b.End && a.End >= b.Start
}

// Matches reports whether keyword matches content under the regime implied
// by keyword's own shape. Both inputs must already be lowercased by the
// caller.
func Matches(keyword, content string) bool {
	if keyword == "" {
		return false
	}

	mentions := mentionSpans(content)

	switch regimeOf(keyword) {
	case regimePhrase:
		return matchPhrase(keyword, content, mentions)
	case regimeSymbolic:
		return matchSymbolic(keyword, content, mentions)
	default:
		return matchWord(keyword, content, mentions)
	}
}

type regime int

const (
	regimeWord regime = iota
	regimeSymbolic
	regimePhrase
)

// regimeOf classifies a keyword: whitespace anywhere selects phrase
// mode; otherwise any non-alphanumeric rune selects symbolic mode; a purely
// alphanumeric keyword selects word mode.
func regimeOf(keyword string) regime {
	hasNonAlnum := false
	for _, r := range keyword {
		if unicode.IsSpace(r) {
			return regimePhrase
		}
		if !isWordRune(r) {
			hasNonAlnum = true
		}
	}
	if hasNonAlnum {
		return regimeSymbolic
	}
	return regimeWord
}

// isWordRune is the Unicode word-character predicate used throughout,
// mirroring the regex \w class: letters, digits, combining marks, and
// connector punctuation. Marks matter for scripts like Burmese, where a
// word-final vowel sign is a mark, not a letter.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || unicode.Is(unicode.Pc, r)
}

// isASCII reports whether every rune in s is ASCII, enabling byte-level
// boundary checks.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func isWordByteASCII(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

func mentionSpans(content string) []span {
	idx := mentionPattern.FindAllStringIndex(content, -1)
	if len(idx) == 0 {
		return nil
	}
	spans := make([]span, len(idx))
	for i, m := range idx {
		spans[i] = span{Start: m[0], End: m[1] - 1}
	}
	return spans
}

func overlapsAnyMention(m span, mentions []span) bool {
	for _, mention := range mentions {
		if overlaps(m, mention) {
			return true
		}
	}
	return false
}

// matchPhrase implements regime 1: an occurrence of keyword counts only if
// it sits on a word boundary on both sides (or at the start/end of content)
// and does not overlap a mention token; any one such occurrence is a match.
func matchPhrase(keyword, content string, mentions []span) bool {
	ascii := isASCII(keyword)

	searchFrom := 0
	for {
		rel := strings.Index(content[searchFrom:], keyword)
		if rel < 0 {
			return false
		}
		start := searchFrom + rel
		end := start + len(keyword) // exclusive

		if boundaryOK(content, start, end, ascii) {
			m := span{Start: start, End: end - 1}
			if !overlapsAnyMention(m, mentions) {
				return true
			}
		}

		// Advance by one byte past the match start so overlapping
		// occurrences are still found.
		searchFrom = start + 1
		if searchFrom > len(content) {
			return false
		}
	}
}

func boundaryOK(content string, start, end int, ascii bool) bool {
	if ascii {
		if start > 0 && isWordByteASCII(content[start-1]) {
			return false
		}
		if end < len(content) && isWordByteASCII(content[end]) {
			return false
		}
		return true
	}

	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(content[:start])
		if isWordRune(prev) {
			return false
		}
	}
	if end < len(content) {
		next, _ := utf8.DecodeRuneInString(content[end:])
		if isWordRune(next) {
			return false
		}
	}
	return true
}

// matchSymbolic implements regime 2: a raw substring search anywhere in
// content, rejecting only occurrences that overlap a mention token.
func matchSymbolic(keyword, content string, mentions []span) bool {
	searchFrom := 0
	for {
		rel := strings.Index(content[searchFrom:], keyword)
		if rel < 0 {
			return false
		}
		start := searchFrom + rel
		end := start + len(keyword)

		m := span{Start: start, End: end - 1}
		if !overlapsAnyMention(m, mentions) {
			return true
		}
		searchFrom = start + 1
		if searchFrom > len(content) {
			return false
		}
	}
}

// matchWord implements regime 3: split content on runs of non-word
// characters and require an exact fragment match, again rejecting
// fragments that overlap a mention token.
func matchWord(keyword, content string, mentions []span) bool {
	start := -1
	flush := func(end int) bool {
		if start < 0 {
			return false
		}
		defer func() { start = -1 }()
		if content[start:end] != keyword {
			return false
		}
		m := span{Start: start, End: end - 1}
		return !overlapsAnyMention(m, mentions)
	}

	i := 0
	for i < len(content) {
		r, size := utf8.DecodeRuneInString(content[i:])
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
		} else if flush(i) {
			return true
		}
		i += size
	}
	return flush(len(content))
}
