package retriever

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const minMentionRunes = 2

// tail keeps the last maxRunes runes of s; recent text sits at the end of a
// conversation.
func tail(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-maxRunes:])
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// findMention returns the byte offset of the first standalone occurrence of
// name in text, or -1. Both must already be lowercased. Names written in CJK
// scripts match anywhere since those scripts do not separate words.
func findMention(text, name string) int {
	if utf8.RuneCountInString(name) < minMentionRunes {
		return -1
	}
	if hasCJK(name) {
		return strings.Index(text, name)
	}
	offset := 0
	for offset <= len(text)-len(name) {
		idx := strings.Index(text[offset:], name)
		if idx < 0 {
			return -1
		}
		start := offset + idx
		end := start + len(name)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(text) || !isWordRune(after)) {
			return start
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return -1
}
