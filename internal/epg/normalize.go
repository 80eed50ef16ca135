package epg

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	// bracketed content such as "(HD)" or "[UK]".
	bracketed = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	// qualityMarkers only match whole tokens, so "hdmi" survives.
	qualityMarkers = regexp.MustCompile(`\b(?:hd|sd|fhd|uhd|4k|720p|1080p|1080i)\b`)
	wordSeparators = regexp.MustCompile(`[\s\-_]+`)
)

// minSignificantLen is the length a normalized name or word must exceed to
// take part in fuzzy matching.
const minSignificantLen = 2

// NormalizeName lower-cases name, drops bracketed content and quality
// markers, then removes everything that is not a letter or digit.
func NormalizeName(name string) string {
	s := strings.ToLower(norm.NFC.String(name))
	s = bracketed.ReplaceAllString(s, " ")
	s = qualityMarkers.ReplaceAllString(s, " ")

	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}

		return -1
	}, s)
}

// significantWords splits name on whitespace, hyphens and underscores and
// keeps the lower-cased words longer than two characters.
func significantWords(name string) []string {
	parts := wordSeparators.Split(strings.ToLower(strings.TrimSpace(name)), -1)
	words := make([]string, 0, len(parts))

	for _, p := range parts {
		if utf8.RuneCountInString(p) > minSignificantLen {
			words = append(words, p)
		}
	}

	return words
}

func isSignificant(s string) bool {
	return utf8.RuneCountInString(s) > minSignificantLen
}
