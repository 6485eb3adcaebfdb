package parse

import (
	"strings"
	"unicode"
)

// TermMatch reports occurrences of one search term within a page's text,
// with the sentences that contain it. Used to surface product mentions in
// fetched content.
type TermMatch struct {
	Term      string   `json:"term"`
	Count     int      `json:"count"`
	Sentences []string `json:"sentences"`
}

// FindTerms scans content for each term case-insensitively. Terms with no
// occurrences are omitted. Content and sentences are lowercased once up
// front; matching against large pages is the hot path here.
func FindTerms(content string, terms []string) []TermMatch {
	if len(content) == 0 || len(terms) == 0 {
		return nil
	}

	lowerContent := strings.ToLower(content)
	sentences := splitSentences(content)

	lowered := make([]string, len(sentences))
	for i, s := range sentences {
		lowered[i] = strings.ToLower(s)
	}

	results := make([]TermMatch, 0, len(terms))
	for _, term := range terms {
		lowerTerm := strings.ToLower(term)
		count := strings.Count(lowerContent, lowerTerm)
		if count == 0 {
			continue
		}

		var matched []string
		for i, ls := range lowered {
			if strings.Contains(ls, lowerTerm) {
				matched = append(matched, sentences[i])
			}
		}

		results = append(results, TermMatch{
			Term:      term,
			Count:     count,
			Sentences: matched,
		})
	}
	return results
}

// splitSentences naively splits on '.', '!' and '?', keeping the
// delimiter with its sentence.
func splitSentences(text string) []string {
	estimated := len(text) / 50
	if estimated < 1 {
		estimated = 1
	}

	sentences := make([]string, 0, estimated)
	start := 0

	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			end := i + 1
			for end < len(text) && unicode.IsSpace(rune(text[end])) {
				end++
			}
			if s := strings.TrimSpace(text[start:end]); s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}

	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}
