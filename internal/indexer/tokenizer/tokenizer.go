// Package tokenizer turns a record's text into index terms. Text is
// lower-cased, split on non-alphanumeric boundaries, filtered against a
// stop-word list and reduced by a suffix stemmer.
package tokenizer

import (
	"strings"
	"unicode"
)

var defaultStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Token is a normalised term and its position among the kept words.
type Token struct {
	Term     string
	Position int
}

// Analyzer holds the normalisation settings. The zero value keeps every
// word of at least one character and neither stems nor drops stop-words.
type Analyzer struct {
	MinLength int
	Stem      bool
	StopWords map[string]struct{}
}

// Default is the analyzer used for indexing and for query terms.
var Default = Analyzer{MinLength: 2, Stem: true, StopWords: defaultStopWords}

// Tokenize splits text into tokens in order of appearance.
func (a Analyzer) Tokenize(text string) []Token {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words))
	for _, word := range words {
		if term, ok := a.normalize(word); ok {
			tokens = append(tokens, Token{Term: term, Position: len(tokens)})
		}
	}
	return tokens
}

// Terms returns the distinct terms of text in order of first appearance.
func (a Analyzer) Terms(text string) []string {
	tokens := a.Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t.Term]; ok {
			continue
		}
		seen[t.Term] = struct{}{}
		terms = append(terms, t.Term)
	}
	return terms
}

// Term normalises a single query word. ok is false when the word would not
// be indexed.
func (a Analyzer) Term(word string) (string, bool) {
	return a.normalize(strings.ToLower(strings.TrimSpace(word)))
}

func (a Analyzer) normalize(word string) (string, bool) {
	if len(word) < max(a.MinLength, 1) {
		return "", false
	}
	if _, stop := a.StopWords[word]; stop {
		return "", false
	}
	if a.Stem {
		word = stem(word)
	}
	return word, word != ""
}

// Tokenize analyzes text with the Default analyzer.
func Tokenize(text string) []Token { return Default.Tokenize(text) }

// Terms analyzes text with the Default analyzer.
func Terms(text string) []string { return Default.Terms(text) }

var suffixRules = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// stem strips the first matching suffix when enough of the word remains.
func stem(word string) string {
	for _, rule := range suffixRules {
		if !strings.HasSuffix(word, rule.suffix) {
			continue
		}
		if stemmed := word[:len(word)-len(rule.suffix)] + rule.replacement; len(stemmed) >= rule.minLen {
			return stemmed
		}
	}
	return word
}
