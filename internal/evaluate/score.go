package evaluate

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the and are for with from that this which who whom what when where how why
		its has have had was were been being not but any all can may shall should will would such than then
		there their them they these those also into onto upon other others some more most only own same very
		under over per via including include includes etc out off our your you his her him she`) {
		stopwords[w] = struct{}{}
	}
}

// Score compares an answer with the expected one. A normalised exact match
// scores 1; otherwise the score is the share of the expected answer's
// content words (three letters or more, stopwords removed) that appear in
// the answer.
func Score(expected, actual string) float64 {
	if normalize(expected) == normalize(actual) && normalize(expected) != "" {
		return 1
	}
	keywords := contentWords(expected)
	if len(keywords) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, w := range words(actual) {
		have[w] = struct{}{}
	}
	found := 0
	for _, k := range keywords {
		if _, ok := have[k]; ok {
			found++
		}
	}
	return float64(found) / float64(len(keywords))
}

func normalize(s string) string {
	return strings.Join(words(s), " ")
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// contentWords returns the distinct keywords of s in first-seen order.
func contentWords(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words(s) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
