// Package analysis implements the answer aggregation engine: free-text
// normalisation, rectangle clustering, majority voting, redundancy control
// and the per-task orchestrator that ties them together.
package analysis

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Normalize canonicalises a raw answer value according to the template rules.
// Rules apply in a fixed order (case, whitespace, punctuation, date) and the
// result is idempotent: normalising an already-normalised value is a no-op.
// Normalize never fails; an unparseable date degrades to the empty string,
// which simply fails that field's quorum check later.
func Normalize(raw string, rules RuleSet) string {
	s := raw

	switch rules.Case {
	case "title":
		s = titleCase(cases.Lower(language.Und).String(s))
	case "lower":
		s = cases.Lower(language.Und).String(s)
	case "upper":
		s = cases.Upper(language.Und).String(s)
	}

	switch rules.Whitespace {
	case "normalise":
		s = strings.Join(strings.Fields(s), " ")
	case "underscore":
		s = strings.Join(strings.Fields(s), "_")
	case "full_stop":
		s = strings.Join(strings.Fields(s), ".")
	}

	if rules.TrimPunctuation {
		s = strings.TrimFunc(s, unicode.IsPunct)
	}

	if rules.DateFormat {
		s = normalizeDate(s, rules.DayFirst, rules.YearFirst)
	}

	return s
}

// titleCase capitalises the first letter after every non-letter and lowers the
// rest, so "mc donald" becomes "Mc Donald". The input is lowercased before the
// call. We deliberately do not use cases.Title here: its Unicode word
// segmentation joins words across "_" and ".", which would break idempotence
// when combined with the underscore/full_stop whitespace rules.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToTitle(r))
			}
			prevLetter = true
		} else {
			b.WriteRune(r)
			prevLetter = false
		}
	}
	return b.String()
}
