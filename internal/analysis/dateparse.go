package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// monthNames maps lowercase three-letter English month prefixes to their
// month number. Longer spellings ("november") match on their prefix.
var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// normalizeDate canonicalises a date-bearing value to YYYY-MM-DD. The input
// is trimmed of surrounding whitespace and punctuation first; anything
// shorter than four characters after trimming is rejected outright, as is
// anything that fails to parse. Rejection yields "" rather than an error so
// bad data fails the quorum check instead of crashing the pass.
//
// When the input does not visibly carry the parsed four-digit year (at the
// start for yearfirst inputs, otherwise at either end, since our own output
// is year-first) the year portion is stripped, leaving "-MM-DD".
func normalizeDate(s string, dayfirst, yearfirst bool) string {
	trimmed := strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len([]rune(trimmed)) < 4 {
		return ""
	}

	d, ok := parseDate(trimmed, dayfirst, yearfirst)
	if !ok {
		return ""
	}
	if !d.hasYear {
		return fmt.Sprintf("-%02d-%02d", d.month, d.day)
	}

	y := strconv.Itoa(d.year)
	present := strings.HasPrefix(trimmed, y)
	if !present && !yearfirst {
		present = strings.HasSuffix(trimmed, y)
	}
	if !present {
		return fmt.Sprintf("-%02d-%02d", d.month, d.day)
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.year, d.month, d.day)
}

type parsedDate struct {
	year, month, day int
	hasYear          bool
}

type numToken struct {
	value  int
	digits int
}

// parseDate interprets a trimmed string as a date using dayfirst/yearfirst
// hints for ambiguous all-numeric forms. It accepts numeric tokens separated
// by any non-alphanumeric runs plus English month names. It is deliberately
// strict: any alphabetic token that is not a month name fails the parse.
func parseDate(s string, dayfirst, yearfirst bool) (parsedDate, bool) {
	var nums []numToken
	month := 0

	for i := 0; i < len(s); {
		r := rune(s[i])
		switch {
		case unicode.IsDigit(r):
			j := i
			for j < len(s) && unicode.IsDigit(rune(s[j])) {
				j++
			}
			if len(nums) == 3 {
				return parsedDate{}, false
			}
			v, err := strconv.Atoi(s[i:j])
			if err != nil {
				return parsedDate{}, false
			}
			nums = append(nums, numToken{value: v, digits: j - i})
			i = j
		case unicode.IsLetter(r):
			j := i
			for j < len(s) && unicode.IsLetter(rune(s[j])) {
				j++
			}
			word := strings.ToLower(s[i:j])
			if len(word) < 3 {
				return parsedDate{}, false
			}
			m, ok := monthNames[word[:3]]
			if !ok || month != 0 {
				return parsedDate{}, false
			}
			month = m
			i = j
		default:
			i++
		}
	}

	// A token of three or more digits can only be a year.
	year, hasYear := 0, false
	leadingYear := false
	rest := nums[:0:0]
	for i, n := range nums {
		if n.digits >= 3 {
			if hasYear {
				return parsedDate{}, false
			}
			year = n.value
			hasYear = true
			leadingYear = i == 0
			continue
		}
		rest = append(rest, n)
	}
	// A leading four-digit year means an ISO-style year-month-day layout;
	// the dayfirst hint only disambiguates forms with the year last. This is
	// also what keeps normalisation idempotent: our own output is year-first.
	if leadingYear {
		dayfirst = false
	}

	// Three short tokens means a two-digit year at the hinted end.
	if !hasYear && len(rest) == 3 {
		if yearfirst {
			year = expandYear(rest[0].value)
			rest = rest[1:]
		} else {
			year = expandYear(rest[len(rest)-1].value)
			rest = rest[:len(rest)-1]
		}
		hasYear = true
	}

	day := 0
	switch {
	case month != 0:
		switch len(rest) {
		case 0:
			day = 1
		case 1:
			day = rest[0].value
		default:
			return parsedDate{}, false
		}
	case len(rest) == 2:
		if dayfirst {
			day, month = rest[0].value, rest[1].value
		} else {
			month, day = rest[0].value, rest[1].value
		}
		if month > 12 && day <= 12 {
			day, month = month, day
		}
	case len(rest) == 1 && hasYear:
		month, day = rest[0].value, 1
	default:
		// A bare year or nothing at all carries no month information.
		return parsedDate{}, false
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return parsedDate{}, false
	}
	return parsedDate{year: year, month: month, day: day, hasYear: hasYear}, true
}

// expandYear maps a two-digit year onto 19xx/20xx with a fixed pivot.
func expandYear(v int) int {
	if v >= 100 {
		return v
	}
	if v < 70 {
		return 2000 + v
	}
	return 1900 + v
}
