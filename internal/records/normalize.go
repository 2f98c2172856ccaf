package records

import (
	"html"
	"math"
	"regexp"
	"strings"
)

var (
	markupSpanPattern = regexp.MustCompile(`(?is)<(sup|sub)\b[^>]*>.*?</(?:sup|sub)\s*>`)
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	footnotePattern   = regexp.MustCompile(`\[[^\]]*\]`)
	digitRunPattern   = regexp.MustCompile("[0-9][0-9, \u00a0]*")
)

// CleanName strips footnote markers and markup from a raw table cell and trims
// the result. It never fails; unparseable input degrades to best-effort text.
func CleanName(raw string) string {
	name := markupSpanPattern.ReplaceAllString(raw, "")
	name = tagPattern.ReplaceAllString(name, "")
	name = html.UnescapeString(name)
	name = footnotePattern.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, "^", "")
	return strings.TrimSpace(name)
}

// ParsePopulation reads the first digit run in raw, allowing comma, space and
// non-breaking space group separators. Trailing text such as "(17.3%)" is ignored.
func ParsePopulation(raw string) (int64, error) {
	run := digitRunPattern.FindString(raw)
	if run == "" {
		return 0, &MalformedNumberError{Input: raw, Reason: "no digit run found"}
	}

	var value int64
	for _, r := range run {
		if r < '0' || r > '9' {
			continue
		}
		digit := int64(r - '0')
		if value > (math.MaxInt64-digit)/10 {
			return 0, &MalformedNumberError{Input: raw, Reason: "value overflows int64"}
		}
		value = value*10 + digit
	}
	return value, nil
}

// CleanDate trims the as-of text and drops footnote markers, falling back to
// DateUnknown when nothing remains.
func CleanDate(raw string) string {
	date := footnotePattern.ReplaceAllString(raw, "")
	date = strings.TrimSpace(date)
	if date == "" {
		return DateUnknown
	}
	return date
}
