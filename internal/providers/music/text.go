package music

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var tagCaser = cases.Lower(language.Und)

// NormalizeTags splits comma separated tag lists, lower-cases and NFC
// normalizes each tag, and drops blanks and duplicates keeping first order.
func NormalizeTags(values ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			tag := strings.Join(strings.Fields(tagCaser.String(norm.NFC.String(part))), " ")
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// NormalizeText NFC-normalizes free text such as lyrics and unifies line
// endings.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(norm.NFC.String(s))
}
