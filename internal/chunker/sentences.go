package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

// sentenceBoundary approximates sentence segmentation: a sentence ends at
// '.', '!', or '?' followed by one or more Unicode space characters. This
// is a regexp scan plus unicode.IsSpace trimming, not a full UAX #29
// implementation -- no repo in the retrieved pack vendors a Unicode
// sentence segmenter (golang.org/x/text itself never ships one; every pack
// go.mod that pulls it in does so only as an indirect dependency of
// something else), so there is no ecosystem library to ground this on, and
// it is built directly against Go's unicode package instead.
var sentenceBoundary = regexp.MustCompile(`[.!?]+[\s\p{Z}]+`)

// splitSentences segments text into trimmed, non-empty sentences, preserving
// order.
func splitSentences(text string) []string {
	if text == "" {
		return nil
	}
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	var sentences []string
	start := 0
	for _, loc := range locs {
		end := loc[1]
		if trimmed := strings.TrimFunc(text[start:end], unicode.IsSpace); trimmed != "" {
			sentences = append(sentences, trimmed)
		}
		start = end
	}
	if start < len(text) {
		if trimmed := strings.TrimFunc(text[start:], unicode.IsSpace); trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	return sentences
}
