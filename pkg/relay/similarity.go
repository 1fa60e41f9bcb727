package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity scores how alike two texts are, in [0, 1]. Echo detection is
// fuzzy because the surface may echo transformed prompt text.
type Similarity func(a, b string) float64

// defaultSimilarity is a normalized Levenshtein ratio over trimmed input.
func defaultSimilarity(a, b string) float64 {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
