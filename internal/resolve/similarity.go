package resolve

import (
	"math"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/sydlexius/roadie/internal/normalize"
)

// tokenWeight keeps a pure token-set match ("snug the") below an exact match.
const tokenWeight = 0.95

// Score holds the similarity components between two normalized keys.
type Score struct {
	Edit   float64
	Tokens float64
}

// Value is the combined score.
func (s Score) Value() float64 {
	return math.Max(s.Edit, tokenWeight*s.Tokens)
}

// Compare scores two normalized keys.
func Compare(a, b string) Score {
	if a == "" || b == "" {
		return Score{}
	}
	if a == b {
		return Score{Edit: 1, Tokens: 1}
	}
	return Score{
		Edit:   strutil.Similarity(a, b, metrics.NewLevenshtein()),
		Tokens: tokenCosine(normalize.Tokens(a), normalize.Tokens(b)),
	}
}

// tokenCosine is the cosine similarity of the token frequency vectors.
func tokenCosine(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ca := counts(a)
	cb := counts(b)

	var dot float64
	for tok, n := range ca {
		dot += n * cb[tok]
	}
	if dot == 0 {
		return 0
	}
	return dot / (norm(ca) * norm(cb))
}

func counts(tokens []string) map[string]float64 {
	m := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

func norm(m map[string]float64) float64 {
	var sum float64
	for _, n := range m {
		sum += n * n
	}
	return math.Sqrt(sum)
}
