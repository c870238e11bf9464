package edge

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// fuzzyPenalty scales down edit-distance similarity so an approximate match
// never outranks an equally good literal one.
const fuzzyPenalty = 0.8

// stopwords are excluded from token-overlap scoring. Question filler like
// "what is" or "tell me" carries no intent signal and would otherwise dilute
// or inflate confidence on unrelated queries.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {},
	"is": {}, "are": {}, "was": {}, "be": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {},
	"i": {}, "me": {}, "my": {}, "you": {}, "your": {}, "it": {},
	"do": {}, "does": {}, "did": {}, "can": {}, "could": {}, "please": {},
	"what": {}, "whats": {}, "when": {}, "whens": {}, "how": {}, "hows": {},
	"say": {}, "tell": {},
}

// normalize lowercases the query, strips punctuation, and collapses runs of
// whitespace to single spaces. The `*` wildcard marker survives so patterns
// can be normalized with the same function.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true // swallow leading whitespace
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '*':
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || r == '-' || r == '/':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// tokens splits a normalized string into words.
func tokens(s string) []string {
	return strings.Fields(s)
}

// contentTokens returns the token set with stopwords removed.
func contentTokens(ts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		if _, stop := stopwords[t]; !stop {
			set[t] = struct{}{}
		}
	}
	return set
}

// scorePattern computes the confidence that query matches pattern. Both must
// already be normalized. For wildcard patterns the extracted entities are
// returned alongside the score; otherwise entities is nil.
//
// The score is the maximum of the independent signals, never their sum:
// exact equality (1.0), wildcard alignment, stopword-free token overlap,
// fuzzy edit-distance similarity (when enabled), and synonym-group overlap.
func scorePattern(pattern, query string, fuzzy bool, syn synonymTable) (float64, map[string]string) {
	if pattern == query {
		return 1.0, nil
	}
	if strings.Contains(pattern, "*") {
		return wildcardScore(pattern, query)
	}

	pt, qt := tokens(pattern), tokens(query)
	score := tokenOverlap(pt, qt)
	if fuzzy {
		if s := fuzzyScore(pt, qt); s > score {
			score = s
		}
	}
	if s := synonymOverlap(pt, qt, syn); s > score {
		score = s
	}
	return score, nil
}

// wildcardScore aligns a `*` template against the query: each literal token
// found in the query earns one credit, each wildcard earns one credit, and
// the total is normalized by the longer of the two token sequences.
func wildcardScore(pattern, query string) (float64, map[string]string) {
	pt, qt := tokens(pattern), tokens(query)
	if len(pt) == 0 || len(qt) == 0 {
		return 0, nil
	}

	qset := make(map[string]struct{}, len(qt))
	for _, t := range qt {
		qset[t] = struct{}{}
	}

	credits := 0
	for _, t := range pt {
		if t == "*" {
			credits++
			continue
		}
		if _, ok := qset[t]; ok {
			credits++
		}
	}

	longer := len(pt)
	if len(qt) > longer {
		longer = len(qt)
	}
	score := float64(credits) / float64(longer)
	if score > 1 {
		score = 1
	}

	entities := extractEntities(pt, qt)
	return score, entities
}

// tokenOverlap is a Jaccard-like score: shared content tokens over the larger
// content-token set.
func tokenOverlap(pt, qt []string) float64 {
	ps, qs := contentTokens(pt), contentTokens(qt)
	larger := len(ps)
	if len(qs) > larger {
		larger = len(qs)
	}
	if larger == 0 {
		return 0
	}

	shared := 0
	for t := range ps {
		if _, ok := qs[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(larger)
}

// fuzzyScore measures how well every pattern token is approximated by some
// query token, using Levenshtein distance scaled to a similarity in [0, 1],
// averaged over pattern tokens and penalized by fuzzyPenalty.
func fuzzyScore(pt, qt []string) float64 {
	if len(pt) == 0 || len(qt) == 0 {
		return 0
	}

	var sum float64
	for _, p := range pt {
		best := 0.0
		for _, q := range qt {
			if s := tokenSimilarity(p, q); s > best {
				best = s
			}
		}
		sum += best
	}
	return (sum / float64(len(pt))) * fuzzyPenalty
}

// phoneticSimilarity is the similarity floor granted to tokens whose Double
// Metaphone codes match. Spoken queries arrive through transcription, so
// homophone slips ("brake"/"break") deserve credit that raw edit distance
// withholds.
const phoneticSimilarity = 0.8

// tokenSimilarity converts Levenshtein distance into a similarity in [0, 1],
// with a phonetic floor for tokens that sound alike.
func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 1
	}
	sim := 0.0
	if d := matchr.Levenshtein(a, b); d < longer {
		sim = 1 - float64(d)/float64(longer)
	}
	if sim < phoneticSimilarity && soundsAlike(a, b) {
		sim = phoneticSimilarity
	}
	return sim
}

// soundsAlike reports whether two tokens share a Double Metaphone code,
// comparing primary and secondary codes both ways.
func soundsAlike(a, b string) bool {
	pa, sa := matchr.DoubleMetaphone(a)
	pb, sb := matchr.DoubleMetaphone(b)
	if pa == "" || pb == "" {
		return false
	}
	return pa == pb || pa == sb || (sa != "" && (sa == pb || sa == sb))
}

// synonymOverlap is tokenOverlap computed on canonicalized tokens, so that
// "clock" and "time" count as the same content token.
func synonymOverlap(pt, qt []string, syn synonymTable) float64 {
	if len(syn) == 0 {
		return 0
	}
	return tokenOverlap(syn.canonicalize(pt), syn.canonicalize(qt))
}

// extractEntities captures the query tokens covered by each `*` in the
// pattern, in order of appearance, as entity_0, entity_1, …
//
// A wildcard consumes query tokens up to (but not including) the next literal
// pattern token's occurrence in the query; a trailing wildcard consumes the
// rest of the query.
func extractEntities(pt, qt []string) map[string]string {
	entities := make(map[string]string)
	qi := 0
	n := 0

	for pi := 0; pi < len(pt); pi++ {
		if pt[pi] != "*" {
			// Advance past the literal token if it is present.
			for qi < len(qt) && qt[qi] != pt[pi] {
				qi++
			}
			if qi < len(qt) {
				qi++
			}
			continue
		}

		// Find where the capture stops: the next literal token's position
		// in the remaining query, or the end of the query.
		stop := len(qt)
		if pi+1 < len(pt) {
			next := pt[pi+1]
			for j := qi; j < len(qt); j++ {
				if qt[j] == next {
					stop = j
					break
				}
			}
		}

		if qi < stop {
			entities[entityKey(n)] = strings.Join(qt[qi:stop], " ")
		}
		n++
		qi = stop
	}
	return entities
}

func entityKey(n int) string {
	return fmt.Sprintf("entity_%d", n)
}
