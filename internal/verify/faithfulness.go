package verify

import (
	"regexp"
	"strings"

	"veritor/internal/retrieval"
)

// DefaultFaithfulnessThreshold is the per-claim lexical overlap needed to
// count a claim as supported.
const DefaultFaithfulnessThreshold = 0.2

// DefaultFaithfulnessFloor is the overall faithfulness score below which
// the verifier raises an unsupported-claim issue.
const DefaultFaithfulnessFloor = 0.5

// Faithfulness summarizes claim-level grounding of an answer against the
// evidence pack. Score is nil when the answer contains no scoreable
// claims.
type Faithfulness struct {
	Score             *float64 `json:"score"`
	ClaimCount        int      `json:"claim_count"`
	SupportedCount    int      `json:"supported_count"`
	UnsupportedClaims []string `json:"unsupported_claims"`
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"in": true, "on": true, "for": true, "to": true, "with": true, "by": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "as": true,
	"that": true, "this": true, "it": true, "from": true, "at": true,
	"we": true, "you": true, "they": true, "their": true, "our": true, "your": true,
}

var wordSplitRe = regexp.MustCompile(`\W+`)

// ComputeFaithfulness extracts sentence-level claims from the answer and
// checks each against the pack by best Jaccard overlap of content tokens.
// Claims carrying a bracketed citation count as supported.
func ComputeFaithfulness(answer string, pack []retrieval.Evidence, threshold float64) Faithfulness {
	claims := ExtractClaims(answer)
	if len(claims) == 0 {
		return Faithfulness{}
	}

	evidence := make([]map[string]bool, 0, len(pack)*2)
	for _, item := range pack {
		if s := strings.TrimSpace(item.Snippet); s != "" {
			evidence = append(evidence, tokenSet(s))
		}
		if t := strings.TrimSpace(item.Title); t != "" {
			evidence = append(evidence, tokenSet(t))
		}
	}

	var supported int
	var unsupported []string
	for _, claim := range claims {
		if strings.Contains(claim, "[") && strings.Contains(claim, "]") {
			supported++
			continue
		}
		ctoks := tokenSet(claim)
		best := 0.0
		for _, etoks := range evidence {
			if score := jaccard(ctoks, etoks); score > best {
				best = score
				if best >= threshold {
					break
				}
			}
		}
		if best >= threshold {
			supported++
		} else {
			unsupported = append(unsupported, claim)
		}
	}

	score := float64(supported) / float64(len(claims))
	return Faithfulness{
		Score:             &score,
		ClaimCount:        len(claims),
		SupportedCount:    supported,
		UnsupportedClaims: unsupported,
	}
}

// ExtractClaims splits an answer into sentence-level claims, dropping
// trivially short and very long sentences.
func ExtractClaims(answer string) []string {
	const minWords, maxWords = 4, 50
	var claims []string
	seen := make(map[string]bool)
	for _, sent := range sentences(answer) {
		words := 0
		for _, w := range wordSplitRe.Split(sent, -1) {
			if w != "" {
				words++
			}
		}
		if words < minWords || words > maxWords || seen[sent] {
			continue
		}
		seen[sent] = true
		claims = append(claims, sent)
	}
	return claims
}

func sentences(text string) []string {
	raw := strings.ReplaceAll(text, "\n", ". ")
	var parts []string
	start := 0
	for i, ch := range raw {
		if ch == '.' || ch == '!' || ch == '?' {
			if seg := strings.TrimSpace(raw[start : i+1]); seg != "" {
				parts = append(parts, seg)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(raw[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range wordSplitRe.Split(strings.ToLower(text), -1) {
		if len(tok) > 1 && !stopwords[tok] {
			out[tok] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
