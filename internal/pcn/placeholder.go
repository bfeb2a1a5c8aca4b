package pcn

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// UnverifiedSentinel replaces placeholders whose entries never verified.
const UnverifiedSentinel = "[unverified]"

var placeholderRe = regexp.MustCompile(`\[PCN:([^\]]+)\]`)

// Token renders the draft placeholder for a token ID.
func Token(tokenID string) string {
	return "[PCN:" + tokenID + "]"
}

// ResolvePlaceholders substitutes every placeholder in text with its
// verified value, or the unverified sentinel when no verified value
// exists.
func (v *Verifier) ResolvePlaceholders(text string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		id := strings.TrimSuffix(strings.TrimPrefix(match, "[PCN:"), "]")
		if value := v.ValueFor(id); value != "" {
			return value
		}
		return UnverifiedSentinel
	})
}

// Placeholders lists the token IDs referenced by text, in order.
func Placeholders(text string) []string {
	var out []string
	for _, match := range placeholderRe.FindAllStringSubmatch(text, -1) {
		out = append(out, match[1])
	}
	return out
}

// SQLProvenance records a digest of the guarded query rather than the
// query text, keeping step records free of table contents.
func SQLProvenance(sql string) map[string]string {
	sum := sha256.Sum256([]byte(sql))
	return map[string]string{"sql_hash": hex.EncodeToString(sum[:])[:16]}
}
