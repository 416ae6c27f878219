package detect

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// defaultEntropyThreshold is the minimum Shannon entropy (bits/char) for a
// candidate string to be flagged as a potential secret.
const defaultEntropyThreshold = 4.5

// contextBoostReduction lowers the effective threshold when the candidate's
// line contains a secret-suggestive word.
const contextBoostReduction = 0.5

// minCandidateLen discards short tokens that entropy alone can't judge
// reliably.
const minCandidateLen = 8

var secretHints = []string{"password", "secret", "key", "token", "credential", "api_key", "private"}

var (
	base64Re = regexp.MustCompile(`[A-Za-z0-9+/=]{20,}`)
	hexRe    = regexp.MustCompile(`[0-9a-fA-F]{16,}`)
)

// EntropyMatcher flags candidate substrings whose Shannon entropy exceeds a
// threshold, tokenizing quoted strings, base64 blobs, and hex strings.
type EntropyMatcher struct{}

func (EntropyMatcher) Match(content []byte) []Hit {
	var out []Hit
	for _, line := range strings.Split(string(content), "\n") {
		lower := strings.ToLower(line)
		threshold := defaultEntropyThreshold
		if hasSecretContext(lower) {
			threshold -= contextBoostReduction
		}

		candidates := map[string]struct{}{}
		for _, q := range extractQuoted(line) {
			candidates[q] = struct{}{}
		}
		for _, re := range []*regexp.Regexp{base64Re, hexRe} {
			for _, m := range re.FindAllString(line, -1) {
				candidates[m] = struct{}{}
			}
		}

		for c := range candidates {
			if len(c) < minCandidateLen || isLikelyNotSecret(c) {
				continue
			}
			if ShannonEntropy(c) >= threshold {
				out = append(out, Hit{RuleID: "SEC-ENTROPY-001", Text: c})
			}
		}
	}
	return out
}

// ShannonEntropy computes the Shannon entropy of s in bits per character.
func ShannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := map[rune]float64{}
	for _, r := range s {
		freq[r]++
	}
	length := float64(len([]rune(s)))
	var entropy float64
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func hasSecretContext(lower string) bool {
	for _, h := range secretHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

func extractQuoted(line string) []string {
	var out []string
	for _, quote := range []byte{'"', '\''} {
		i := 0
		for i < len(line) {
			start := strings.IndexByte(line[i:], quote)
			if start == -1 {
				break
			}
			start += i
			end := strings.IndexByte(line[start+1:], quote)
			if end == -1 {
				break
			}
			end += start + 1
			value := line[start+1 : end]
			if len(value) >= minCandidateLen {
				out = append(out, value)
			}
			i = end + 1
		}
	}
	return out
}

func isLikelyNotSecret(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return true
	}
	allLower := true
	for _, r := range s {
		if !unicode.IsLetter(r) || !unicode.IsLower(r) {
			allLower = false
			break
		}
	}
	return allLower
}
