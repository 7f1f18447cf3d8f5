// Package phonetic scores how closely a heard fragment resembles a known
// phrase, so that a misrecognised wake phrase can still be identified.
//
// Latin-script text is compared in two stages. Double Metaphone codes are
// computed for every token; fragments sharing a code with the phrase are
// accepted at a lower Jaro-Winkler threshold than fragments that only look
// alike. Text Metaphone cannot encode, such as a Chinese wake phrase, is
// compared rune by rune with Jaro-Winkler alone.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a fragment
// that sounds like the phrase. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a fragment with
// no phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the default thresholds overridden by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Similar reports whether heard is close enough to phrase, and the
// Jaro-Winkler score it reached.
func (m *Matcher) Similar(heard, phrase string) (score float64, ok bool) {
	heard = strings.ToLower(strings.TrimSpace(heard))
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if heard == "" || phrase == "" {
		return 0, false
	}
	if heard == phrase {
		return 1, true
	}

	ht, pt := strings.Fields(heard), strings.Fields(phrase)
	if !encodable(heard) || !encodable(phrase) {
		score = matchr.JaroWinkler(strings.Join(ht, ""), strings.Join(pt, ""), false)
		return score, score >= m.fuzzyThreshold
	}

	score = bestJWScore(ht, pt, heard, phrase)
	if codesOverlap(codesForTokens(ht), codesForTokens(pt)) {
		return score, score >= m.phoneticThreshold
	}
	return score, score >= m.fuzzyThreshold
}

// Match returns the phrase heard most likely stands for. A phrase that
// matches phonetically beats one that only matches by spelling.
func (m *Matcher) Match(heard string, phrases []string) (phrase string, score float64, ok bool) {
	for _, p := range phrases {
		s, hit := m.Similar(heard, p)
		if hit && s > score {
			phrase, score, ok = p, s, true
		}
	}
	return phrase, score, ok
}

// encodable reports whether s is written in a script Double Metaphone can
// encode.
func encodable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && r > unicode.MaxLatin1 {
			return false
		}
	}
	return true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the strings with spaces removed ("hey moss" vs "heymoss"), and, when both
// sides have the same number of tokens, the weakest aligned token pair.
func bestJWScore(heardTokens, phraseTokens []string, heard, phrase string) float64 {
	score := matchr.JaroWinkler(heard, phrase, false)

	if len(heardTokens) > 1 || len(phraseTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(heardTokens, ""), strings.Join(phraseTokens, ""), false); s > score {
			score = s
		}
	}

	if len(heardTokens) == len(phraseTokens) && len(heardTokens) > 1 {
		worst := 1.0
		for i := range heardTokens {
			worst = min(worst, matchr.JaroWinkler(heardTokens[i], phraseTokens[i], false))
		}
		score = max(score, worst)
	}
	return score
}
