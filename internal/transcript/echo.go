// Package transcript cleans up final transcripts before they reach the agent.
//
// Transcription starts the moment the wake phrase is spotted, so the service
// often hears the end of the phrase itself: "小莫，明天会下雨吗" or
// "moss what's the time". [EchoTrimmer] strips such a leading echo.
package transcript

import (
	"strings"
	"unicode"

	"github.com/mawwalker/moss/internal/transcript/phonetic"
)

// EchoTrimmer removes a leading wake-phrase echo from a transcript.
// It is read-only after construction and safe for concurrent use.
type EchoTrimmer struct {
	phrases []string
	matcher *phonetic.Matcher
}

// NewEchoTrimmer returns a trimmer for the given wake phrases. Empty phrases
// are ignored. A nil matcher selects [phonetic.New] defaults.
func NewEchoTrimmer(phrases []string, matcher *phonetic.Matcher) *EchoTrimmer {
	if matcher == nil {
		matcher = phonetic.New()
	}
	e := &EchoTrimmer{matcher: matcher}
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			e.phrases = append(e.phrases, p)
		}
	}
	return e
}

// Trim returns text without a leading echo of any wake phrase, and whether
// something was removed. Punctuation left dangling by the cut is removed too.
//
// The whole phrase is matched fuzzily; a shorter tail of the phrase only
// when it is heard exactly, so that ordinary words at the start of a
// command survive.
func (e *EchoTrimmer) Trim(text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, p := range e.phrases {
		if rest, ok := e.trimPhrase(text, p); ok {
			return strings.TrimLeftFunc(rest, isSeparator), true
		}
	}
	return text, false
}

func (e *EchoTrimmer) trimPhrase(text, phrase string) (string, bool) {
	if strings.ContainsFunc(phrase, unicode.IsSpace) {
		return e.trimWords(text, phrase)
	}
	return e.trimRunes(text, phrase)
}

// trimWords handles phrases written as space-separated words.
func (e *EchoTrimmer) trimWords(text, phrase string) (string, bool) {
	words := strings.Fields(text)
	pw := strings.Fields(phrase)
	for k := len(pw); k >= 1; k-- {
		if len(words) < k {
			continue
		}
		heard := make([]string, k)
		for i, w := range words[:k] {
			heard[i] = strings.TrimRightFunc(w, isSeparator)
		}
		tail := pw[len(pw)-k:]
		var ok bool
		if k == len(pw) {
			_, ok = e.matcher.Similar(strings.Join(heard, " "), phrase)
		} else {
			ok = strings.EqualFold(strings.Join(heard, " "), strings.Join(tail, " "))
		}
		if ok {
			return strings.Join(words[k:], " "), true
		}
	}
	return text, false
}

// trimRunes handles phrases without spaces, such as Chinese ones.
func (e *EchoTrimmer) trimRunes(text, phrase string) (string, bool) {
	tr, pr := []rune(text), []rune(phrase)
	for k := len(pr); k >= 2; k-- {
		if len(tr) < k {
			continue
		}
		heard, tail := string(tr[:k]), string(pr[len(pr)-k:])
		var ok bool
		if k == len(pr) {
			_, ok = e.matcher.Similar(heard, phrase)
		} else {
			ok = strings.EqualFold(heard, tail)
		}
		if ok {
			return string(tr[k:]), true
		}
	}
	return text, false
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
