package wake

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoKeywords is returned when a keywords file defines no phrase.
var ErrNoKeywords = errors.New("wake: keywords file defines no phrase")

// Keyword is one line of a keyword-spotter keywords file.
//
// The file format is one phrase per line: whitespace-separated model tokens,
// optionally followed by ":boost", "#threshold" and "@label" annotations.
// Blank lines and lines starting with '#' are ignored.
type Keyword struct {
	// Tokens are the model tokens making up the phrase.
	Tokens []string

	// Label is the "@label" annotation, or the tokens joined without spaces
	// when no label is given.
	Label string
}

// ParseKeywords reads the phrase set from r.
func ParseKeywords(r io.Reader) ([]Keyword, error) {
	var out []Keyword
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var kw Keyword
		for _, f := range strings.Fields(line) {
			switch f[0] {
			case '@':
				kw.Label = f[1:]
			case ':', '#':
			default:
				kw.Tokens = append(kw.Tokens, f)
			}
		}
		if len(kw.Tokens) == 0 {
			continue
		}
		if kw.Label == "" {
			kw.Label = strings.Join(kw.Tokens, "")
		}
		out = append(out, kw)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wake: read keywords: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoKeywords
	}
	return out, nil
}

// LoadKeywords opens path and parses it with [ParseKeywords].
func LoadKeywords(path string) ([]Keyword, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wake: open keywords file: %w", err)
	}
	defer f.Close()
	kws, err := ParseKeywords(f)
	if err != nil {
		return nil, fmt.Errorf("wake: %s: %w", path, err)
	}
	return kws, nil
}

// Labels returns the label of every keyword, in file order.
func Labels(kws []Keyword) []string {
	out := make([]string, len(kws))
	for i, k := range kws {
		out[i] = k.Label
	}
	return out
}
