// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. The entry point is SynthesizeStream, which accepts a
// channel of text fragments and returns a channel of PCM chunks as they become
// available, so that playback can start before the whole reply is
// synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel of audio
	// chunks in text order. The channel is closed when all text has been
	// synthesised, when ctx is cancelled, or after a chunk carrying Err.
	// The caller must drain the channel or cancel ctx.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan Chunk, error)

	// SampleRate reports the rate of the PCM the provider emits.
	SampleRate() int
}

// sentenceEnds are the characters that close a sentence for synthesis.
const sentenceEnds = ".!?;。！？；\n"

// SplitSentences cuts s after every sentence terminator and returns the
// complete sentences plus the unterminated remainder. Returned sentences are
// trimmed; empty ones are dropped.
//
// ASCII terminators only end a sentence when followed by whitespace or the
// end of s, so "3.14" and "e.g.," stay intact. Full-width terminators and
// newlines always end a sentence.
func SplitSentences(s string) (sentences []string, rest string) {
	start := 0
	for i, r := range s {
		if !strings.ContainsRune(sentenceEnds, r) {
			continue
		}
		end := i + len(string(r))
		if r < 0x80 && r != '\n' && end < len(s) && !isSpace(s[end]) {
			continue
		}
		if sent := strings.TrimSpace(s[start:end]); sent != "" {
			sentences = append(sentences, sent)
		}
		start = end
	}
	return sentences, s[start:]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Feed returns a closed channel that yields text once. It adapts a complete
// reply to the streaming SynthesizeStream input.
func Feed(text string) <-chan string {
	ch := make(chan string, 1)
	ch <- text
	close(ch)
	return ch
}
