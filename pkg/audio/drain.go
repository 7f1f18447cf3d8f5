package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel (e.g. TTS audio
// after a cancelled playback) is no longer of interest.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
