package tts

// VoiceProfile selects the voice a provider synthesises with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// provider's configured default.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string
}

// Chunk is one piece of synthesised audio.
type Chunk struct {
	// Samples is mono int16 PCM at the provider's SampleRate.
	Samples []int16

	// Err is set on the last chunk of a stream that failed. Samples is empty
	// when Err is set.
	Err error
}
