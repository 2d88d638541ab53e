package interfaces

import "context"

// Transcriber turns one utterance of audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer turns reply text into audio bytes
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
