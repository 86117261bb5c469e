package tts

import "context"

// Request is one synthesis call
type Request struct {
	Text     string // Text to speak
	Voice    string // Backend voice or timbre, sent as prompt_text
	RefAudio string // Path of the reference clip sent as prompt_wav
}

// Audio is a finished synthesis result
type Audio struct {
	Data        []byte
	ContentType string // audio/wav for every built-in backend
}

// Synthesizer converts text to audio on the backend bound to port
type Synthesizer interface {
	Generate(ctx context.Context, port int, req Request) (*Audio, error)
}
