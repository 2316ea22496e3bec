package scanning

import "context"

// TextRecognizer converts a PNG image into plain text
type TextRecognizer interface {
	// RecognizeText returns the raw text found in the image
	RecognizeText(ctx context.Context, pngData []byte) (string, error)
	// Check verifies the recognizer can be used
	Check(ctx context.Context) error
}

// GenerateOptions tune a single structurer call
type GenerateOptions struct {
	Temperature     float32
	MaxOutputTokens int32
}

// DefaultGenerateOptions keeps extraction output short and close to deterministic
var DefaultGenerateOptions = GenerateOptions{
	Temperature:     0.1,
	MaxOutputTokens: 512,
}

// TextStructurer sends a prompt to a generative text model
type TextStructurer interface {
	// Generate returns the model's text reply for prompt
	Generate(ctx context.Context, prompt, model string, opts GenerateOptions) (string, error)
	// Close releases provider resources
	Close() error
}
