package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

// VertexConfig selects the Google Cloud project used for Vertex AI
type VertexConfig struct {
	ProjectID       string
	Location        string
	CredentialsFile string // optional; application default credentials otherwise
}

// Vertex implements TextStructurer using Gemini models hosted on Vertex AI
type Vertex struct {
	client *genai.Client
}

// NewVertex creates a Vertex AI structurer
func NewVertex(ctx context.Context, cfg VertexConfig) (*Vertex, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("vertex project id is required")
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Location, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vertex client: %w", err)
	}
	return &Vertex{client: client}, nil
}

// Generate sends prompt to the named model
func (v *Vertex) Generate(ctx context.Context, prompt, model string, opts GenerateOptions) (string, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	m := v.client.GenerativeModel(model)
	m.SetTemperature(opts.Temperature)
	if opts.MaxOutputTokens > 0 {
		m.SetMaxOutputTokens(opts.MaxOutputTokens)
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no response from vertex")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// Close closes the Vertex AI client
func (v *Vertex) Close() error {
	return v.client.Close()
}
