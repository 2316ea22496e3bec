package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ollamaTranscribePrompt asks a vision model for a plain transcription of the label
const ollamaTranscribePrompt = `Transcribe all text visible on this food label exactly as printed, line by line.
Do not summarize, translate or add commentary. Output only the transcribed text.`

// Ollama talks to a local Ollama server. It can act as a vision text
// recognizer and as a text structurer.
// Recommended vision models for label transcription:
//   - llava:1.6
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
type Ollama struct {
	baseURL     string
	visionModel string
	client      *http.Client
}

// NewOllama creates an Ollama client. visionModel is only used for text recognition.
func NewOllama(baseURL string, visionModel string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if visionModel == "" {
		visionModel = "llava"
	}

	return &Ollama{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		client: &http.Client{
			// Stages apply their own per-attempt timeouts; this only guards against hung connections
			Timeout: 120 * time.Second,
		},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int32   `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ollamaError is a non-200 reply from the Ollama API
type ollamaError struct {
	StatusCode int
	Body       string
}

func (e *ollamaError) Error() string {
	return fmt.Sprintf("ollama API error (status %d): %s", e.StatusCode, e.Body)
}

// HTTPStatus lets ClassifyProviderError use the status code
func (e *ollamaError) HTTPStatus() int {
	return e.StatusCode
}

// RecognizeText asks the vision model to transcribe the label image
func (o *Ollama) RecognizeText(ctx context.Context, pngData []byte) (string, error) {
	reqBody := ollamaChatRequest{
		Model:  o.visionModel,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an OCR engine. You read text from images and reproduce it faithfully.",
			},
			{
				Role:    "user",
				Content: ollamaTranscribePrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
			},
		},
		Options: &ollamaOptions{Temperature: 0},
	}
	return o.chat(ctx, reqBody)
}

// Generate sends prompt to model and returns the reply text
func (o *Ollama) Generate(ctx context.Context, prompt, model string, opts GenerateOptions) (string, error) {
	reqBody := ollamaChatRequest{
		Model:  model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading nutrition labels. You reply with JSON only.",
			},
			{
				Role:    "user",
				Content: prompt,
			},
		},
		Options: &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxOutputTokens,
		},
	}
	return o.chat(ctx, reqBody)
}

func (o *Ollama) chat(ctx context.Context, reqBody ollamaChatRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ollamaError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return chatResp.Message.Content, nil
}

// Check verifies the server is reachable and the vision model is installed
func (o *Ollama) Check(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/tags", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ollamaError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decoding tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.visionModel || strings.TrimSuffix(m.Name, ":latest") == o.visionModel {
			return nil
		}
	}
	return fmt.Errorf("ollama model %q is not installed", o.visionModel)
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
