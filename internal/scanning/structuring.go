package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// maxFailureMessage caps the provider message kept on an exhausted structuring error
const maxFailureMessage = 200

// requiredPayloadKeys must appear in every accepted structurer payload
var requiredPayloadKeys = []string{"productName", "calories", "allergens"}

// StructuringConfig configures a StructuringStage
type StructuringConfig struct {
	Model         string
	FallbackModel string // used once if Model is reported unavailable
	Options       GenerateOptions
	Policy        RetryPolicy
}

// StructuringStage turns recognized label text into a validated JSON payload
type StructuringStage struct {
	structurer TextStructurer
	cfg        StructuringConfig
}

// NewStructuringStage creates a StructuringStage with the default options and policy
func NewStructuringStage(structurer TextStructurer, model, fallbackModel string) *StructuringStage {
	return NewStructuringStageWithConfig(structurer, StructuringConfig{
		Model:         model,
		FallbackModel: fallbackModel,
		Options:       DefaultGenerateOptions,
		Policy:        StructuringPolicy,
	})
}

// NewStructuringStageWithConfig creates a StructuringStage from an explicit config
func NewStructuringStageWithConfig(structurer TextStructurer, cfg StructuringConfig) *StructuringStage {
	return &StructuringStage{
		structurer: structurer,
		cfg:        cfg,
	}
}

// Structure asks the structurer to extract nutrition JSON from text.
// Authentication and quota failures abort at once; other failures are
// retried until the policy is exhausted.
func (s *StructuringStage) Structure(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &Error{Code: CodeEmptyResponse, Stage: StageStructuring, Err: errors.New("no text to structure")}
	}
	if hasRecognitionSentinel(text) {
		return "", &Error{Code: CodeNoTextDetected, Stage: StageStructuring, Err: errors.New("input carries a recognition error")}
	}

	prompt := BuildPrompt(text)
	model := s.cfg.Model
	fellBack := false

	var (
		payload  string
		lastErr  error
		lastCode Code
		attempts int
	)
	err := s.cfg.Policy.run(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		out, err := callText(ctx, func(ctx context.Context) (string, error) {
			return s.structurer.Generate(ctx, prompt, model, s.cfg.Options)
		})
		if err != nil {
			code := ClassifyProviderError(err)
			lastErr, lastCode = err, code
			slog.Warn("Structuring attempt failed",
				"attempt", attempt,
				"model", model,
				"code", code,
				"error", err,
			)

			switch code {
			case CodeAuth, CodeQuotaExceeded:
				return err
			case CodeModelUnavailable:
				if !fellBack && s.cfg.FallbackModel != "" && s.cfg.FallbackModel != model {
					slog.Warn("Switching to fallback model", "from", model, "to", s.cfg.FallbackModel)
					model = s.cfg.FallbackModel
					fellBack = true
				}
			}
			return retryable(err)
		}

		p, err := ExtractPayload(out)
		if err != nil {
			lastErr, lastCode = err, CodeOf(err)
			slog.Warn("Structurer output rejected", "attempt", attempt, "error", err, "length", len(out))
			return retryable(err)
		}
		payload = p
		return nil
	})
	if err == nil {
		return payload, nil
	}

	if lastErr == nil {
		lastErr, lastCode = err, ClassifyProviderError(err)
	}
	code := lastCode
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		code = CodeCanceled
	case ctx.Err() != nil:
		code = CodeTimeout
	case code == "":
		code = CodeProvider
	}

	return "", &Error{
		Code:     code,
		Stage:    StageStructuring,
		Attempts: attempts,
		Err:      &failure{msg: truncateRunes(lastErr.Error(), maxFailureMessage), err: lastErr},
	}
}

// ExtractPayload isolates and validates the JSON object in a structurer reply
func ExtractPayload(output string) (string, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return "", &Error{Code: CodeEmptyResponse, Stage: StageStructuring, Err: errors.New("structurer returned an empty response")}
	}

	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return "", invalidJSON("no JSON object found in response")
	}
	payload := text[start : end+1]

	for _, key := range requiredPayloadKeys {
		if !strings.Contains(payload, `"`+key+`"`) {
			return "", invalidJSON(fmt.Sprintf("missing required key %q", key))
		}
	}
	if strings.Count(payload, "{") != strings.Count(payload, "}") {
		return "", invalidJSON("unbalanced braces")
	}
	if strings.Count(payload, "[") != strings.Count(payload, "]") {
		return "", invalidJSON("unbalanced brackets")
	}

	return payload, nil
}

func invalidJSON(msg string) error {
	return &Error{Code: CodeInvalidJSON, Stage: StageStructuring, Err: errors.New(msg)}
}

// hasRecognitionSentinel reports whether text is an error message from a failed recognition
func hasRecognitionSentinel(text string) bool {
	return strings.Contains(text, "OCR_ERROR") || strings.HasPrefix(strings.TrimSpace(text), "ERROR:")
}

// failure keeps a truncated message while still unwrapping to the cause
type failure struct {
	msg string
	err error
}

func (f *failure) Error() string {
	return f.msg
}

func (f *failure) Unwrap() error {
	return f.err
}
