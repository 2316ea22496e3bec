package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var errNoText = errors.New("recognizer returned no text")

// RecognitionStage runs the text recognizer with validation, timeouts and retries
type RecognitionStage struct {
	recognizer TextRecognizer
	policy     RetryPolicy
}

// NewRecognitionStage creates a RecognitionStage using RecognitionPolicy
func NewRecognitionStage(recognizer TextRecognizer) *RecognitionStage {
	return NewRecognitionStageWithPolicy(recognizer, RecognitionPolicy)
}

// NewRecognitionStageWithPolicy creates a RecognitionStage with a custom retry policy
func NewRecognitionStageWithPolicy(recognizer TextRecognizer, policy RetryPolicy) *RecognitionStage {
	return &RecognitionStage{
		recognizer: recognizer,
		policy:     policy,
	}
}

// Recognize extracts text from img. Any failure is returned as an *Error;
// invalid images fail immediately without calling the recognizer.
func (s *RecognitionStage) Recognize(ctx context.Context, img Image) (string, error) {
	if err := validateImage(img); err != nil {
		return "", &Error{Code: CodeInvalidImage, Stage: StageRecognition, Err: err}
	}

	pngData, err := toPNG(img)
	if err != nil {
		return "", &Error{Code: CodeInvalidImage, Stage: StageRecognition, Err: err}
	}

	var (
		text     string
		lastErr  error
		attempts int
	)
	err = s.policy.run(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		raw, err := callText(ctx, func(ctx context.Context) (string, error) {
			return s.recognizer.RecognizeText(ctx, pngData)
		})
		if err != nil {
			lastErr = err
			slog.Warn("Text recognition attempt failed", "attempt", attempt, "error", err)
			return retryable(err)
		}

		cleaned := stripBlankLines(raw)
		if cleaned == "" {
			lastErr = errNoText
			slog.Warn("Text recognition returned no text", "attempt", attempt)
			return retryable(errNoText)
		}
		text = cleaned
		return nil
	})
	if err == nil {
		slog.Debug("Text recognition completed", "attempts", attempts, "chars", len(text))
		return text, nil
	}

	if lastErr == nil {
		lastErr = err
	}
	return "", &Error{
		Code:     recognitionCode(ctx, lastErr),
		Stage:    StageRecognition,
		Attempts: attempts,
		Err:      lastErr,
	}
}

func recognitionCode(ctx context.Context, lastErr error) Code {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return CodeCanceled
	case ctx.Err() != nil, errors.Is(lastErr, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeNoTextDetected
	}
}

// stripBlankLines removes whitespace-only lines and trailing spaces
func stripBlankLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// callText runs fn but stops waiting once ctx is done, even if fn ignores ctx
func callText(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("collaborator panicked: %v", r)}
			}
		}()
		text, err := fn(ctx)
		ch <- result{text: text, err: err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
