package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthProbeTimeout bounds each dependency probe
const HealthProbeTimeout = 5 * time.Second

// HealthChecker probes the recognizer and structurer the pipeline depends on
type HealthChecker struct {
	recognizer TextRecognizer
	structurer TextStructurer
	model      string
	timeout    time.Duration
}

// NewHealthChecker creates a HealthChecker that probes structurer with model
func NewHealthChecker(recognizer TextRecognizer, structurer TextStructurer, model string) *HealthChecker {
	return &HealthChecker{
		recognizer: recognizer,
		structurer: structurer,
		model:      model,
		timeout:    HealthProbeTimeout,
	}
}

// CheckHealth probes both dependencies concurrently. It reports whether all
// of them are usable and a message describing each one; it never panics.
func (h *HealthChecker) CheckHealth(ctx context.Context) (bool, string) {
	var (
		g              errgroup.Group
		ocrErr, llmErr error
	)
	g.Go(func() error {
		ocrErr = h.probe(ctx, h.checkRecognizer)
		return ocrErr
	})
	g.Go(func() error {
		llmErr = h.probe(ctx, h.checkStructurer)
		return llmErr
	})
	ok := g.Wait() == nil

	msg := fmt.Sprintf("Text recognition: %s; Text structuring: %s", describe(ocrErr), describe(llmErr))
	if !ok {
		slog.Warn("Health check failed", "recognition", describe(ocrErr), "structuring", describe(llmErr))
	}
	return ok, msg
}

func (h *HealthChecker) probe(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return fn(ctx)
}

func (h *HealthChecker) checkRecognizer(ctx context.Context) error {
	if h.recognizer == nil {
		return fmt.Errorf("not configured")
	}
	_, err := callText(ctx, func(ctx context.Context) (string, error) {
		return "", h.recognizer.Check(ctx)
	})
	return err
}

func (h *HealthChecker) checkStructurer(ctx context.Context) error {
	if h.structurer == nil {
		return fmt.Errorf("not configured")
	}
	reply, err := callText(ctx, func(ctx context.Context) (string, error) {
		return h.structurer.Generate(ctx, HealthProbePrompt, h.model, GenerateOptions{Temperature: 0, MaxOutputTokens: 8})
	})
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToUpper(reply), HealthProbeToken) {
		return fmt.Errorf("unexpected probe reply %q", truncateRunes(strings.TrimSpace(reply), 40))
	}
	return nil
}

func describe(err error) string {
	if err == nil {
		return "ok"
	}
	return "unavailable (" + err.Error() + ")"
}
