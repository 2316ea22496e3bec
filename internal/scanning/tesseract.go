package scanning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner runs an external command; tests substitute a fake
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		slog.Error("Command failed",
			"name", name,
			"args", strings.Join(args, " "),
			"duration", time.Since(start),
			"stderr", strings.TrimSpace(errb.String()),
			"error", err,
		)
		return out.Bytes(), errb.Bytes(), err
	}
	slog.Debug("Command finished", "name", name, "duration", time.Since(start))
	return out.Bytes(), errb.Bytes(), nil
}

// TesseractConfig configures the tesseract CLI recognizer
type TesseractConfig struct {
	Binary      string // binary name or absolute path; defaults to "tesseract"
	Language    string // defaults to "eng"
	PSM         int    // page segmentation mode, 0 leaves the tesseract default
	TessdataDir string
}

// Tesseract recognizes text on-device using the tesseract CLI
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
}

// NewTesseract creates a Tesseract recognizer that shells out to the CLI
func NewTesseract(cfg TesseractConfig) *Tesseract {
	return NewTesseractWithRunner(cfg, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract recognizer with a custom command runner
func NewTesseractWithRunner(cfg TesseractConfig, runner Runner) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &Tesseract{cfg: cfg, runner: runner}
}

// RecognizeText pipes the PNG through `tesseract stdin stdout`
func (t *Tesseract) RecognizeText(ctx context.Context, pngData []byte) (string, error) {
	args := []string{"stdin", "stdout", "-l", t.cfg.Language}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprint(t.cfg.PSM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}

	out, errb, err := t.runner.Run(ctx, pngData, t.cfg.Binary, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(errb)); msg != "" {
			return "", fmt.Errorf("tesseract: %w: %s", err, msg)
		}
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return string(out), nil
}

// Check verifies the tesseract binary can be executed
func (t *Tesseract) Check(ctx context.Context) error {
	out, _, err := t.runner.Run(ctx, nil, t.cfg.Binary, "--version")
	if err != nil {
		return fmt.Errorf("tesseract unavailable: %w", err)
	}
	slog.Debug("Tesseract available", "version", firstLine(string(out)))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
