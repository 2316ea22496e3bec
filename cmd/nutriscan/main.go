package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/nutriscan/internal/history"
	"github.com/zombor/nutriscan/internal/scan"
	"github.com/zombor/nutriscan/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("nutriscan")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat      = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		recognizerType = fs.StringLong("recognizer", "tesseract", "Text recognizer: 'tesseract' or 'ollama'")
		tesseractBin   = fs.StringLong("tesseract-bin", "tesseract", "Tesseract binary")
		tesseractLang  = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		tesseractPSM   = fs.IntLong("tesseract-psm", 6, "Tesseract page segmentation mode (0 for the tesseract default)")
		tessdataDir    = fs.StringLong("tessdata-dir", "", "Tesseract tessdata directory (optional)")
		structurerType = fs.StringLong("structurer", "gemini", "Text structurer: 'gemini', 'vertex' or 'ollama'")
		model          = fs.StringLong("model", "", "Structurer model name (defaults per structurer)")
		fallbackModel  = fs.StringLong("fallback-model", "", "Model used once if the primary model is unavailable (optional)")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		vertexProject  = fs.StringLong("vertex-project", "", "Google Cloud project for Vertex AI")
		vertexLocation = fs.StringLong("vertex-location", "us-central1", "Vertex AI location")
		vertexCreds    = fs.StringLong("vertex-credentials", "", "Service account credentials file (optional)")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaVision   = fs.StringLong("ollama-vision-model", "llava", "Ollama vision model used for text recognition")
		storeType      = fs.StringLong("store", "bolt", "History store: 'bolt', 'sqlite' or 'none'")
		dbPath         = fs.StringLong("db", "nutriscan.db", "History database file path")
		imageStorage   = fs.StringLong("image-storage", "local", "Label image archive: 'local', 's3' or 'none'")
		storagePath    = fs.StringLong("storage", "./labels", "Local label image directory")
		s3Bucket       = fs.StringLong("s3-bucket", "", "S3 bucket for label images")
		s3Region       = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Prefix       = fs.StringLong("s3-prefix", "labels/", "S3 key prefix")
		s3Endpoint     = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint URL (optional)")
		s3AccessKey    = fs.StringLong("s3-access-key", "", "S3 access key (optional)")
		s3SecretKey    = fs.StringLong("s3-secret-key", "", "S3 secret key (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("NUTRISCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize text recognizer
	var recognizer scanning.TextRecognizer
	switch *recognizerType {
	case "tesseract":
		slog.Info("Initializing Tesseract recognizer...", "binary", *tesseractBin, "language", *tesseractLang)
		recognizer = scanning.NewTesseract(scanning.TesseractConfig{
			Binary:      *tesseractBin,
			Language:    *tesseractLang,
			PSM:         *tesseractPSM,
			TessdataDir: *tessdataDir,
		})
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", *ollamaURL, "model", *ollamaVision)
		recognizer = scanning.NewOllama(*ollamaURL, *ollamaVision)
	default:
		slog.Error("Invalid recognizer type", "type", *recognizerType, "valid", "tesseract or ollama")
		os.Exit(1)
	}

	// Initialize text structurer
	var (
		structurer scanning.TextStructurer
		err        error
	)
	switch *structurerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		if *model == "" {
			*model = scanning.DefaultGeminiModel
		}
		slog.Info("Initializing Gemini structurer...", "model", *model)
		structurer, err = scanning.NewGemini(ctx, apiKey)
	case "vertex":
		if *model == "" {
			*model = scanning.DefaultGeminiModel
		}
		slog.Info("Initializing Vertex AI structurer...", "project", *vertexProject, "location", *vertexLocation, "model", *model)
		structurer, err = scanning.NewVertex(ctx, scanning.VertexConfig{
			ProjectID:       *vertexProject,
			Location:        *vertexLocation,
			CredentialsFile: *vertexCreds,
		})
	case "ollama":
		if *model == "" {
			*model = "llama3.2"
		}
		slog.Info("Initializing Ollama structurer...", "url", *ollamaURL, "model", *model)
		structurer = scanning.NewOllama(*ollamaURL, *ollamaVision)
	default:
		slog.Error("Invalid structurer type", "type", *structurerType, "valid", "gemini, vertex or ollama")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize structurer", "type", *structurerType, "error", err)
		os.Exit(1)
	}
	defer structurer.Close()

	// Initialize history
	historyService, closeHistory, err := openHistory(ctx, historyConfig{
		store:        *storeType,
		dbPath:       *dbPath,
		imageStorage: *imageStorage,
		storagePath:  *storagePath,
		s3: history.S3Config{
			Bucket:    *s3Bucket,
			Region:    *s3Region,
			Prefix:    *s3Prefix,
			Endpoint:  *s3Endpoint,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
		},
	})
	if err != nil {
		slog.Error("Failed to initialize history", "error", err)
		os.Exit(1)
	}
	defer closeHistory()

	// Initialize orchestrator
	var saver scan.HistoryStore
	if historyService != nil {
		saver = historyService
	}
	orchestrator := scan.NewOrchestrator(
		scanning.NewRecognitionStage(recognizer),
		scanning.NewStructuringStage(structurer, *model, *fallbackModel),
		saver,
	)
	health := scanning.NewHealthChecker(recognizer, structurer, *model)

	if ok, message := health.CheckHealth(ctx); !ok {
		slog.Warn("Scan dependencies are not ready", "status", message)
	}

	server := scan.NewServer(orchestrator, historyService, health)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}

// setupLogging installs the default slog handler
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("invalid log format %q, expected text or json", format)
	}
	return nil
}

type historyConfig struct {
	store        string
	dbPath       string
	imageStorage string
	storagePath  string
	s3           history.S3Config
}

// openHistory builds the history service. It returns a nil service when
// history is disabled.
func openHistory(ctx context.Context, cfg historyConfig) (*history.Service, func(), error) {
	var (
		store history.Store
		err   error
	)
	switch cfg.store {
	case "bolt":
		slog.Info("Initializing database...", "type", "bolt", "path", cfg.dbPath)
		store, err = history.NewBoltStore(cfg.dbPath)
	case "sqlite":
		slog.Info("Initializing database...", "type", "sqlite", "path", cfg.dbPath)
		store, err = history.NewSQLiteStore(cfg.dbPath)
	case "none":
		slog.Info("Scan history disabled")
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("invalid store type %q, expected bolt, sqlite or none", cfg.store)
	}
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}

	var images history.ImageStore
	switch cfg.imageStorage {
	case "local":
		slog.Info("Initializing storage...", "type", "local", "path", cfg.storagePath)
		images, err = history.NewLocalStorage(cfg.storagePath)
	case "s3":
		slog.Info("Initializing storage...", "type", "s3", "bucket", cfg.s3.Bucket)
		images, err = history.NewS3Storage(ctx, cfg.s3)
	case "none":
		slog.Info("Label image archive disabled")
	default:
		err = fmt.Errorf("invalid image storage %q, expected local, s3 or none", cfg.imageStorage)
	}
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	return history.NewService(store, images), closeStore, nil
}
