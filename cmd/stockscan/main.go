package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/stockscan/internal/capture"
	"github.com/zombor/stockscan/internal/inventory"
	"github.com/zombor/stockscan/internal/scanning"
	"github.com/zombor/stockscan/internal/session"
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

	// Optional .env file; STOCKSCAN_* and GEMINI_API_KEY may live there
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	rootFlags := ff.NewFlagSet("stockscan")
	var (
		dbPath   = rootFlags.StringLong("db", "stockscan.db", "Database file path")
		authUser = rootFlags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass = rootFlags.StringLong("auth-pass", "", "Basic auth password (optional)")
	)

	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	port := serveFlags.IntLong("port", 8080, "HTTP server port")

	scanFlags := ff.NewFlagSet("scan").SetParent(rootFlags)
	var (
		framesPath    = scanFlags.StringLong("frames", "", "Directory, image or PDF to replay as camera frames")
		inventoryURL  = scanFlags.StringLong("inventory-url", "", "Inventory API base URL (uses --db when empty)")
		ocrType       = scanFlags.StringLong("ocr", "off", "OCR fallback: 'tesseract', 'gemini', 'ollama' or 'off'")
		tesseractLang = scanFlags.StringLong("tesseract-lang", "eng", "Tesseract language")
		geminiKey     = scanFlags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = scanFlags.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = scanFlags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = scanFlags.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		fps           = scanFlags.IntLong("fps", scanning.DefaultFrameRate, "Structured decode frames per second")
		cooldown      = scanFlags.DurationLong("cooldown", scanning.DefaultCooldown, "Repeat-scan cooldown")
		bell          = scanFlags.BoolLong("bell", "Ring the terminal bell on every accepted scan")
	)

	serveCmd := &ff.Command{
		Name:      "serve",
		Usage:     "stockscan serve [FLAGS]",
		ShortHelp: "run the inventory REST API",
		Flags:     serveFlags,
		Exec: func(ctx context.Context, args []string) error {
			return serve(ctx, *dbPath, *port, inventory.BasicAuth{Username: *authUser, Password: *authPass})
		},
	}

	scanCmd := &ff.Command{
		Name:      "scan",
		Usage:     "stockscan scan [FLAGS]",
		ShortHelp: "run an interactive scanner session",
		Flags:     scanFlags,
		Exec: func(ctx context.Context, args []string) error {
			cfg := scanConfig{
				framesPath:    *framesPath,
				inventoryURL:  *inventoryURL,
				dbPath:        *dbPath,
				auth:          inventory.BasicAuth{Username: *authUser, Password: *authPass},
				ocrType:       *ocrType,
				tesseractLang: *tesseractLang,
				geminiKey:     *geminiKey,
				geminiModel:   *geminiModel,
				ollamaURL:     *ollamaURL,
				ollamaModel:   *ollamaModel,
				fps:           *fps,
				cooldown:      *cooldown,
				bell:          *bell,
			}
			return scan(ctx, cfg)
		},
	}

	root := &ff.Command{
		Name:        "stockscan",
		Usage:       "stockscan <SUBCOMMAND> [FLAGS]",
		Flags:       rootFlags,
		Subcommands: []*ff.Command{serveCmd, scanCmd},
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Parse(os.Args[1:], ff.WithEnvVarPrefix("STOCKSCAN")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
			os.Exit(0)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, dbPath string, port int, auth inventory.BasicAuth) error {
	slog.Info("Initializing database...", "path", dbPath)
	db, err := inventory.NewBoltDB(dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	server := inventory.NewServer(db, auth)

	addr := fmt.Sprintf(":%d", port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if auth.Username != "" || auth.Password != "" {
		slog.Info("Basic auth enabled", "user", auth.Username)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down...")
		return nil
	}
}

type scanConfig struct {
	framesPath    string
	inventoryURL  string
	dbPath        string
	auth          inventory.BasicAuth
	ocrType       string
	tesseractLang string
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	fps           int
	cooldown      time.Duration
	bell          bool
}

func scan(ctx context.Context, cfg scanConfig) error {
	var service inventory.Service
	if cfg.inventoryURL != "" {
		slog.Info("Using inventory API", "url", cfg.inventoryURL)
		service = inventory.NewClient(strings.TrimRight(cfg.inventoryURL, "/"), cfg.auth)
	} else {
		slog.Info("Initializing database...", "path", cfg.dbPath)
		db, err := inventory.NewBoltDB(cfg.dbPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
		service = db
	}

	var ocr *scanning.OCR
	switch cfg.ocrType {
	case "off", "":
	case "tesseract":
		slog.Info("Using Tesseract OCR", "language", cfg.tesseractLang)
		ocr = scanning.NewOCR(scanning.TesseractFactory(cfg.tesseractLang), scanning.DefaultOCRRegion)
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Using Gemini OCR", "model", cfg.geminiModel)
		ocr = scanning.NewOCR(scanning.GeminiFactory(apiKey, cfg.geminiModel), scanning.DefaultOCRRegion)
	case "ollama":
		slog.Info("Using Ollama OCR", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		ocr = scanning.NewOCR(scanning.OllamaFactory(cfg.ollamaURL, cfg.ollamaModel), scanning.DefaultOCRRegion)
	default:
		return fmt.Errorf("invalid OCR type %q: want tesseract, gemini, ollama or off", cfg.ocrType)
	}

	var feedback scanning.Feedback = scanning.NopFeedback{}
	if cfg.bell {
		feedback = scanning.NewBellFeedback(os.Stderr)
	}

	console := newConsole(os.Stdin, os.Stdout)
	opts := session.Options{
		Engine:   scanning.NewEngine(scanning.NewZXing(), ocr, float64(cfg.fps)),
		Service:  service,
		Resolver: inventory.NewResolver(service, inventory.DefaultStaleness),
		Feedback: feedback,
		Surface:  console,
		Totals:   console,
		Cooldown: cfg.cooldown,
	}

	manager := session.NewManager()
	defer manager.CloseAll()

	var source capture.Source = capture.NewReplaySource(cfg.framesPath, float64(cfg.fps))
	if cfg.framesPath == "" {
		source = capture.NewUnavailableSource("console", "no frame source configured")
	}

	s, err := manager.Open(ctx, source, opts)
	if s == nil {
		return fmt.Errorf("opening session: %w", err)
	}
	if err == nil {
		go func() {
			if err := s.Run(ctx); err != nil {
				slog.Error("Scanner stopped", "error", err)
			}
		}()
	}

	return console.Loop(ctx, s)
}
