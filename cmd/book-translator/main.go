package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"book-translator/internal/book"
	"book-translator/internal/config"
	"book-translator/internal/epub"
	"book-translator/internal/pipeline"
	"book-translator/internal/server"
	"book-translator/internal/tokenizer"
	"book-translator/internal/translate"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	logger  *logrus.Logger
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "book-translator",
	Short: "Translate EPUB books with LLM backends",
	Long: `Book Translator splits EPUB documents into token-bounded chunks, translates
them through an LLM backend and reassembles a valid EPUB in the target
language. Interrupted runs resume from a JSON snapshot next to the source file.`,
}

var translateCmd = &cobra.Command{
	Use:   "translate <book.epub>",
	Short: "Translate an EPUB file",
	Args:  cobra.ExactArgs(1),
	Run:   runTranslate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Run:   runServer,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <book.epub|snapshot.json>",
	Short: "Report the structure of an EPUB or the state of a translation snapshot",
	Args:  cobra.ExactArgs(1),
	Run:   runInspect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Book Translator v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Manage application configuration including viewing current settings and creating the config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		showConfig(cmd)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (default: config.json beside executable)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	translateCmd.Flags().StringP("target", "t", "", "Target language code, e.g. zh, ja, fr")
	translateCmd.Flags().StringP("backend", "b", "", "Translation backend: openai, mock or noop")
	translateCmd.Flags().StringP("key", "k", "", "OpenAI API key")
	translateCmd.Flags().StringP("model", "m", "", "OpenAI model name")
	translateCmd.Flags().Int("limit", 0, "Token limit per chunk")
	translateCmd.Flags().Int("batch", 0, "Chunks per translation request")
	translateCmd.Flags().StringP("output-dir", "o", "", "Directory for the translated EPUB (default: next to the source)")
	translateCmd.Flags().String("cache-dir", "", "Directory for the translation cache")
	translateCmd.Flags().Bool("skip-translated", true, "Skip chunks whose stored translation already looks like the target language")
	translateCmd.Flags().Bool("translate-attributes", false, "Also translate alt and title attribute values")

	serveCmd.Flags().IntP("port", "p", 0, "Port to run the web server on")
	serveCmd.Flags().StringP("key", "k", "", "OpenAI API key")

	rootCmd.AddCommand(translateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runTranslate(cmd *cobra.Command, args []string) {
	sourcePath := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	applyTranslateFlags(cmd, cfg)
	setupLogging(cmd, cfg)

	if _, err := os.Stat(sourcePath); err != nil {
		logger.Fatalf("Cannot read %s: %v", sourcePath, err)
	}

	targetLang := cfg.Translation.TargetLanguage
	if targetLang == "" {
		logger.Fatal("Target language is required: pass --target or set translation.target_language in the config")
	}

	if cfg.Translation.Backend == translate.KindOpenAI && cfg.OpenAI.APIKey == "" {
		logger.Fatal("OpenAI API key is required but not found in configuration")
	}

	orch, err := buildPipeline(cfg, targetLang)
	if err != nil {
		logger.Fatalf("Failed to set up pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outPath, err := orch.Run(ctx, sourcePath)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Interrupted; progress saved. Rerun the same command to resume.")
		}
		logger.Fatalf("Translation failed: %v", err)
	}

	fmt.Printf("✅ Translated book written to %s\n", outPath)
}

func runServer(cmd *cobra.Command, _ []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		cfg.OpenAI.APIKey = key
	}

	setupLogging(cmd, cfg)

	if cfg.Translation.Backend == translate.KindOpenAI && cfg.OpenAI.APIKey == "" {
		logger.Fatal("OpenAI API key is required but not found in configuration")
	}

	if err := os.MkdirAll(cfg.Server.UploadDir, 0755); err != nil {
		logger.Fatalf("Failed to create upload directory: %v", err)
	}
	if cfg.App.OutputDir != "" {
		if err := os.MkdirAll(cfg.App.OutputDir, 0755); err != nil {
			logger.Fatalf("Failed to create output directory: %v", err)
		}
	}

	srv := server.New(cfg, logger)

	go func() {
		logger.Infof("🚀 Starting Book Translator server")
		logger.Infof("📡 Server running on port %d", cfg.Server.Port)
		logger.Infof("📁 Upload directory: %s", cfg.Server.UploadDir)

		if err := srv.Run(); err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("✅ Server exited gracefully")
}

func runInspect(cmd *cobra.Command, args []string) {
	path := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cmd, cfg)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		inspectSnapshot(path)
		return
	}
	inspectEPUB(path)
}

func inspectSnapshot(path string) {
	bk, err := book.Load(path)
	if err != nil {
		logger.Fatalf("Failed to load snapshot: %v", err)
	}

	total, byStatus := bk.CountChunks()
	done := byStatus[book.StatusCompleted] + byStatus[book.StatusSkipped] + byStatus[book.StatusFailed]

	fmt.Printf("📋 Translation Snapshot\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Book: %s\n", bk.Name)
	fmt.Printf("Source: %s\n", bk.SourcePath)
	fmt.Printf("Work directory: %s\n\n", bk.WorkDir)

	fmt.Printf("Documents: %d\n", len(bk.Items))
	fmt.Printf("Chunks: %d total, %d settled\n", total, done)
	for _, status := range []book.ChunkStatus{
		book.StatusPending, book.StatusInProgress, book.StatusTranslated,
		book.StatusCompleted, book.StatusSkipped, book.StatusFailed,
	} {
		if byStatus[status] > 0 {
			fmt.Printf("  %-12s %d\n", status, byStatus[status])
		}
	}
	fmt.Printf("\n")

	for _, item := range bk.Items {
		marker := "🔄"
		if item.Done() {
			marker = "✅"
		}
		fmt.Printf("%s %s (%d chunks)\n", marker, item.ID, len(item.Chunks))
	}

	if byStatus[book.StatusFailed] > 0 {
		fmt.Printf("\n⚠️  %d chunks failed; rerun the translate command to retry them\n", byStatus[book.StatusFailed])
	}
}

func inspectEPUB(path string) {
	workDir, err := os.MkdirTemp("", "book-inspect-*")
	if err != nil {
		logger.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	extractor := epub.NewExtractor(logger)
	if err := extractor.Extract(path, workDir); err != nil {
		logger.Fatalf("Failed to extract %s: %v", path, err)
	}

	fmt.Printf("📖 EPUB Structure\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("File: %s\n\n", path)

	if opf, err := epub.FindOPF(workDir); err != nil {
		fmt.Printf("⚠️  No package document found: %v\n\n", err)
	} else if pkg, err := epub.ParsePackage(filepath.Join(workDir, filepath.FromSlash(opf))); err != nil {
		fmt.Printf("⚠️  Failed to parse package document: %v\n\n", err)
	} else {
		fmt.Printf("Title: %s\n", pkg.Metadata.Title)
		fmt.Printf("Language: %s\n", pkg.Metadata.Language)
		if pkg.Metadata.Creator != "" {
			fmt.Printf("Creator: %s\n", pkg.Metadata.Creator)
		}
		fmt.Printf("Manifest: %d items, spine: %d\n\n", len(pkg.Manifest.Items), len(pkg.Spine.ItemRefs))
	}

	files, err := epub.TranslatableFiles(workDir)
	if err != nil {
		logger.Fatalf("Failed to list documents: %v", err)
	}

	validator := epub.NewValidator(logger)
	fmt.Printf("Translatable documents: %d\n", len(files))
	for _, rel := range files {
		langs, err := validator.LangAttributes(filepath.Join(workDir, filepath.FromSlash(rel)))
		switch {
		case err != nil:
			fmt.Printf("  %s (unparseable: %v)\n", rel, err)
		case len(langs) > 0:
			fmt.Printf("  %s (lang: %s)\n", rel, strings.Join(uniqueStrings(langs), ", "))
		default:
			fmt.Printf("  %s\n", rel)
		}
	}

	snapshotPath := book.SnapshotPath(path)
	if _, err := os.Stat(snapshotPath); err == nil {
		if bk, err := book.Load(snapshotPath); err == nil {
			total, byStatus := bk.CountChunks()
			done := byStatus[book.StatusCompleted] + byStatus[book.StatusSkipped] + byStatus[book.StatusFailed]
			fmt.Printf("\n🔄 Resume state present: %d/%d chunks settled (%s)\n", done, total, snapshotPath)
		}
	}
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// buildPipeline assembles translator, cache and tokenizer into an
// orchestrator, mirroring what the web server does per job.
func buildPipeline(cfg *config.Config, targetLang string) (*pipeline.Orchestrator, error) {
	translator, err := translate.New(translate.Options{
		Kind:        cfg.Translation.Backend,
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		SourceLang:  cfg.Translation.SourceLanguage,
		TargetLang:  targetLang,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
		MaxRetries:  cfg.Translation.MaxRetries,
		RetryDelay:  cfg.Translation.RetryDelay.Duration,
		Timeout:     cfg.OpenAI.Timeout.Duration,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create translator: %w", err)
	}

	if cfg.Translation.CacheDir != "" {
		cache, err := translate.NewCache(cfg.Translation.CacheDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open translation cache: %w", err)
		}
		translator = translate.WithCache(translator, cache, cfg.OpenAI.Model, targetLang, logger)
	}

	tok, err := tokenizer.New(cfg.Translation.Tokenizer, cfg.OpenAI.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}

	return pipeline.New(pipeline.Options{
		Translator:          translator,
		Tokenizer:           tok,
		TokenLimit:          cfg.Translation.TokenLimit,
		TargetLang:          targetLang,
		TokenLength:         cfg.Translation.TokenLength,
		BatchSize:           cfg.Translation.BatchSize,
		SkipTranslated:      cfg.Translation.SkipTranslated,
		TranslateAttributes: cfg.Translation.TranslateAttributes,
		OutputDir:           cfg.App.OutputDir,
		OnProgress:          phaseReporter(logger),
	}, logger)
}

// phaseReporter logs a banner when the pipeline enters a new phase. Per-item
// and per-chunk detail is already logged by the pipeline itself.
func phaseReporter(logger *logrus.Logger) func(pipeline.Progress) {
	var lastPhase string
	return func(p pipeline.Progress) {
		if p.Phase == lastPhase {
			return
		}
		lastPhase = p.Phase

		switch p.Phase {
		case pipeline.PhaseExtract:
			logger.Infof("📖 Extracting %s", p.BookName)
		case pipeline.PhaseTranslate:
			logger.Infof("🌍 Translating %d chunks across %d documents", p.TotalChunks, p.TotalItems)
		case pipeline.PhasePackage:
			logger.Info("📦 Packaging translated book")
		}
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	logger.Debugf("Loading configuration from: %s", configPath)

	return config.Load(configPath)
}

func applyTranslateFlags(cmd *cobra.Command, cfg *config.Config) {
	if target, _ := cmd.Flags().GetString("target"); target != "" {
		cfg.Translation.TargetLanguage = target
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Translation.Backend = backend
	}
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.OpenAI.Model = model
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		cfg.Translation.TokenLimit = limit
	}
	if batch, _ := cmd.Flags().GetInt("batch"); batch > 0 {
		cfg.Translation.BatchSize = batch
	}
	if outputDir, _ := cmd.Flags().GetString("output-dir"); outputDir != "" {
		cfg.App.OutputDir = outputDir
	}
	if cacheDir, _ := cmd.Flags().GetString("cache-dir"); cacheDir != "" {
		cfg.Translation.CacheDir = cacheDir
	}
	if cmd.Flags().Changed("skip-translated") {
		cfg.Translation.SkipTranslated, _ = cmd.Flags().GetBool("skip-translated")
	}
	if cmd.Flags().Changed("translate-attributes") {
		cfg.Translation.TranslateAttributes, _ = cmd.Flags().GetBool("translate-attributes")
	}
}

func setupLogging(cmd *cobra.Command, cfg *config.Config) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}

	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func showConfig(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	fmt.Printf("📋 Book Translator Configuration\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Configuration file: %s\n\n", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("❌ Configuration file does not exist\n")
		fmt.Printf("💡 Run 'book-translator config init' to create one\n")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		return
	}

	fmt.Printf("Server Settings:\n")
	fmt.Printf("  Port: %d\n", cfg.Server.Port)
	fmt.Printf("  Read Timeout: %s\n", cfg.Server.ReadTimeout)
	fmt.Printf("  Write Timeout: %s\n", cfg.Server.WriteTimeout)
	fmt.Printf("  Upload Directory: %s\n", cfg.Server.UploadDir)
	fmt.Printf("\n")

	fmt.Printf("OpenAI Settings:\n")
	if cfg.OpenAI.APIKey != "" {
		maskedKey := cfg.OpenAI.APIKey[:6] + "..." + cfg.OpenAI.APIKey[len(cfg.OpenAI.APIKey)-4:]
		fmt.Printf("  API Key: %s\n", maskedKey)
	} else {
		fmt.Printf("  API Key: ❌ Not set\n")
	}
	fmt.Printf("  Model: %s\n", cfg.OpenAI.Model)
	fmt.Printf("  Max Tokens: %d\n", cfg.OpenAI.MaxTokens)
	fmt.Printf("  Temperature: %.1f\n", cfg.OpenAI.Temperature)
	fmt.Printf("\n")

	fmt.Printf("Translation Settings:\n")
	fmt.Printf("  Backend: %s\n", cfg.Translation.Backend)
	if cfg.Translation.TargetLanguage != "" {
		fmt.Printf("  Target Language: %s\n", cfg.Translation.TargetLanguage)
	}
	fmt.Printf("  Token Limit: %d\n", cfg.Translation.TokenLimit)
	fmt.Printf("  Tokenizer: %s\n", cfg.Translation.Tokenizer)
	fmt.Printf("  Batch Size: %d\n", cfg.Translation.BatchSize)
	fmt.Printf("  Max Retries: %d\n", cfg.Translation.MaxRetries)
	fmt.Printf("  Retry Delay: %s\n", cfg.Translation.RetryDelay)
	if cfg.Translation.CacheDir != "" {
		fmt.Printf("  Cache Directory: %s\n", cfg.Translation.CacheDir)
	}
	fmt.Printf("  Supported Languages: %d languages\n", len(cfg.Translation.SupportedLangs))
	fmt.Printf("\n")

	fmt.Printf("Application Settings:\n")
	if cfg.App.OutputDir != "" {
		fmt.Printf("  Output Directory: %s\n", cfg.App.OutputDir)
	}
	fmt.Printf("  Log Level: %s\n", cfg.App.LogLevel)
}

func initConfig(cmd *cobra.Command) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	fmt.Printf("🔧 Initializing Book Translator Configuration\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Configuration file: %s\n\n", configPath)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("⚠️  Configuration file already exists\n")
		return
	}

	if _, err := config.Load(configPath); err != nil {
		fmt.Printf("❌ Failed to initialize configuration: %v\n", err)
		return
	}

	fmt.Printf("\n✅ Configuration initialized successfully!\n")
	fmt.Printf("💡 Set OPENAI_API_KEY or edit the file, then run 'book-translator translate <book.epub> --target <lang>'\n")
	fmt.Printf("📋 Use 'book-translator config show' to view your configuration\n")
}
