// ABOUTME: Entry point for the chatstream delivery server
// ABOUTME: Wires store, providers, delivery bus and HTTP API from configuration

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/2389/chatstream/internal/config"
	"github.com/2389/chatstream/internal/delivery"
	"github.com/2389/chatstream/internal/httpapi"
	"github.com/2389/chatstream/internal/model"
	"github.com/2389/chatstream/internal/msgcache"
	"github.com/2389/chatstream/internal/orchestrator"
	"github.com/2389/chatstream/internal/provider"
	"github.com/2389/chatstream/internal/storage"
	"github.com/2389/chatstream/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _       _
   ___| |__   __ _| |_ ___| |_ _ __ ___  __ _ _ __ ___
  / __| '_ \ / _' | __/ __| __| '__/ _ \/ _' | '_ ' _ \
 | (__| | | | (_| | |_\__ \ |_| | |  __/ (_| | | | | | |
  \___|_| |_|\__,_|\__|___/\__|_|  \___|\__,_|_| |_| |_|
`

// getConfigPath returns the path to the config file.
// Priority: CHATSTREAM_CONFIG env var > XDG_CONFIG_HOME/chatstream/chatstream.yaml > ~/.config/chatstream/chatstream.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATSTREAM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatstream.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatstream", "chatstream.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chatstream <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the chatstream server")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Broker.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Broker:   %s\n", cfg.Broker.Addr)
	}
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	catalog, err := model.Load(cfg.Models.CatalogPath)
	if err != nil {
		return fmt.Errorf("loading model catalog: %w", err)
	}

	objects, err := buildStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("initializing object storage: %w", err)
	}

	gateway := provider.NewGateway(catalog, cfg.Delivery.SimulatedStreamDelay, logger, buildAdapters(cfg.Providers)...)

	bus, brokerCheck := buildBus(cfg.Broker, logger)
	defer bus.Close()

	orch := orchestrator.New(st, bus, gateway, objects, catalog, orchestrator.Options{
		ContextWindow:    cfg.Delivery.ContextWindow,
		StrictGeneration: cfg.Delivery.StrictGeneration,
	}, logger)

	api := httpapi.NewServer(orch, bus, httpapi.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), logger)
	api.CheckStore = func() error { return st.Ping(context.Background()) }
	api.CheckBroker = brokerCheck

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildAdapters constructs one adapter per configured provider.
func buildAdapters(cfg config.ProvidersConfig) []provider.Adapter {
	var adapters []provider.Adapter
	if cfg.OpenAI.APIKey != "" {
		adapters = append(adapters, provider.NewOpenAIAdapter(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout))
	}
	if cfg.Anthropic.APIKey != "" {
		adapters = append(adapters, provider.NewAnthropicAdapter(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Timeout))
	}
	if cfg.Gemini.APIKey != "" {
		adapters = append(adapters, provider.NewGeminiAdapter(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Timeout))
	}
	if cfg.Ollama.BaseURL != "" {
		adapters = append(adapters, provider.NewOllamaAdapter(cfg.Ollama.BaseURL, cfg.Ollama.Timeout))
	}
	return adapters
}

// buildStorage selects the object storage backend.
func buildStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.ObjectStorage, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Options{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, logger)
	case "", "memory":
		logger.Warn("using in-memory object storage, attachments will not survive restarts")
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildBus selects the delivery backend. With no broker configured the
// bus is local-only; an unreachable broker degrades, never fails.
func buildBus(cfg config.BrokerConfig, logger *slog.Logger) (delivery.Bus, func() error) {
	local := delivery.NewLocalBus(logger)
	if cfg.Addr == "" {
		logger.Info("no broker configured, delivery is local-only")
		return local, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	cache := msgcache.New(cfg.MessageTTL, 1024)
	bus := delivery.NewSharedBus(client, local, delivery.NewRegistry(), cache, cfg.MessageTTL, cfg.MaxRetries, logger)

	check := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	return bus, check
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	fmt.Println("OK")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
