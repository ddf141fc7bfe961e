package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"starling/internal/api"
	"starling/internal/config"
	"starling/internal/director"
	"starling/internal/dispatcher"
	"starling/internal/events"
	"starling/internal/memory"
	"starling/internal/model"
	"starling/internal/permission"
	sqlitestore "starling/internal/store/sqlite"
	"starling/internal/toolloop"
	"starling/internal/tools"
	"starling/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.starling/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	memoryFlag := flag.String("memory", "", "memory root directory override")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" || !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Config{}.WithDefaults()
	}

	addr := firstNonEmpty(*addrFlag, os.Getenv("STARLING_ADDR"), cfg.Server.Addr)
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, os.Getenv("STARLING_DB"), cfg.Store.DBPath))
	memoryRoot := filepath.Clean(firstNonEmpty(*memoryFlag, os.Getenv("STARLING_MEMORY"), cfg.Memory.Root))

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create db directory: %v", err)
		}
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	natsURL := firstNonEmpty(os.Getenv("STARLING_NATS_URL"), cfg.Events.NATSURL)
	if natsURL != "" {
		bridge, err := events.NewNATSBridge(natsURL, cfg.Events.SubjectPrefix, bus, log.Default())
		if err != nil {
			log.Printf("nats bridge disabled: %v", err)
		} else {
			defer bridge.Close()
			log.Printf("nats bridge active url=%s prefix=%s", natsURL, cfg.Events.SubjectPrefix)
		}
	}

	trk := tracker.New(store, bus, log.Default())

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		log.Fatalf("register builtin tools: %v", err)
	}

	memoryStore, err := memory.NewStore(memoryRoot)
	if err != nil {
		log.Fatalf("open memory store: %v", err)
	}

	invoker := model.NewEchoInvoker(os.Getenv("STARLING_MODEL_PREFIX"), log.Default())
	loop := toolloop.New(invoker, registry, trk, toolloop.Config{
		MaxIterations: cfg.Dispatch.MaxIterations,
		ModelRetries:  cfg.Dispatch.ModelRetries,
		RetryBackoff:  time.Duration(cfg.Dispatch.RetryBackoffMS) * time.Millisecond,
	}, log.Default())

	spawner := director.New(loop, trk, permission.CapabilityMap(cfg.Capabilities), cfg.Dispatch.MaxDepth, log.Default())
	resolver := permission.NewResolver(store, registry, cfg.Permission.SafeMode, cfg.Permission.BaseTools, log.Default())

	disp := dispatcher.New(store, resolver, loop, trk, memoryStore, spawner, logNotifier{logger: log.Default()}, dispatcher.Options{
		SystemPrompt: cfg.Dispatch.SystemPrompt,
		HistoryLimit: cfg.Dispatch.HistoryLimit,
		MemoryDays:   cfg.Memory.Days,
	}, log.Default())

	srv := api.NewServer(disp, trk, store, bus, log.Default())
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"starlingd started addr=%s db=%s memory=%s safe_mode=%t max_depth=%d",
		addr,
		dbPath,
		memoryRoot,
		cfg.Permission.SafeMode,
		cfg.Dispatch.MaxDepth,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

// logNotifier stands in for an outbound chat adapter. Interim tool
// messages land in the daemon log until a real channel is attached.
type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) Notify(_ context.Context, text string) error {
	n.logger.Printf("notify: %s", text)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
