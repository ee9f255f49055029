// Command finch runs the asking service: an HTTP daemon that turns natural
// language questions into validated SQL over a configured query engine.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/finchbase/finch/internal/bus"
	"github.com/finchbase/finch/internal/cache"
	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/config"
	"github.com/finchbase/finch/internal/gateway"
	"github.com/finchbase/finch/internal/intent"
	"github.com/finchbase/finch/internal/janitor"
	otelpkg "github.com/finchbase/finch/internal/otel"
	"github.com/finchbase/finch/internal/persistence"
	"github.com/finchbase/finch/internal/retrieval"
	"github.com/finchbase/finch/internal/task"
	"github.com/finchbase/finch/internal/telemetry"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: finch [command] [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      run the asking service (default)")
	fmt.Fprintln(w, "  status     query a running service's /healthz endpoint")
	fmt.Fprintln(w, "  doctor     run local diagnostics (add -json for machine output)")
	fmt.Fprintln(w, "  version    print the version and exit")
	fmt.Fprintln(w, "  help       show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -quiet     log to file only, keep stdout silent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Data lives in $FINCH_HOME (default ~/.finch).")
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println("finch", otelpkg.Version)
			return
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "serve":
			args = args[1:]
		default:
			if !strings.HasPrefix(args[0], "-") {
				fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
				printUsage(os.Stderr)
				os.Exit(2)
			}
		}
	}

	fs := flag.NewFlagSet("finch", flag.ExitOnError)
	fs.Usage = func() { printUsage(os.Stderr) }
	quiet := fs.Bool("quiet", false, "log to file only, keep stdout silent")
	_ = fs.Parse(args)

	run(ctx, *quiet)
}

func run(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOG_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	logger.Info("starting finch", "version", otelpkg.Version, "home", cfg.HomeDir, "bind", cfg.BindAddr)

	if !isLoopback(cfg.BindAddr) {
		logger.Warn("bind address is not loopback; the API is reachable from the network", "addr", cfg.BindAddr)
		if cfg.AuthToken == "" {
			logger.Warn("no auth_token configured on a non-loopback bind; every endpoint is open")
		}
	}

	eventBus := bus.New()

	provider, err := otelpkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()

	// Any ask still marked active belongs to a previous process.
	if n, err := store.FailStaleActiveAsks(ctx, time.Now()); err != nil {
		logger.Warn("stale ask recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("failed stale asks from previous run", "count", n)
	}

	registry, err := buildCapabilities(cfg)
	if err != nil {
		fatalStartup(logger, "E_CAPABILITY_INIT", err)
	}

	resultCache := cache.New[task.CachedResult](cfg.Ask.QueryCacheMaxSize, cfg.QueryCacheTTL(), time.Now)
	coordinator := retrieval.NewCoordinator(registry.Embedder(), registry.DocumentStore(), cfg.Retrieval, eventBus, logger)
	classifier := intent.NewClassifier(registry.Generator(), intent.Options{
		Enabled:    cfg.Ask.AllowIntentClassification,
		UseContext: cfg.Ask.IntentUsesContext,
	}, logger)

	svc := task.NewService(task.Options{
		Config:     &cfg,
		Store:      store,
		Registry:   registry,
		Retriever:  coordinator,
		Classifier: classifier,
		Cache:      resultCache,
		Bus:        eventBus,
		Metrics:    metrics,
		Tracer:     provider.Tracer,
		Logger:     logger,
	})

	jan, err := janitor.New(janitor.Config{
		Store:              store,
		Cache:              resultCache,
		Schedule:           cfg.JanitorSchedule,
		AskRetentionDays:   cfg.RetentionTaskDays,
		EventRetentionDays: cfg.RetentionEventsDays,
		Logger:             logger,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	jan.Start(ctx)
	defer jan.Stop()

	gw := gateway.New(gateway.Config{
		Service:           svc,
		Store:             store,
		Bus:               eventBus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		Metrics:           metrics,
		Logger:            logger,
	})
	gw.StartRateLimitEviction(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, edits need a restart", "error", err)
	} else {
		go watchConfigReloads(ctx, confWatcher, cfg, gw, logger)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, bindHint(cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in-flight asks with a bounded wait.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildCapabilities wires the external services the pipeline depends on. The
// generator and embedder may point at different endpoints, so each gets its
// own client.
func buildCapabilities(cfg config.Config) (*capability.Registry, error) {
	generator := capability.NewOpenAIClient(capability.OpenAIOptions{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	embedder := capability.NewOpenAIClient(capability.OpenAIOptions{
		BaseURL:    cfg.Embedder.BaseURL,
		APIKey:     cfg.Embedder.APIKey,
		EmbedModel: cfg.Embedder.Model,
		Timeout:    time.Duration(cfg.Embedder.TimeoutSeconds) * time.Second,
	})
	engine := capability.NewEngineClient(cfg.Engine.BaseURL, time.Duration(cfg.Engine.TimeoutSeconds)*time.Second)
	docs := capability.NewDocStoreClient(cfg.DocStore.BaseURL, cfg.DocStore.APIKey, time.Duration(cfg.DocStore.TimeoutSeconds)*time.Second)

	return capability.NewBuilder().
		WithGenerator(generator).
		WithEmbedder(embedder).
		WithQueryEngine(engine).
		WithDocumentStore(docs).
		Build()
}

// watchConfigReloads reacts to config.yaml edits. Most settings only take
// effect on restart; a fingerprint change is surfaced so cached results are
// not mistaken for current ones.
func watchConfigReloads(ctx context.Context, w *config.Watcher, active config.Config, gw *gateway.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Path, "config.yaml") {
				continue
			}
			next, err := config.LoadFrom(active.HomeDir)
			if err != nil {
				logger.Warn("config reload skipped, file invalid", "error", err)
				continue
			}
			if next.Fingerprint() == active.Fingerprint() {
				logger.Info("config file changed, no effective settings differ")
				continue
			}
			logger.Warn("config changed in a way that affects results, restart to apply",
				"old_fingerprint", active.Fingerprint(),
				"new_fingerprint", next.Fingerprint(),
			)
			gw.Broadcast(ctx, "config_changed", map[string]string{
				"fingerprint": next.Fingerprint(),
				"note":        "restart required",
			})
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func bindHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

// loadDotEnv reads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
