// Command forged runs the orchestration daemon: the agent registry, task
// queue, dispatcher and executor behind the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/term"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/auth"
	"github.com/forgeworks/forge/internal/factory"
	"github.com/forgeworks/forge/internal/hotreload"
	"github.com/forgeworks/forge/internal/keymanager"
	"github.com/forgeworks/forge/internal/telemetry"
	"github.com/forgeworks/forge/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("forged v%s\n", version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config at %s, using defaults", *configPath)
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("failed to load config from %s: %v", *configPath, err)
		}
	}

	// Environment overrides for containerized deployments.
	if url := os.Getenv("FORGE_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if dsn := os.Getenv("FORGE_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("FORGE_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	core, err := factory.New(cfg)
	if err != nil {
		log.Fatalf("failed to build core: %v", err)
	}

	// Unlock the credential store before Initialize so provider configs can
	// resolve their API keys from it.
	if km := unlockKeyStore(cfg.Security.KeyStorePath); km != nil {
		core.SetKeyManager(km)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		endpoint := cfg.Telemetry.OTLPEndpoint
		if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
			endpoint = env
		}
		shutdownTelemetry, err := telemetry.Init(runCtx, cfg.Telemetry.ServiceName, endpoint)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	if err := core.Initialize(runCtx); err != nil {
		log.Fatalf("failed to initialize core: %v", err)
	}
	core.Start(runCtx)

	if cfg.HotReload.Enabled {
		watcher, err := hotreload.New(*configPath, core.Providers())
		if err != nil {
			log.Printf("Hot-reload initialization failed: %v", err)
		} else {
			go watcher.Run(runCtx)
		}
	}

	authManager := auth.NewManager(cfg.Security.JWTSecret, cfg.Security.JWTIssuer,
		cfg.Security.JWTAudience, cfg.Security.APIKeys)

	apiServer := api.NewServer(core, core.Keys(), authManager, cfg)
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "forge-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("Forge API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	core.Shutdown()
}

// unlockKeyStore opens the encrypted credential store with the password from
// FORGE_PASSWORD, prompting on the terminal when none is set. Returns nil
// when no password is available; the daemon then runs with config-file keys
// only.
func unlockKeyStore(path string) *keymanager.Manager {
	password := os.Getenv("FORGE_PASSWORD")
	if password == "" && term.IsTerminal(int(syscall.Stdin)) {
		var err error
		password, err = config.GetPassword("Key store password: ")
		if err != nil {
			log.Printf("Warning: failed to read password: %v", err)
		}
	}
	if password == "" {
		log.Printf("Warning: no key store password, credential store disabled. Set FORGE_PASSWORD to enable it")
		return nil
	}

	km := keymanager.New(path)
	if err := km.Unlock(password); err != nil {
		log.Fatalf("failed to unlock key store: %v", err)
	}
	return km
}

func printHelp() {
	fmt.Println("Usage: forged [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: config.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  FORGE_PASSWORD      Master password for the encrypted credential store")
	fmt.Println("  FORGE_NATS_URL      NATS server URL for the event bus")
	fmt.Println("  FORGE_DATABASE_DSN  PostgreSQL DSN for the state mirror")
	fmt.Println("  FORGE_REDIS_ADDR    Redis address for the read cache")
	fmt.Println()
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT  Override the OTLP collector endpoint")
}
