// Command helvaultd is the poller daemon: it loads a helvault.yaml, wires
// one httpengine/auth/hooks/dedupe stack per configured source, and runs
// the scheduler and admin/health server until told to stop.
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

	"github.com/joho/godotenv"

	"github.com/ocx/helvault/internal/adminapi"
	"github.com/ocx/helvault/internal/audit"
	"github.com/ocx/helvault/internal/auth"
	"github.com/ocx/helvault/internal/circuit"
	"github.com/ocx/helvault/internal/config"
	"github.com/ocx/helvault/internal/dedupe"
	"github.com/ocx/helvault/internal/hooks"
	"github.com/ocx/helvault/internal/httpengine"
	"github.com/ocx/helvault/internal/metrics"
	"github.com/ocx/helvault/internal/polltick"
	"github.com/ocx/helvault/internal/ratelimit"
	"github.com/ocx/helvault/internal/scheduler"
	"github.com/ocx/helvault/internal/sink"
	"github.com/ocx/helvault/internal/statestore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	configPath := flag.String("config", "helvault.yaml", "path to the helvault config file")
	validateOnly := flag.Bool("validate-config", false, "load and validate the config, then exit")
	once := flag.Bool("once", false, "poll every source once and exit, instead of running the scheduler")
	flag.Parse()

	if *validateOnly {
		if _, err := config.Load(*configPath); err != nil {
			log.Fatalf("config invalid: %v", err)
		}
		log.Printf("config %s is valid", *configPath)
		return
	}

	if err := run(*configPath, *once); err != nil {
		log.Fatalf("helvaultd: %v", err)
	}
}

func run(configPath string, once bool) error {
	log.Printf("starting helvaultd, config=%s", configPath)

	configMgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := configMgr.Current()

	audit.Configure(cfg.Global.Audit.Enabled, cfg.Global.Audit.LogCredentialAccess,
		cfg.Global.Audit.LogConfigChanges, cfg.Global.Audit.RedactSecrets)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statestore.New(ctx, cfg.Global)
	if err != nil {
		return fmt.Errorf("init state store: %w", err)
	}

	snk, err := sink.New(ctx, cfg.Global)
	if err != nil {
		return fmt.Errorf("init sink: %w", err)
	}
	defer snk.Close()

	breakers := circuit.NewManager()
	m := metrics.New()
	engine := &httpengine.Engine{
		Breakers: breakers,
		Limiters: ratelimit.NewRegistry(),
		DPoPKeys: auth.NewKeyCache(),
		Metrics:  m,
	}

	dedupes := dedupe.NewStore()
	runner := polltick.NewRunner(engine, store, snk, dedupes)
	runner.Metrics = m

	providers := make(map[string]auth.Provider, len(cfg.Sources))
	hookRuntimes := make(map[string]*hooks.Runtime, len(cfg.Sources))
	for sourceID, src := range cfg.Sources {
		var hookRT *hooks.Runtime
		if src.HookScript != "" {
			script, err := os.ReadFile(hooks.ScriptPath(cfg.Global.Hooks, src.HookScript))
			if err != nil {
				return fmt.Errorf("read hook script for source %s: %w", sourceID, err)
			}
			hookRT = hooks.New(string(script), cfg.Global.Hooks)
			hookRuntimes[sourceID] = hookRT
		}

		var resolver auth.HookAuthResolver
		if hookRT != nil {
			resolver = func(id string) (auth.Resolved, error) {
				result, err := hookRT.GetAuth(hooks.Context{SourceID: id})
				if err != nil {
					return auth.Resolved{}, err
				}
				return auth.Resolved{ExtraHeaders: result.Headers, Cookie: result.Cookie}, nil
			}
		}

		provider, err := auth.New(src.Auth, http.DefaultClient, resolver)
		if err != nil {
			return fmt.Errorf("init auth for source %s: %w", sourceID, err)
		}
		providers[sourceID] = provider
	}

	sched := scheduler.New(runner, snk, cfg.Global, cfg.Sources, providers, hookRuntimes)

	if once {
		for sourceID := range cfg.Sources {
			if err := sched.Trigger(ctx, sourceID); err != nil {
				log.Printf("source %s: %v", sourceID, err)
			}
		}
		return nil
	}

	adminSrv := adminapi.New(configMgr, breakers, runner, store, runner.Metrics, sched)
	httpSrv := startAdminServer(cfg, adminSrv)

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go watchReload(ctx, configMgr, breakers, sighup)

	<-ctx.Done()
	log.Println("shutdown signal received, draining")
	<-schedDone

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// startAdminServer starts the health/api/metrics HTTP listener if any of
// the three surfaces are enabled, returning nil when all are disabled.
func startAdminServer(cfg *config.Config, adminSrv *adminapi.Server) *http.Server {
	if !cfg.Global.Health.Enabled && !cfg.Global.API.Enabled && !cfg.Global.Metrics.Enabled {
		return nil
	}
	addr := cfg.Global.Health.Address
	port := cfg.Global.Health.Port
	if addr == "" {
		addr = "0.0.0.0"
	}
	if port == 0 {
		port = 8080
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", addr, port),
		Handler: adminSrv.Router(),
	}
	go func() {
		log.Printf("admin/health server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server error: %v", err)
		}
	}()
	return httpSrv
}

// watchReload re-loads the config on SIGHUP and, when configured, resets
// every circuit breaker so sources restart from a clean failure count.
func watchReload(ctx context.Context, configMgr *config.Manager, breakers *circuit.Manager, sighup chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			if err := configMgr.Reload(); err != nil {
				log.Printf("reload failed: %v", err)
				continue
			}
			log.Println("config reloaded")
			if configMgr.Current().Global.Reload.RestartSourcesOnSighup {
				for sourceID := range configMgr.Current().Sources {
					breakers.Reset(sourceID)
				}
			}
		}
	}
}
