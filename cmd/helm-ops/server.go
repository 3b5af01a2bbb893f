package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-ops/pkg/api"
	"github.com/Mindburn-Labs/helm-ops/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-ops/pkg/config"
	"github.com/Mindburn-Labs/helm-ops/pkg/controlplane"
	"github.com/Mindburn-Labs/helm-ops/pkg/limiter"
	"github.com/Mindburn-Labs/helm-ops/pkg/observability"
	"github.com/Mindburn-Labs/helm-ops/pkg/secrets"
	"github.com/Mindburn-Labs/helm-ops/pkg/store"
	"github.com/Mindburn-Labs/helm-ops/pkg/versioning"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

const shutdownTimeout = 15 * time.Second

// runtime bundles what a process needs to serve or run a one-shot command.
type runtime struct {
	cfg   *config.Config
	svc   *controlplane.Service
	redis *redis.Client
	tel   *observability.Provider
}

func (rt *runtime) Close(ctx context.Context) {
	if err := rt.svc.Close(); err != nil {
		log.Printf("[helm-ops] store close: %v", err)
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		log.Printf("[helm-ops] telemetry shutdown: %v", err)
	}
}

// openRuntime wires storage, limiter, secrets, artifacts and telemetry from
// the environment.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	deployment := config.DefaultDeployment()
	if cfg.DeploymentFile != "" {
		d, err := config.LoadDeployment(cfg.DeploymentFile)
		if err != nil {
			return nil, err
		}
		deployment = d
		log.Printf("[helm-ops] deployment: %s (%d workspaces)", cfg.DeploymentFile, len(d.Workspaces))
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	var (
		st  *store.SQLStore
		err error
	)
	if cfg.Lite() {
		dbPath := filepath.Join(cfg.DataDir, "helm-ops.db")
		log.Printf("[helm-ops] lite mode: using sqlite at %s", dbPath)
		st, err = store.OpenSQLite(ctx, dbPath)
	} else {
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err == nil {
			log.Println("[helm-ops] postgres: connected")
		}
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	var lim limiter.Store = limiter.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rs := limiter.NewRedisStore(rt.redis)
		if err := rs.Ping(ctx); err != nil {
			_ = st.Close()
			_ = rt.redis.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		lim = rs
		log.Printf("[helm-ops] redis: connected (%s)", cfg.RedisAddr)
	}

	resolvers := secrets.Chain{}
	if cfg.VaultFile != "" {
		key, err := secrets.ParseMasterKey(cfg.VaultKey)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		vault, err := secrets.OpenVault(cfg.VaultFile, key)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		resolvers = append(resolvers, vault)
		log.Printf("[helm-ops] vault: %s", cfg.VaultFile)
	}
	resolvers = append(resolvers, secrets.NewEnvResolver())

	artStore, err := artifacts.NewStoreFromEnv(ctx, cfg.DataDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Printf("[helm-ops] artifacts: %s", artStore.Kind())

	telCfg := observability.DefaultConfig()
	telCfg.ServiceName = cfg.ServiceName
	telCfg.ServiceVersion = versioning.Version
	telCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telCfg.Enabled = cfg.OTelEnabled
	telCfg.Insecure = cfg.OTelInsecure
	tel, err := observability.New(ctx, telCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt.tel = tel

	svc, err := controlplane.New(ctx, controlplane.Options{
		Store:        st,
		Secrets:      resolvers,
		Limiter:      lim,
		Deployment:   deployment,
		DefaultTier:  cfg.DefaultTier,
		StrictReplay: cfg.StrictApprovalReplay,
		Artifacts:    artStore,
		Telemetry:    tel,
		DataDir:      cfg.DataDir,
	})
	if err != nil {
		_ = st.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	rt.svc = svc
	return rt, nil
}

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	fmt.Fprintf(stdout, "%sHELM Ops starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%sstartup failed:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}

	opts := api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	if rt.redis != nil {
		opts.Idempotency = api.NewRedisIdempotencyStore(rt.redis, api.DefaultIdempotencyTTL)
	}
	server, err := api.NewServer(rt.svc, opts)
	if err != nil {
		rt.Close(context.Background())
		fmt.Fprintf(stderr, "%sstartup failed:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	if !server.AuthEnabled() {
		log.Printf("[helm-ops] auth disabled: every request acts as %s", controlplane.DefaultActorID)
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("[helm-ops] health server: :%s", cfg.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		log.Printf("[helm-ops] ready: http://localhost:%s", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	log.Println("[helm-ops] press ctrl+c to stop")

	code := 0
	select {
	case <-ctx.Done():
		log.Println("[helm-ops] shutting down")
	case err := <-errCh:
		log.Printf("[helm-ops] %v", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	server.Close()
	rt.Close(shutdownCtx)
	return code
}
