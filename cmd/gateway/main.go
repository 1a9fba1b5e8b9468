package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"oidcgw/internal/audit"
	"oidcgw/internal/cache"
	memcache "oidcgw/internal/cache/memory"
	rediscache "oidcgw/internal/cache/redis"
	"oidcgw/internal/config"
	"oidcgw/internal/grant"
	ctrl "oidcgw/internal/http/controllers/interaction"
	"oidcgw/internal/http/router"
	svc "oidcgw/internal/http/services/interaction"
	"oidcgw/internal/idp/email"
	"oidcgw/internal/idp/github"
	"oidcgw/internal/metrics"
	"oidcgw/internal/observability/logger"
	"oidcgw/internal/provider"
	"oidcgw/internal/provider/remote"
	"oidcgw/internal/rate"
	"oidcgw/internal/sitesession"
	"oidcgw/internal/store"
	kubestore "oidcgw/internal/store/kube"
	memstore "oidcgw/internal/store/memory"
	pgstore "oidcgw/internal/store/pg"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:          "gateway",
		Short:        "OIDC interaction gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GATEWAY_CONFIG"), "path to config.yaml (env GATEWAY_CONFIG)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "oidcgw",
		Version:     version,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache backend, shared by grants, site sessions and email tokens.
	var (
		cacheClient cache.Client
		redisClient *rdb.Client
	)
	switch cfg.Cache.Kind {
	case "redis":
		redisClient = rdb.NewClient(&rdb.Options{Addr: cfg.Cache.Redis.Addr, DB: cfg.Cache.Redis.DB})
		cacheClient = rediscache.NewWithClient(redisClient, cfg.Cache.Redis.Prefix)
	default:
		cacheClient = memcache.New(cfg.Cache.Memory.DefaultTTL)
	}
	defer func() { _ = cacheClient.Close() }()
	if err := cacheClient.Ping(ctx); err != nil {
		return fmt.Errorf("cache unavailable: %w", err)
	}

	// Durable account store.
	var (
		accounts store.AccountStore
		pgPool   *pgxpool.Pool
	)
	switch cfg.Storage.Driver {
	case "kube":
		dyn, err := kubeDynamicClient()
		if err != nil {
			return fmt.Errorf("kubernetes client: %w", err)
		}
		accounts = kubestore.New(dyn, cfg.Storage.Kube)
	case "pg":
		pgPool, err = pgxpool.New(ctx, cfg.Storage.PG.DSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pgPool.Close()
		accounts = pgstore.New(pgPool)
	default:
		log.Warn("using in-memory account store, accounts will not survive a restart")
		accounts = memstore.New()
	}

	// Audit sinks.
	var sinks []audit.Sink
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewZapSink())
		case "postgres":
			pool := pgPool
			if dsn := cfg.Audit.PGDSN; dsn != "" {
				pool, err = pgxpool.New(ctx, dsn)
				if err != nil {
					return fmt.Errorf("audit postgres pool: %w", err)
				}
				defer pool.Close()
			}
			if pool == nil {
				return errors.New("audit sink postgres needs audit.pg_dsn or storage driver pg")
			}
			sinks = append(sinks, audit.NewPGSink(pool))
		default:
			return fmt.Errorf("unknown audit sink %q", name)
		}
	}
	recorder := audit.NewRecorder(sinks...)

	texts, err := svc.LoadTexts(cfg.Texts.ToSPath, cfg.Texts.ApprovalPath)
	if err != nil {
		return err
	}

	masterKey, err := siteSessionKey(cfg.SiteSession.MasterKey)
	if err != nil {
		return err
	}
	sessions := sitesession.NewService(cacheClient, masterKey, sitesession.Config{
		CookieName: cfg.SiteSession.CookieName,
		TTL:        cfg.SiteSession.TTL,
		Secure:     cfg.SiteSession.Secure,
	})

	var emailLogin *email.Login
	if cfg.SMTP.Host != "" {
		emailLogin = email.NewLogin(cfg.SMTP, cfg.Server.BaseURL, cacheClient, cfg.EmailLogin.LinkTTL)
	}
	var gh *github.OAuth
	if cfg.GitHub.ClientID != "" {
		gh = github.New(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.RedirectURL)
	}

	var prov provider.Provider
	switch cfg.Provider.Mode {
	case "remote":
		prov = remote.New(cfg.Provider.Remote)
	case "fake":
		log.Warn("using fake protocol provider, suitable for local development only")
		prov = provider.NewFake()
	default:
		return fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
	}

	var limiter rate.Limiter
	if cfg.Rate.Enabled {
		if redisClient != nil {
			limiter = rate.NewRedisLimiter(redisClient, "rl:", cfg.Rate.Limit, cfg.Rate.Window)
		} else {
			limiter = rate.NewMemoryLimiter(cfg.Rate.Limit, cfg.Rate.Window)
		}
	}

	service := svc.New(svc.Deps{
		Provider: prov,
		Accounts: accounts,
		Grants:   grant.NewCacheStore(cacheClient),
		Sessions: sessions,
		Audit:    recorder,
		Texts:    texts,
		GitHub:   gh,
		Email:    emailLogin,
	})

	handler := router.New(router.Deps{
		Interaction: ctrl.NewController(service),
		RateLimiter: limiter,
	})

	appSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening",
			logger.Component("http"),
			zap.String("addr", cfg.Server.Addr),
		)
		if err := appSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return appSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("gateway stopped")
	return err
}

// kubeDynamicClient prefers in-cluster credentials and falls back to the
// local kubeconfig for development.
func kubeDynamicClient() (dynamic.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, err
			}
			kubeconfig = home + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, err
		}
	}
	return dynamic.NewForConfig(restCfg)
}

// siteSessionKey decodes the configured master key. Base64 is preferred;
// a raw string is accepted so dev setups can use a plain passphrase.
func siteSessionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("site_session.master_key is required (env GATEWAY_SITE_SESSION_KEY)")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) >= 16 {
		return raw, nil
	}
	if len(s) < 16 {
		return nil, errors.New("site_session.master_key must be at least 16 bytes")
	}
	return []byte(s), nil
}
