// Package server assembles the signing gate from configuration and serves it
// over HTTP.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/signgate/internal/approval"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/auth"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/circuitbreaker"
	"github.com/mbd888/signgate/internal/config"
	"github.com/mbd888/signgate/internal/custody"
	"github.com/mbd888/signgate/internal/health"
	"github.com/mbd888/signgate/internal/logging"
	"github.com/mbd888/signgate/internal/metrics"
	"github.com/mbd888/signgate/internal/pipeline"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/mbd888/signgate/internal/ratelimit"
	"github.com/mbd888/signgate/internal/realtime"
	"github.com/mbd888/signgate/internal/signing"
	"github.com/mbd888/signgate/internal/traces"
	"github.com/mbd888/signgate/internal/txbuild"
	"github.com/mbd888/signgate/internal/validation"
	"github.com/mbd888/signgate/internal/watcher"
	"github.com/mbd888/signgate/internal/webhooks"
	"github.com/redis/go-redis/v9"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	db    *sql.DB               // nil when running in memory
	redis redis.UniversalClient // nil without REDIS_URL

	policyCfg  *policy.Config
	chains     chain.Router // nil without RPC configuration
	breaker    *circuitbreaker.Breaker
	signer     custody.Signer
	signerAddr common.Address

	gate       *policy.Gate
	counter    policy.Counter
	memCounter *policy.MemoryCounter
	tokens     *approval.Manager
	sweeper    *approval.Sweeper
	queue      *approval.Queue
	hub        *realtime.Hub
	webhooks   *webhooks.Dispatcher // nil without APPROVAL_WEBHOOK_URLS
	receipts   *watcher.Watcher
	sink       audit.Sink
	pipeline   *pipeline.Service
	limiter    *ratelimit.Limiter
	health     *health.Registry
	auth       *auth.Manager

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc
	stopTracing   func(context.Context) error
	drainDelay    time.Duration
	ready         atomic.Bool
	shutdownStart atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithSigner replaces keystore custody, e.g. with an in-memory Keyring.
func WithSigner(signer custody.Signer, addr common.Address) Option {
	return func(s *Server) {
		s.signer = signer
		s.signerAddr = addr
	}
}

// WithChains replaces the RPC router built from configuration.
func WithChains(r chain.Router) Option {
	return func(s *Server) { s.chains = r }
}

// WithPolicy replaces the policy loaded from POLICY_FILE.
func WithPolicy(p *policy.Config) Option {
	return func(s *Server) { s.policyCfg = p }
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initPolicy(); err != nil {
		return nil, err
	}
	if err := s.initChains(ctx); err != nil {
		return nil, err
	}
	if err := s.initSigner(); err != nil {
		return nil, err
	}
	if err := s.initPipeline(); err != nil {
		return nil, err
	}
	if err := s.initAuth(); err != nil {
		return nil, err
	}
	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		if err := metrics.RegisterDB(db, "signgate"); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis for rate counting and approval tokens", "addr", opts.Addr)
	}

	var store approval.Store
	switch {
	case s.db != nil:
		store = approval.NewPostgresStore(s.db)
	case s.redis != nil:
		store = approval.NewRedisStore(s.redis)
	default:
		store = approval.NewMemoryStore()
		s.logger.Warn("approval tokens are held in memory; restarts drop outstanding approvals")
	}
	s.tokens = approval.NewManager(store, s.logger).WithTTL(s.cfg.TokenTTL)
	s.sweeper = approval.NewSweeper(s.tokens, s.cfg.SweepInterval, s.logger)

	if s.redis != nil {
		s.counter = policy.NewRedisCounter(s.redis)
	} else {
		s.memCounter = policy.NewMemoryCounter(s.logger)
		s.counter = s.memCounter
	}

	sinks := audit.Multi{audit.NewLogSink(s.logger)}
	if s.db != nil {
		sinks = append(audit.Multi{audit.NewPostgresSink(s.db)}, sinks...)
	} else {
		sinks = append(audit.Multi{audit.NewMemorySink()}, sinks...)
	}
	s.sink = sinks
	return nil
}

func (s *Server) initPolicy() error {
	if s.policyCfg != nil {
		return nil
	}
	p, err := policy.LoadConfig(s.cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	s.policyCfg = p
	s.logger.Info("policy loaded", "file", s.cfg.PolicyFile, "version", p.Version)
	return nil
}

func (s *Server) initChains(ctx context.Context) error {
	s.breaker = circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("rpc circuit changed state", "key", key, "from", from.String(), "to", to.String())
	})

	if s.chains == nil {
		urls, err := s.cfg.RPCURLs()
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			s.logger.Warn("no RPC configured; preflight, signing params and broadcast are unavailable")
			return nil
		}
		multi, err := chain.Dial(ctx, urls)
		if err != nil {
			return fmt.Errorf("failed to dial RPC: %w", err)
		}
		s.chains = multi
	}

	guarded, err := chain.GuardRouter(s.chains, s.breaker)
	if err != nil {
		return err
	}
	s.chains = guarded
	s.logger.Info("rpc configured", "chains", guarded.Chains())
	return nil
}

func (s *Server) initSigner() error {
	if s.signer != nil {
		return nil
	}
	if s.cfg.KeystoreDir == "" {
		// Nothing can be signed; every sign request fails closed as locked.
		s.signer = custody.NewKeyring()
		s.logger.Warn("no KEYSTORE_DIR configured; signing is disabled")
		return nil
	}

	ks := custody.OpenKeystore(s.cfg.KeystoreDir)
	s.signer = ks
	s.logger.Info("keystore opened", "dir", s.cfg.KeystoreDir, "accounts", len(ks.Accounts()))
	if s.cfg.UnlockAddress == "" {
		return nil
	}

	pass, err := s.cfg.UnlockPassphrase()
	if err != nil {
		return err
	}
	s.signerAddr = common.HexToAddress(s.cfg.UnlockAddress)
	if err := ks.Unlock(s.signerAddr, pass, s.cfg.UnlockDuration); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", s.signerAddr.Hex(), err)
	}
	s.logger.Info("signing key unlocked", "address", s.signerAddr.Hex(), "duration", s.cfg.UnlockDuration)
	return nil
}

func (s *Server) initPipeline() error {
	gate, err := policy.NewGate(s.policyCfg, s.counter, s.logger)
	if err != nil {
		return err
	}
	s.gate = gate

	s.hub = realtime.NewHub(s.logger)
	var notifier approval.Notifier = s.hub
	if len(s.cfg.WebhookURLs) > 0 {
		endpoints := make([]webhooks.Endpoint, len(s.cfg.WebhookURLs))
		for i, u := range s.cfg.WebhookURLs {
			endpoints[i] = webhooks.Endpoint{URL: u, Secret: s.cfg.WebhookSecret}
		}
		s.webhooks = webhooks.NewDispatcher(endpoints, s.logger)
		notifier = approval.Notifiers{s.hub, s.webhooks}
		s.logger.Info("approval webhooks enabled", "endpoints", len(endpoints))
	}
	s.queue = approval.NewQueue(s.cfg.PendingTTL, notifier, s.logger)
	s.hub.WithSnapshot(func() any { return s.queue.List() })
	s.receipts = watcher.New(watcher.DefaultConfig(), s.chains, s.sink, s.logger)

	var approver approval.Approver
	switch s.cfg.ApprovalMode {
	case config.ApprovalAuto:
		s.logger.Warn("APPROVAL_MODE=auto: every require_approval decision is granted without a human")
		approver = approval.NewAuto(s.tokens, s.sink, s.logger)
	case config.ApprovalCLI:
		approver = approval.NewInteractive(s.tokens, s.sink, s.logger)
	default:
		approver = approval.NewQueueApprover(s.queue, s.tokens, s.sink, s.cfg.ApprovalTimeout, s.logger)
	}

	s.pipeline = pipeline.New(pipeline.Deps{
		Builder:          txbuild.NewEVMBuilder(s.cfg.Routers(), s.logger),
		Gate:             gate,
		Chains:           s.chains,
		Approver:         approver,
		Tokens:           s.tokens,
		Signer:           signing.NewService(s.signer, s.tokens, s.chains, s.sink, s.logger).WithTracker(s.receipts),
		Sink:             s.sink,
		Logger:           s.logger,
		PreflightTimeout: s.cfg.PreflightTimeout,
	})
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	return nil
}

func (s *Server) initAuth() error {
	s.auth = auth.NewManager()
	if err := s.auth.AddAll(auth.RoleAgent, s.cfg.AgentAPIKeys); err != nil {
		return err
	}
	if err := s.auth.AddAll(auth.RoleApprover, s.cfg.ApproverAPIKeys); err != nil {
		return err
	}
	if !s.auth.Enabled() {
		s.logger.Warn("no API keys configured; the API is unauthenticated")
	}
	return nil
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	if s.chains != nil {
		s.health.Register("rpc", health.Chains(s.chains))
	}
	if s.signerAddr != (common.Address{}) {
		s.health.RegisterOptional("signer", health.SignerUnlocked(s.signer, s.signerAddr))
	}
	s.health.RegisterOptional("rpc_breaker", func(context.Context) error {
		if open := s.breaker.OpenKeys(); len(open) > 0 {
			return fmt.Errorf("open circuits: %v", open)
		}
		return nil
	})
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.limiter.Middleware())
	v1.Use(auth.Middleware(s.auth))
	v1.Use(validation.IntentIDParam(), validation.RequestIDParam())

	// Approver keys may also submit intents; agent keys never reach the
	// approval queue.
	agents := v1.Group("", auth.Require(s.auth, auth.RoleAgent, auth.RoleApprover))
	policy.NewHandler(s.gate).RegisterRoutes(agents)
	pipeline.NewHandler(s.pipeline).RegisterRoutes(agents)
	agents.GET("/stats", s.statsHandler)

	approvers := v1.Group("", auth.Require(s.auth, auth.RoleApprover))
	approval.NewHandler(s.queue).RegisterRoutes(approvers)
	approvers.GET("/approvals/stream", gin.WrapF(s.hub.HandleWebSocket))
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.shutdownStart.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pendingApprovals": len(s.queue.List()),
		"stream":           s.hub.Stats(),
		"tokenSweep":       s.sweeper.Stats(),
		"openCircuits":     s.breaker.OpenKeys(),
		"trackedTxs":       s.receipts.Pending(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts background workers and the HTTP listener, then blocks until a
// signal, a listener error or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stop, err := traces.Setup(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Insecure:    s.cfg.OTLPInsecure,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     s.version,
	}, s.logger)
	if err != nil {
		s.logger.Error("tracing disabled", "error", err)
	} else {
		s.stopTracing = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Approval requests block until a human decides.
		WriteTimeout: s.cfg.ApprovalTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "approvalMode", s.cfg.ApprovalMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

func (s *Server) startWorkers(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.sweeper.Start(ctx)
	go s.receipts.Start(ctx)
	go s.limiter.Run(ctx)
	if s.memCounter != nil {
		go s.memCounter.Start(ctx)
	}
}

// Shutdown drains traffic, default-denies pending approvals and releases
// every connection.
func (s *Server) Shutdown() error {
	if !s.shutdownStart.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	// Unblocks every waiting approval request before the listener drains.
	s.queue.Close()
	if s.webhooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.webhooks.Close(ctx); err != nil {
			s.logger.Warn("webhook deliveries abandoned", "error", err)
		}
		cancel()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.receipts.Stop()
	if s.memCounter != nil {
		s.memCounter.Stop()
	}

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
		cancel()
	}

	chain.Close(s.chains)
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
