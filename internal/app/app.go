// Package app wires every component into one process-wide container, in
// dependency order, and tears it down in reverse on shutdown. Per spec
// §9's "process-wide singletons" guidance: this is the single place
// that knows the full dependency graph, so every other package keeps
// depending only on the narrow interface it declares for itself.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atlasgw/atlas/internal/approval"
	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/auth"
	"github.com/atlasgw/atlas/internal/broadcast"
	"github.com/atlasgw/atlas/internal/cache"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/cost"
	"github.com/atlasgw/atlas/internal/credential"
	"github.com/atlasgw/atlas/internal/execution"
	"github.com/atlasgw/atlas/internal/gc"
	"github.com/atlasgw/atlas/internal/health"
	"github.com/atlasgw/atlas/internal/logging"
	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/provider"
	"github.com/atlasgw/atlas/internal/rollout"
	"github.com/atlasgw/atlas/internal/router"
	"github.com/atlasgw/atlas/internal/sandbox"
	"github.com/atlasgw/atlas/internal/storage"
	"github.com/atlasgw/atlas/internal/trust"
)

// App is the fully wired gateway daemon: every component constructed in
// dependency order and held here for the process lifetime.
type App struct {
	Config *config.Config

	Store      *storage.Store
	Credential *credential.Store
	Auth       *auth.Authenticator
	Providers  map[string]provider.Provider
	Health     *health.Cache
	DedupCache *cache.Cache
	PromptCache *cache.Cache
	Cost       *cost.Tracker
	Router     *router.Router
	Audit      *audit.Log
	Bus        *broadcast.Broadcaster
	Notify     *notify.Sink
	Approvals  *approval.Queue
	Execution  *execution.Manager
	Trust      *trust.Monitor
	Rollout    *rollout.Controller
	GC         *gc.Scheduler

	domainProxy *sandbox.DomainProxy
	executor    execution.Executor
	cron        *cron.Cron
}

// Sentinel wrapper errors New returns, distinguished by errors.Is so
// cmd/gatewayd can map a startup failure to spec §6's exit codes without
// parsing error strings.
var (
	ErrStorageUnreachable   = fmt.Errorf("storage unreachable")
	ErrCredentialStore      = fmt.Errorf("credential store uninitialized or corrupt")
)

// New constructs every component in dependency order: storage first
// (everything else reads/writes through it), then the security boundary
// (credential, auth), then the provider registry and the components that
// observe it (health, router), then the policy/audit layer (audit,
// broadcast, notify, approval, execution, trust, rollout), and finally
// the GC scheduler, which depends on nearly everything else to sweep.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := storage.Open(ctx, cfg.Storage.DriverDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}

	credStore := credential.New(store)
	if err := unlockCredentials(credStore, cfg); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrCredentialStore, err)
	}

	signingKey, err := resolveSigningKey(ctx, credStore, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("resolve session signing key: %w", err)
	}
	authenticator := auth.NewAuthenticator(store, signingKey, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	providers, err := buildProviders(ctx, credStore, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	healthCache := health.New(providers, cfg.Health.TTL)

	dedupCache := cache.New(cache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL, MaxEntries: cfg.Cache.MaxEntries, SweepPeriod: cfg.Cache.SweepPeriod,
	})
	promptCache := cache.New(cache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL, MaxEntries: cfg.Cache.MaxEntries, SweepPeriod: cfg.Cache.SweepPeriod,
	})

	auditLog := audit.New(store)
	bus := broadcast.New()
	sink := notify.NewSink(bus)

	costTracker := cost.New(store, cost.Budget{
		DailyLimit: cfg.Costs.DailyLimit, WeeklyLimit: cfg.Costs.WeeklyLimit, MonthlyLimit: cfg.Costs.MonthlyLimit,
		AlertThresholds: cfg.Costs.AlertThresholds,
	}, sink)

	modelRouter := router.New(router.Config{
		RoutingRules: router.RoutingRules{
			Simple: cfg.Router.RoutingRules.Simple, Moderate: cfg.Router.RoutingRules.Moderate, Complex: cfg.Router.RoutingRules.Complex,
		},
		FallbackChain:        cfg.Router.FallbackChain,
		AutoDetectComplexity: cfg.Router.AutoDetectComplexity,
	}, providers, healthCache, costTracker, buildPricing(cfg))

	scorer := approval.NewScorer()
	approvalQueue := approval.New(store, scorer, auditLog, sink, bus, cfg.Approval.DefaultTTL)
	executionMgr := execution.New(store, auditLog, bus, cfg.Execution.UndoWindow)

	domainProxy, err := startSandbox(cfg, scorer)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start sandbox: %w", err)
	}
	executor := buildExecutor(cfg, domainProxy)

	rolloutCtrl := rollout.New(store, auditLog, sink, rollout.Limits{
		UserCaps: cfg.Rollout.PhaseUserCaps, CleanDaysNeeded: cfg.Rollout.PhaseCleanDaysReq,
	})
	trustMonitor := trust.New(store, auditLog, rolloutCtrl, time.Duration(cfg.Trust.WindowHours)*time.Hour, cfg.Trust.SustainWindow)

	gcScheduler := gc.New(gc.Config{
		Sessions:       store,
		Approvals:      approvalQueue,
		Audit:          auditLog,
		Caches:         []gc.CacheSweeper{dedupCache, promptCache},
		Undo:           executionMgr,
		Interval:       cfg.GC.Interval,
		AuditRetention: cfg.Approval.AuditRetention,
		MemThreshold:   cfg.GC.MemoryThreshold,
	})

	return &App{
		Config: cfg, Store: store, Credential: credStore, Auth: authenticator, Providers: providers,
		Health: healthCache, DedupCache: dedupCache, PromptCache: promptCache, Cost: costTracker,
		Router: modelRouter, Audit: auditLog, Bus: bus, Notify: sink, Approvals: approvalQueue,
		Execution: executionMgr, Trust: trustMonitor, Rollout: rolloutCtrl, GC: gcScheduler,
		domainProxy: domainProxy, executor: executor,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}, nil
}

// Execute runs an approved request's action through the sandboxed
// executor buildExecutor wired (cmd allowlist, timeout, and, for
// network_call/external_api, the domain proxy), then mints its Undo
// Ticket, per spec §4.11. This is the CLI/ingress-facing entry point to
// the Execution/Undo Manager (C11) — callers don't construct their own
// Executor.
func (a *App) Execute(ctx context.Context, requestID, category, actionBody, compensationFnID string) (string, error) {
	return a.Execution.Execute(ctx, requestID, category, actionBody, compensationFnID, a.executor)
}

// RevealCredential is spec §6's Credentials ingress operation
// "reveal(id) [gated on MFA]": the only path to a credential's plaintext,
// requiring accessToken to carry a verified MFA claim before the
// decryption in Credential.Retrieve ever runs. Callers must not reach
// credential.Store.Retrieve directly from outside this package.
func (a *App) RevealCredential(ctx context.Context, accessToken, id string) (string, error) {
	if _, err := a.Auth.VerifyAccessRequireMFA(accessToken); err != nil {
		return "", err
	}
	return a.Credential.Retrieve(ctx, id)
}

// Start launches every periodic task: health refresh, approval
// expire-sweep, and the daily rollout clean-day evaluation, each as its
// own cron entry so one slow task never delays another's schedule,
// matching the teacher's one-cron-instance-many-jobs habit in
// internal/scheduler/service.go; then starts the GC scheduler on its own
// cron instance.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc(intervalSpec(a.Config.Health.TTL), func() {
		a.Health.RefreshAll(ctx)
	}); err != nil {
		return fmt.Errorf("register health refresh job: %w", err)
	}

	sweepPeriod := a.Config.Approval.SweepPeriod
	if sweepPeriod <= 0 {
		sweepPeriod = 15 * time.Second
	}
	if _, err := a.cron.AddFunc(intervalSpec(sweepPeriod), func() {
		if _, err := a.Approvals.ExpireSweep(ctx); err != nil {
			logging.Logger().Warn("approval expire sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("register approval sweep job: %w", err)
	}

	if _, err := a.cron.AddFunc("@daily", func() {
		if _, err := a.Rollout.EvaluateCleanDay(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil {
			logging.Logger().Warn("rollout clean day evaluation failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("register rollout clean day job: %w", err)
	}

	a.cron.Start()

	if err := a.GC.Start(ctx, a.Config.GC.Interval); err != nil {
		return fmt.Errorf("start gc scheduler: %w", err)
	}

	logging.Logger().Info("gateway started")
	return nil
}

// Shutdown tears the container down in the reverse of construction
// order and is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.GC.Stop()
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	a.Bus.Shutdown()
	a.DedupCache.Close()
	a.PromptCache.Close()
	if a.domainProxy != nil {
		a.domainProxy.Close()
	}

	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	logging.Logger().Info("gateway stopped")
	return nil
}

func intervalSpec(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}

// unlockCredentials derives the credential store's master key from the
// passphrase in the environment variable cfg.Credential.KeychainSeedEnv
// names, and a per-installation salt file alongside the database, so
// restarting the daemon with the same passphrase reopens the same
// credentials.
func unlockCredentials(store *credential.Store, cfg *config.Config) error {
	passphrase := os.Getenv(cfg.Credential.KeychainSeedEnv)
	if passphrase == "" {
		return fmt.Errorf("environment variable %q is not set", cfg.Credential.KeychainSeedEnv)
	}
	salt, err := loadOrCreateSalt(cfg.Storage.DriverDSN + ".salt")
	if err != nil {
		return err
	}
	store.Unlock(passphrase, salt)
	return nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// resolveSigningKey fetches the session HMAC secret from the credential
// store, bootstrapping one on first run.
func resolveSigningKey(ctx context.Context, store *credential.Store, cfg *config.Config) ([]byte, error) {
	if cfg.Auth.HMACSecretCredentialID != "" {
		plaintext, err := store.Retrieve(ctx, cfg.Auth.HMACSecretCredentialID)
		if err == nil {
			return []byte(plaintext), nil
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	meta, err := store.StoreSecret(ctx, "system", "session-hmac-secret", "gateway", string(secret))
	if err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	cfg.Auth.HMACSecretCredentialID = meta.ID
	return secret, nil
}

// OpenAuth opens storage plus the pairing and session authenticator
// components, for administrative CLI commands (device pairing) that don't
// need the rest of the container. The caller owns the returned
// *storage.Store and must Close it.
func OpenAuth(ctx context.Context, cfg *config.Config) (*storage.Store, *auth.Pairer, *auth.Authenticator, error) {
	store, err := storage.Open(ctx, cfg.Storage.DriverDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	credStore := credential.New(store)
	if err := unlockCredentials(credStore, cfg); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrCredentialStore, err)
	}
	signingKey, err := resolveSigningKey(ctx, credStore, cfg)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("resolve session signing key: %w", err)
	}
	pairer := auth.NewPairer(store, cfg.Auth.PairingChallengeTTL, cfg.Auth.MaxDevicesPerOwner)
	authenticator := auth.NewAuthenticator(store, signingKey, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	return store, pairer, authenticator, nil
}

// OpenCredentialStore opens storage and an unlocked credential store
// without constructing the rest of the container, for administrative CLI
// commands (credential list/add/rotate/delete, device pairing) that have
// no need for the router, health cache, or periodic tasks. The caller owns
// the returned *storage.Store and must Close it.
func OpenCredentialStore(ctx context.Context, cfg *config.Config) (*storage.Store, *credential.Store, error) {
	store, err := storage.Open(ctx, cfg.Storage.DriverDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	credStore := credential.New(store)
	if err := unlockCredentials(credStore, cfg); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrCredentialStore, err)
	}
	return store, credStore, nil
}

func buildProviders(ctx context.Context, store *credential.Store, cfg *config.Config) (map[string]provider.Provider, error) {
	resolver := func(credentialID string) (string, error) {
		return store.Retrieve(ctx, credentialID)
	}
	out := make(map[string]provider.Provider, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		p, err := provider.New(name, pcfg, resolver)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

func buildPricing(cfg *config.Config) map[string]map[string]router.ModelPrice {
	out := make(map[string]map[string]router.ModelPrice, len(cfg.Providers))
	for name, pcfg := range cfg.Providers {
		models := make(map[string]router.ModelPrice, len(pcfg.Models))
		for modelName, m := range pcfg.Models {
			models[modelName] = router.ModelPrice{CostPer1kInput: m.CostPer1kInput, CostPer1kOutput: m.CostPer1kOutput}
		}
		out[name] = models
	}
	return out
}
