package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/config"
	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/ledger"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/cuemby/sdmgr/pkg/providers"
	"github.com/cuemby/sdmgr/pkg/reconciler"
	"github.com/cuemby/sdmgr/pkg/resolver"
	"github.com/cuemby/sdmgr/pkg/scheduler"
	"github.com/cuemby/sdmgr/pkg/security"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/rs/zerolog"
)

// Import formats accepted by ImportFile
const (
	FormatCSV  = "csvfile"
	FormatJSON = "jsonfile"
)

// Manager is the process context: it owns the store, the started agents
// and the components that reconcile domains with them
type Manager struct {
	store      storage.Store
	registry   *agent.Registry
	catalog    *agent.Catalog
	deps       agent.Deps
	broker     *events.Broker
	ledger     *ledger.Ledger
	reconciler *reconciler.Reconciler
	scheduler  *scheduler.Scheduler
	tokens     *TokenManager
	health     *metrics.HealthChecker
	collector  *metrics.Collector

	metricsInterval time.Duration
	maxConcurrent   int
	closers         []io.Closer
	logger          zerolog.Logger
}

// Options holds the collaborators and tuning for a Manager
type Options struct {
	Store    storage.Store
	Resolver resolver.Resolver
	Catalog  *agent.Catalog
	HTTP     *http.Client
	Sinks    []ledger.Sink
	Tokens   []string
	Health   *metrics.HealthChecker

	SweepInterval       time.Duration
	MaxConcurrentChecks int
	MetricsInterval     time.Duration
	PollInterval        time.Duration
	PollAttempts        int

	// Closers are closed on Shutdown after the store
	Closers []io.Closer
}

// NewManager wires a manager from its collaborators. Agents are not started
// until Start is called.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("manager: resolver is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = providers.Catalog()
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Health == nil {
		opts.Health = metrics.Default()
	}

	broker := events.NewBroker()
	broker.Start()

	registry := agent.NewRegistry()
	sinks := append([]ledger.Sink{ledger.LogSink{}, ledger.EventSink{Publisher: broker}}, opts.Sinks...)
	l := ledger.New(opts.Store, sinks...)
	rec := reconciler.New(opts.Store, registry, opts.Resolver, l)
	sched := scheduler.NewScheduler(opts.Store, rec, scheduler.Config{
		Interval:      opts.SweepInterval,
		MaxConcurrent: opts.MaxConcurrentChecks,
		Publisher:     broker,
	})

	m := &Manager{
		store:    opts.Store,
		registry: registry,
		catalog:  opts.Catalog,
		deps: agent.Deps{
			Store:        opts.Store,
			Registry:     registry,
			Events:       broker,
			Resolver:     opts.Resolver,
			HTTP:         opts.HTTP,
			PollInterval: opts.PollInterval,
			PollAttempts: opts.PollAttempts,
		},
		broker:          broker,
		ledger:          l,
		reconciler:      rec,
		scheduler:       sched,
		tokens:          NewTokenManager(opts.Tokens...),
		health:          opts.Health,
		metricsInterval: opts.MetricsInterval,
		maxConcurrent:   opts.MaxConcurrentChecks,
		closers:         opts.Closers,
		logger:          log.WithComponent("manager"),
	}
	m.health.SetComponent("storage", true, "open")
	m.health.SetComponent("agents", false, "not started")
	return m, nil
}

// Open builds a manager from the process configuration: it opens the
// store (sealing settings when a secret key is set), the resolver and the
// optional Redis transition sink
func Open(ctx context.Context, cfg *config.Config) (*Manager, error) {
	store, err := storage.Open(cfg.Storage.Driver, cfg.DataDir, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.SecretKey != "" {
		secrets, err := security.NewSecretsManagerFromPassword(cfg.SecretKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create secrets manager: %w", err)
		}
		store = storage.NewSealedStore(store, secrets)
	}

	opts := Options{
		Store:               store,
		Resolver:            resolver.New(resolver.Config{Servers: cfg.Resolvers, Timeout: cfg.ResolverTimeout}),
		Tokens:              cfg.API.Tokens,
		SweepInterval:       cfg.SweepInterval,
		MaxConcurrentChecks: cfg.MaxConcurrentChecks,
		MetricsInterval:     cfg.MetricsInterval,
		PollInterval:        cfg.ZonePollInterval,
		PollAttempts:        cfg.ZonePollAttempts,
	}

	if cfg.Redis.Addr != "" {
		client, err := ledger.DialRedis(ctx, ledger.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		opts.Sinks = append(opts.Sinks, ledger.NewRedisSink(client, cfg.Redis.Channel))
		opts.Closers = append(opts.Closers, client)
	}

	return NewManager(opts)
}

// Start starts an agent for every active provider record. Providers whose
// agent fails to start are logged and left out of the registry; Start only
// fails when the provider records cannot be read.
func (m *Manager) Start(ctx context.Context) error {
	var all []*types.Provider
	for _, kind := range types.ProviderKinds {
		active, err := storage.ListActiveProviders(m.store, kind)
		if err != nil {
			m.health.SetComponent("storage", false, err.Error())
			return fmt.Errorf("failed to list %s providers: %w", kind, err)
		}
		all = append(all, active...)
	}

	results := agent.StartAll(ctx, m.catalog, m.deps, all, m.maxConcurrent)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	m.publishAgentCounts()

	m.health.SetComponent("agents", true, fmt.Sprintf("%d started, %d failed", len(results)-failed, failed))
	m.logger.Info().
		Int("providers", len(all)).
		Int("failed", failed).
		Msg("agents started")
	return nil
}

// Run starts the sweep loop and the metrics collector
func (m *Manager) Run() {
	m.scheduler.Start()
	m.StartMetrics()
}

// Shutdown stops the loops and closes the store
func (m *Manager) Shutdown() error {
	m.logger.Info().Msg("shutting down")

	m.scheduler.Stop()
	if m.collector != nil {
		m.collector.Stop()
	}
	m.broker.Stop()

	var errs []error
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Store() storage.Store               { return m.store }
func (m *Manager) Registry() *agent.Registry          { return m.registry }
func (m *Manager) Events() *events.Broker             { return m.broker }
func (m *Manager) Ledger() *ledger.Ledger             { return m.ledger }
func (m *Manager) Reconciler() *reconciler.Reconciler { return m.reconciler }
func (m *Manager) Scheduler() *scheduler.Scheduler    { return m.scheduler }
func (m *Manager) Tokens() *TokenManager              { return m.tokens }
func (m *Manager) Health() *metrics.HealthChecker     { return m.health }

// CheckDomain runs the full reconciliation for one domain and waits for it
func (m *Manager) CheckDomain(ctx context.Context, id int) (*types.DomainReport, error) {
	domain, err := m.store.GetDomain(id)
	if err != nil {
		return nil, err
	}
	return m.scheduler.CheckOne(ctx, domain), nil
}

// CheckDomainByName is CheckDomain for a domain name
func (m *Manager) CheckDomainByName(ctx context.Context, name string) (*types.DomainReport, error) {
	domain, err := m.store.GetDomainByName(name)
	if err != nil {
		return nil, err
	}
	return m.scheduler.CheckOne(ctx, domain), nil
}

// RunCheck runs one named check for a domain
func (m *Manager) RunCheck(ctx context.Context, id int, check string) (types.CheckResult, error) {
	domain, err := m.store.GetDomain(id)
	if err != nil {
		return types.CheckResult{}, err
	}
	return m.reconciler.Run(ctx, domain, check)
}

// CheckSite runs the certificate check for one site
func (m *Manager) CheckSite(ctx context.Context, id int) (types.CheckResult, error) {
	return m.reconciler.CheckSite(ctx, id)
}

// Sweep starts a full sweep in the background. It returns false when one
// is already running.
func (m *Manager) Sweep() bool {
	return m.scheduler.Sweep()
}

// RunSweep runs a full sweep and waits for it
func (m *Manager) RunSweep(ctx context.Context) (int, error) {
	return m.scheduler.RunOnce(ctx)
}

// Refresh reloads a provider's cache from its API
func (m *Manager) Refresh(ctx context.Context, kind types.ProviderKind, id int) error {
	a, ok := m.registry.Get(kind, id)
	if !ok {
		return fmt.Errorf("%s %d: %w", kind, id, agent.ErrAgentUnavailable)
	}
	r, ok := a.(agent.Refresher)
	if !ok {
		return fmt.Errorf("refresh %s %s: %w", kind, a.Label(), agent.ErrNotSupported)
	}
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	m.publishAgentCounts()
	return nil
}

// ImportFile replaces a registrar's domain list from an export file in
// the given format and returns the number of domains read
func (m *Manager) ImportFile(ctx context.Context, registrarID int, format string, data []byte) (int, error) {
	a, ok := m.registry.Get(types.ProviderRegistrar, registrarID)
	if !ok {
		return 0, fmt.Errorf("registrar %d: %w", registrarID, agent.ErrAgentUnavailable)
	}

	switch format {
	case FormatCSV:
		if imp, ok := a.(agent.CSVImporter); ok {
			return imp.ImportCSV(ctx, data)
		}
	case FormatJSON:
		if imp, ok := a.(agent.JSONImporter); ok {
			return imp.ImportJSON(ctx, data)
		}
	default:
		return 0, fmt.Errorf("unknown import format %q", format)
	}
	return 0, fmt.Errorf("%s import for %s: %w", format, a.Label(), agent.ErrNotSupported)
}

// RegistrarDomainStatus asks a registrar for its view of one domain
func (m *Manager) RegistrarDomainStatus(ctx context.Context, registrarID int, name string) (*types.DomainStatus, error) {
	reg, ok := m.registry.Registrar(registrarID)
	if !ok {
		return nil, fmt.Errorf("registrar %d: %w", registrarID, agent.ErrAgentUnavailable)
	}
	return reg.DomainStatus(ctx, name)
}

// ProviderInfo describes a provider record and its agent
type ProviderInfo struct {
	*types.Provider
	AgentState    string              `json:"agent_state"`
	RefreshMethod types.RefreshMethod `json:"refresh_method,omitempty"`
}

// Provider returns a provider record with the state of its agent
func (m *Manager) Provider(kind types.ProviderKind, id int) (*ProviderInfo, error) {
	p, err := m.store.GetProvider(kind, id)
	if err != nil {
		return nil, err
	}
	info := &ProviderInfo{Provider: p, AgentState: "not started"}
	if a, ok := m.registry.Get(kind, id); ok {
		info.AgentState = a.State().String()
		if reg, ok := a.(agent.Registrar); ok {
			info.RefreshMethod = reg.RefreshMethod()
		}
	}
	return info, nil
}
