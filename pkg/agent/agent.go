package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/resolver"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrAgentUnavailable is returned when no started agent serves a provider id
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrNotSupported is returned for operations an agent does not implement
	ErrNotSupported = errors.New("operation not supported")

	// ErrNoNotifier is returned when an operation needs a notifier and none is configured
	ErrNoNotifier = errors.New("no notifier configured")
)

// MissingConfigurationError reports a required setting that is absent
type MissingConfigurationError struct {
	ConfigID string
	Key      string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration %q for %s", e.Key, e.ConfigID)
}

// State is an agent's lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Agent is the surface shared by every provider agent
type Agent interface {
	ID() int
	Kind() types.ProviderKind
	Label() string
	Module() string
	State() State
	Start(ctx context.Context) error
}

// Stateful is implemented by agents that persist a provider-side cache in
// their provider record
type Stateful interface {
	EncodeState() ([]byte, error)
	DecodeState(data []byte) error
}

// Deps are the collaborators handed to every agent factory
type Deps struct {
	Store    storage.Store
	Registry *Registry
	Events   events.Publisher
	Resolver resolver.Resolver
	HTTP     *http.Client

	// Bounded polling for provider-side change propagation
	PollInterval time.Duration
	PollAttempts int
}

func (d Deps) publish(ev *events.Event) {
	if d.Events != nil {
		d.Events.Publish(ev)
	}
}

// Base carries the identity, configuration and lifecycle common to all
// agents. Concrete agents embed it.
//
// The embedded RWMutex guards the agent's cached provider state; refreshes
// and imports take the write lock while swapping the cache, readers take
// the read lock. Operations that both persist and swap state run under
// Mutate, one at a time per agent.
type Base struct {
	sync.RWMutex

	mutation sync.Mutex

	id       int
	label    string
	kind     types.ProviderKind
	module   string
	configID string
	deps     Deps
	logger   zerolog.Logger

	lifecycle sync.Mutex
	state     State

	cfgMu  sync.RWMutex
	config map[string]string
}

// NewBase creates the common part of an agent from its provider record
func NewBase(p *types.Provider, deps Deps) *Base {
	configID := p.ConfigID
	if configID == "" {
		configID = types.DefaultConfigID(p.Kind, p.ID)
	}
	return &Base{
		id:       p.ID,
		label:    p.Label,
		kind:     p.Kind,
		module:   p.AgentModule,
		configID: configID,
		deps:     deps,
		logger:   log.WithAgent(string(p.Kind), p.Label, p.ID),
		config:   make(map[string]string),
	}
}

func (b *Base) ID() int                  { return b.id }
func (b *Base) Kind() types.ProviderKind { return b.kind }
func (b *Base) Label() string            { return b.label }
func (b *Base) Module() string           { return b.module }
func (b *Base) ConfigID() string         { return b.configID }
func (b *Base) Deps() Deps               { return b.deps }

// Logger returns the agent's child logger
func (b *Base) Logger() *zerolog.Logger {
	return &b.logger
}

// Mutate runs fn under the agent's mutation lock. fn is expected to
// persist the new state and swap it into the cache; concurrent mutations
// wait, so the stored state and the cache stay in step.
func (b *Base) Mutate(fn func() error) error {
	b.mutation.Lock()
	defer b.mutation.Unlock()
	return fn()
}

// State returns the lifecycle state
func (b *Base) State() State {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.state
}

// Boot runs the common start sequence: load settings, restore cached state
// (a missing or unreadable cache is a cold start), then run setup. It is
// idempotent once the agent is ready.
func (b *Base) Boot(ctx context.Context, cache Stateful, setup func(context.Context) error) error {
	b.lifecycle.Lock()
	if b.state == StateReady {
		b.lifecycle.Unlock()
		return nil
	}
	if b.state == StateStarting {
		b.lifecycle.Unlock()
		return fmt.Errorf("agent %s is already starting", b.label)
	}
	b.state = StateStarting
	b.lifecycle.Unlock()

	err := b.boot(ctx, cache, setup)

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if err != nil {
		b.state = StateFailed
		return err
	}
	b.state = StateReady
	return nil
}

func (b *Base) boot(ctx context.Context, cache Stateful, setup func(context.Context) error) error {
	settings, err := b.deps.Store.GetSettings(b.configID)
	if err != nil {
		return fmt.Errorf("failed to load settings for %s: %w", b.configID, err)
	}
	b.cfgMu.Lock()
	b.config = settings
	b.cfgMu.Unlock()

	if cache != nil {
		b.LoadState(cache)
	}

	if setup != nil {
		if err := setup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Config returns a required setting
func (b *Base) Config(key string) (string, error) {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()

	v, ok := b.config[key]
	if !ok || v == "" {
		return "", &MissingConfigurationError{ConfigID: b.configID, Key: key}
	}
	return v, nil
}

// OptionalConfig returns a setting or def when it is not set
func (b *Base) OptionalConfig(key, def string) string {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()

	if v, ok := b.config[key]; ok && v != "" {
		return v
	}
	return def
}

// OptionalConfigInt returns an integer setting or def when absent or invalid
func (b *Base) OptionalConfigInt(key string, def int) int {
	v := b.OptionalConfig(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		b.logger.Warn().Str("key", key).Str("value", v).Msg("ignoring non-numeric setting")
		return def
	}
	return n
}

// LoadState restores the cache from the provider record. Empty or corrupt
// state leaves the cache at its zero value.
func (b *Base) LoadState(cache Stateful) {
	p, err := b.deps.Store.GetProvider(b.kind, b.id)
	if err != nil {
		b.logger.Warn().Err(err).Msg("could not read provider record, starting cold")
		return
	}
	if len(p.State) == 0 || string(p.State) == "null" || string(p.State) == "{}" {
		b.logger.Debug().Msg("no cached state, starting cold")
		return
	}

	b.Lock()
	defer b.Unlock()
	if err := cache.DecodeState(p.State); err != nil {
		b.logger.Warn().Err(err).Msg("cached state unreadable, starting cold")
		return
	}
	b.logger.Debug().Msg("restored cached state")
}

// SaveState persists the cache into the provider record
func (b *Base) SaveState(cache Stateful) error {
	b.RLock()
	data, err := cache.EncodeState()
	b.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := b.deps.Store.SaveProviderState(b.kind, b.id, data); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	b.logger.Debug().Int("bytes", len(data)).Msg("saved state")
	return nil
}

// Notifier returns the notifier agent named by this agent's notifier_id setting
func (b *Base) Notifier() (Notifier, error) {
	id := b.OptionalConfigInt("notifier_id", 0)
	if id == 0 {
		return nil, ErrNoNotifier
	}
	if b.deps.Registry == nil {
		return nil, ErrAgentUnavailable
	}
	n, ok := b.deps.Registry.Notifier(id)
	if !ok {
		return nil, fmt.Errorf("notifier %d: %w", id, ErrAgentUnavailable)
	}
	return n, nil
}
