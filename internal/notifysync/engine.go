package notifysync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/metrics"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/notifyapi"
	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/stream"
)

type EngineOptions struct {
	Client      notifyapi.Client
	Dialer      stream.Dialer
	Navigator   Navigator
	Limit       int
	Freshness   time.Duration
	DialTimeout time.Duration
	NewID       func() string
	Logger      logrus.FieldLogger
	Metrics     *metrics.Collectors
}

// Engine wires the store, stream, loader, orchestrator and coordinator for one
// signed-in identity at a time.
type Engine struct {
	store        *feed.Store
	manager      *stream.Manager
	loader       *Loader
	orchestrator *Orchestrator
	coordinator  *Coordinator
	navigator    Navigator
	client       notifyapi.Client
	logger       logrus.FieldLogger
	metrics      *metrics.Collectors

	// identityMu serializes identity changes.
	identityMu sync.Mutex

	mu       sync.RWMutex
	key      string
	closed   bool
	disposes []func()
}

type tokenSetter interface {
	SetToken(token string)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	navigator := opts.Navigator
	if navigator == nil {
		navigator = NewMemoryNavigator("/")
	}
	e := &Engine{
		store:     feed.NewStore(opts.Limit),
		navigator: navigator,
		client:    opts.Client,
		logger:    logger.WithField("component", "engine"),
		metrics:   opts.Metrics,
	}

	manager, err := stream.NewManager(stream.ManagerOptions{
		Dialer:      opts.Dialer,
		DialTimeout: opts.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	loader, err := NewLoader(LoaderOptions{
		Store:     e.store,
		Client:    opts.Client,
		Freshness: opts.Freshness,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Store:      e.store,
		Loader:     loader,
		Navigator:  navigator,
		CurrentKey: e.Key,
		NewID:      opts.NewID,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Store:      e.store,
		Client:     opts.Client,
		Loader:     loader,
		CurrentKey: e.Key,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	e.manager = manager
	e.loader = loader
	e.orchestrator = orchestrator
	e.coordinator = coordinator

	e.metrics.SetConnectionState(string(stream.StateDisconnected))
	e.disposes = append(e.disposes,
		orchestrator.Attach(manager),
		manager.AddStateListener(func(state stream.State, err error) {
			e.metrics.SetConnectionState(string(state))
		}),
		e.store.Subscribe(func(change feed.Change) {
			e.metrics.SetStore(change.Len, change.UnreadCount)
		}),
	)
	return e, nil
}

// SetSession applies a session from the identity provider, updating the API
// token before the identity.
func (e *Engine) SetSession(ctx context.Context, session *identity.Session) error {
	if setter, ok := e.client.(tokenSetter); ok {
		token := ""
		if session != nil {
			token = session.Token
		}
		setter.SetToken(token)
	}
	if session == nil {
		return e.SetIdentity(ctx, nil)
	}
	id := session.Identity
	return e.SetIdentity(ctx, &id)
}

// SetIdentity re-derives the channel key. On a change it drops the previous
// identity's feed, reconnects the stream and loads the new backlog.
func (e *Engine) SetIdentity(ctx context.Context, id *identity.Identity) error {
	e.identityMu.Lock()
	defer e.identityMu.Unlock()

	key := identity.ChannelKey(id)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	if key == e.key {
		e.mu.Unlock()
		return nil
	}
	e.key = key
	e.mu.Unlock()

	e.loader.Cancel()
	// Disconnect waits out any handler of the old session that passed its key
	// check before the key changed, so nothing it inserts survives the reset.
	e.manager.Disconnect()
	e.store.Reset()
	if key == "" {
		e.logger.Info("signed out, feed cleared")
		return nil
	}
	e.logger.WithField("key", key).Info("identity changed")
	e.manager.Connect(key)
	e.loader.Invalidate(key)
	_, err := e.loader.Load(ctx, key)
	return err
}

// Key returns the active channel key, or "" when signed out.
func (e *Engine) Key() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key
}

// Load seeds the feed unless it was loaded within the freshness window.
func (e *Engine) Load(ctx context.Context) error {
	_, err := e.loader.Load(ctx, e.Key())
	return err
}

// Refresh reloads the backlog regardless of freshness.
func (e *Engine) Refresh(ctx context.Context) error {
	key := e.Key()
	if key == "" {
		return nil
	}
	e.loader.Invalidate(key)
	_, err := e.loader.Load(ctx, key)
	return err
}

// Tick is the caller-driven retry hook. A stream in the error state is
// reconnected and the backlog is reloaded as the resync point.
func (e *Engine) Tick(ctx context.Context) error {
	key := e.Key()
	if key == "" {
		return nil
	}
	if e.manager.State() == stream.StateError {
		e.logger.WithField("key", key).WithError(e.manager.Err()).Info("reconnecting stream")
		e.manager.Connect(key)
		e.loader.Invalidate(key)
	}
	_, err := e.loader.Load(ctx, key)
	return err
}

func (e *Engine) MarkRead(ctx context.Context, id string) error {
	return e.coordinator.MarkRead(ctx, id)
}

// OnSurfaced registers fn for records newly inserted from the stream.
func (e *Engine) OnSurfaced(fn func(feed.Record)) func() {
	return e.orchestrator.OnSurfaced(fn)
}

// Subscribe registers fn to run after every feed change.
func (e *Engine) Subscribe(fn func(feed.Change)) func() {
	return e.store.Subscribe(fn)
}

func (e *Engine) Snapshot() []feed.Record {
	return e.store.Snapshot()
}

func (e *Engine) Get(id string) (feed.Record, bool) {
	return e.store.Get(id)
}

func (e *Engine) UnreadCount() int {
	return e.store.UnreadCount()
}

func (e *Engine) ConnectionState() stream.State {
	return e.manager.State()
}

func (e *Engine) LoadStatus() LoadStatus {
	return e.loader.Status()
}

func (e *Engine) Navigator() Navigator {
	return e.navigator
}

// Close disconnects and cancels pending loads. It is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.key = ""
	disposes := e.disposes
	e.disposes = nil
	e.mu.Unlock()

	e.loader.Cancel()
	e.manager.Disconnect()
	for _, dispose := range disposes {
		dispose()
	}
	e.logger.Info("engine closed")
}
