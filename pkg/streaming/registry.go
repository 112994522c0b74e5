package streaming

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/gitstream/gitstream/pkg/apperr"
	"github.com/gitstream/gitstream/pkg/clearnode"
)

// SessionClient is the slice of the clearnode client the streaming service
// uses.
type SessionClient interface {
	Address() string
	State() clearnode.State
	Authenticated() bool
	CreateAppSession(ctx context.Context, def clearnode.AppDefinition, allocations []clearnode.Allocation) (string, error)
	GetLedgerBalances(ctx context.Context, address string) ([]clearnode.Balance, error)
	Close() error
}

// ClientFactory builds the settlement client. Swapped for a fake in tests.
type ClientFactory func() (SessionClient, error)

type RegistryConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Factory ClientFactory
	// Connect authenticates a freshly built client. Defaults to calling
	// Connect on a *clearnode.Client; split out so tests can observe
	// initialization.
	Connect func(ctx context.Context, client SessionClient) error
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Factory == nil {
		return errors.New("client factory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Connect == nil {
		cfg.Connect = func(ctx context.Context, client SessionClient) error {
			connector, ok := client.(interface{ Connect(ctx context.Context) error })
			if !ok {
				return nil
			}
			return connector.Connect(ctx)
		}
	}
	return nil
}

// Registry owns the process-wide settlement client: built and connected at
// most once, torn down explicitly. Concurrent first uses share a single
// in-flight initialization instead of racing duplicate connections.
type Registry struct {
	log *slog.Logger
	cfg RegistryConfig

	mu       sync.Mutex
	client   SessionClient
	initCh   chan struct{} // non-nil while an initialization is in flight
	initErr  error
	shutdown bool
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

// Client returns the shared settlement client, initializing it on first
// use. Callers arriving during initialization wait on the in-flight
// attempt and share its outcome; a failed attempt is not cached, so a
// later call retries from scratch.
func (r *Registry) Client(ctx context.Context) (SessionClient, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, apperr.New(apperr.KindValidation, "client registry is shut down")
	}
	if r.client != nil {
		client := r.client
		r.mu.Unlock()
		return client, nil
	}
	if r.initCh != nil {
		ch := r.initCh
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
		client, err := r.client, r.initErr
		r.mu.Unlock()
		if client != nil {
			return client, nil
		}
		if err == nil {
			err = apperr.New(apperr.KindNetwork, "settlement client unavailable")
		}
		return nil, err
	}
	ch := make(chan struct{})
	r.initCh = ch
	r.mu.Unlock()

	client, err := r.initialize(ctx)

	r.mu.Lock()
	r.initCh = nil
	r.initErr = err
	if err == nil {
		r.client = client
	}
	r.mu.Unlock()
	close(ch)

	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Registry) initialize(ctx context.Context) (SessionClient, error) {
	r.log.Info("streaming: initializing settlement client")
	client, err := r.cfg.Factory()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, "failed to build settlement client", err)
	}
	if err := r.cfg.Connect(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Shutdown closes the client if one was built. Idempotent.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}
