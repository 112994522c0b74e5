package streaming

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gitstream/gitstream/pkg/allocation"
	"github.com/gitstream/gitstream/pkg/apperr"
	"github.com/gitstream/gitstream/pkg/clearnode"
	gstesting "github.com/gitstream/gitstream/utils/pkg/testing"
)

type mockClient struct {
	address              string
	createAppSessionFunc func(context.Context, clearnode.AppDefinition, []clearnode.Allocation) (string, error)
	getLedgerBalances    func(context.Context, string) ([]clearnode.Balance, error)
	closed               atomic.Bool
}

func (m *mockClient) Address() string { return m.address }

func (m *mockClient) State() clearnode.State { return clearnode.StateAuthenticated }

func (m *mockClient) Authenticated() bool { return true }

func (m *mockClient) CreateAppSession(ctx context.Context, def clearnode.AppDefinition, allocs []clearnode.Allocation) (string, error) {
	if m.createAppSessionFunc != nil {
		return m.createAppSessionFunc(ctx, def, allocs)
	}
	return "sess-1", nil
}

func (m *mockClient) GetLedgerBalances(ctx context.Context, address string) ([]clearnode.Balance, error) {
	if m.getLedgerBalances != nil {
		return m.getLedgerBalances(ctx, address)
	}
	return nil, nil
}

func (m *mockClient) Close() error {
	m.closed.Store(true)
	return nil
}

func newTestRegistry(t *testing.T, client SessionClient) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		Logger:  gstesting.NewLogger(),
		Factory: func() (SessionClient, error) { return client, nil },
		Connect: func(ctx context.Context, client SessionClient) error { return nil },
	})
	require.NoError(t, err)
	return registry
}

func newTestService(t *testing.T, client SessionClient, clock clockwork.Clock) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Logger:   gstesting.NewLogger(),
		Clock:    clock,
		Registry: newTestRegistry(t, client),
	})
	require.NoError(t, err)
	return service
}

func testTierConfig() allocation.TierConfig {
	return allocation.TierConfig{
		Tiers: []allocation.TierDefinition{
			{Name: "core", RevenueSharePercent: 80, SplitMethod: allocation.SplitEqual},
		},
		TreasuryShare: 20,
	}
}

func TestGitStream_Streaming_Registry(t *testing.T) {
	t.Parallel()

	t.Run("concurrent first use initializes exactly once", func(t *testing.T) {
		t.Parallel()

		var factoryCalls, connectCalls atomic.Int32
		registry, err := NewRegistry(RegistryConfig{
			Logger: gstesting.NewLogger(),
			Factory: func() (SessionClient, error) {
				factoryCalls.Add(1)
				return &mockClient{address: "0xoperator"}, nil
			},
			Connect: func(ctx context.Context, client SessionClient) error {
				connectCalls.Add(1)
				time.Sleep(20 * time.Millisecond) // widen the race window
				return nil
			},
		})
		require.NoError(t, err)

		const callers = 16
		clients := make([]SessionClient, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				clients[i], errs[i] = registry.Client(context.Background())
			}(i)
		}
		wg.Wait()
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
		}

		require.Equal(t, int32(1), factoryCalls.Load())
		require.Equal(t, int32(1), connectCalls.Load())
		for i := 1; i < callers; i++ {
			require.Same(t, clients[0], clients[i])
		}
	})

	t.Run("failed initialization is shared, then retried fresh", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		registry, err := NewRegistry(RegistryConfig{
			Logger: gstesting.NewLogger(),
			Factory: func() (SessionClient, error) {
				return &mockClient{address: "0xoperator"}, nil
			},
			Connect: func(ctx context.Context, client SessionClient) error {
				if calls.Add(1) == 1 {
					return apperr.New(apperr.KindNetwork, "dial failed")
				}
				return nil
			},
		})
		require.NoError(t, err)

		_, err = registry.Client(context.Background())
		require.True(t, apperr.IsKind(err, apperr.KindNetwork))

		client, err := registry.Client(context.Background())
		require.NoError(t, err)
		require.NotNil(t, client)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("shutdown closes the client and blocks further use", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{address: "0xoperator"}
		registry := newTestRegistry(t, client)

		_, err := registry.Client(context.Background())
		require.NoError(t, err)

		require.NoError(t, registry.Shutdown())
		require.True(t, client.closed.Load())
		require.NoError(t, registry.Shutdown()) // idempotent

		_, err = registry.Client(context.Background())
		require.Error(t, err)
	})
}

func TestGitStream_Streaming_Distribute(t *testing.T) {
	t.Parallel()

	t.Run("builds the initial session shape the network expects", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		var gotDef clearnode.AppDefinition
		var gotAllocs []clearnode.Allocation
		client := &mockClient{
			address: "0xoperator",
			createAppSessionFunc: func(ctx context.Context, def clearnode.AppDefinition, allocs []clearnode.Allocation) (string, error) {
				gotDef = def
				gotAllocs = allocs
				return "sess-42", nil
			},
		}
		service := newTestService(t, client, clock)

		members := map[string][]allocation.Member{
			"core": {
				{WalletAddress: "0xAlice"}, // normalized to lowercase
				{WalletAddress: "0xbob"},
				{WalletAddress: "0xalice"}, // duplicate wallet across entries
			},
		}
		result, err := service.Distribute(context.Background(), "proj-1", "", big.NewInt(1000), testTierConfig(), members)
		require.NoError(t, err)
		require.Equal(t, "sess-42", result.SessionID)
		require.Len(t, result.Allocations, 1)

		// Operator first with full control weight; everyone else distinct,
		// zero weight, zero initial balance.
		require.Equal(t, SessionProtocol, gotDef.Protocol)
		require.Equal(t, []string{"0xoperator", "0xalice", "0xbob"}, gotDef.Participants)
		require.Equal(t, []int{100, 0, 0}, gotDef.Weights)
		require.Equal(t, 100, gotDef.Quorum)
		require.Equal(t, int64(86400), gotDef.Challenge)
		require.Equal(t, clock.Now().UnixMilli(), gotDef.Nonce)

		require.Equal(t, []clearnode.Allocation{
			{Participant: "0xoperator", Asset: "usdc", Amount: "1000"},
			{Participant: "0xalice", Asset: "usdc", Amount: "0"},
			{Participant: "0xbob", Asset: "usdc", Amount: "0"},
		}, gotAllocs)
	})

	t.Run("rejects when a session already exists", func(t *testing.T) {
		t.Parallel()

		service := newTestService(t, &mockClient{address: "0xoperator"}, clockwork.NewFakeClock())
		_, err := service.Distribute(context.Background(), "proj-1", "sess-existing",
			big.NewInt(1000), testTierConfig(), map[string][]allocation.Member{"core": {{WalletAddress: "0xalice"}}})
		require.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("rejects zero pending revenue", func(t *testing.T) {
		t.Parallel()

		service := newTestService(t, &mockClient{address: "0xoperator"}, clockwork.NewFakeClock())
		_, err := service.Distribute(context.Background(), "proj-1", "",
			big.NewInt(0), testTierConfig(), map[string][]allocation.Member{"core": {{WalletAddress: "0xalice"}}})
		require.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("rejects when no tier has claimed members", func(t *testing.T) {
		t.Parallel()

		service := newTestService(t, &mockClient{address: "0xoperator"}, clockwork.NewFakeClock())

		_, err := service.Distribute(context.Background(), "proj-1", "",
			big.NewInt(1000), testTierConfig(), map[string][]allocation.Member{})
		require.True(t, apperr.IsKind(err, apperr.KindValidation))

		_, err = service.Distribute(context.Background(), "proj-1", "",
			big.NewInt(1000), testTierConfig(), map[string][]allocation.Member{"other-tier": {{WalletAddress: "0xalice"}}})
		require.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("surfaces session creation failures without partial state", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{
			address: "0xoperator",
			createAppSessionFunc: func(context.Context, clearnode.AppDefinition, []clearnode.Allocation) (string, error) {
				return "", apperr.New(apperr.KindNetwork, "create_app_session request timed out")
			},
		}
		service := newTestService(t, client, clockwork.NewFakeClock())

		result, err := service.Distribute(context.Background(), "proj-1", "",
			big.NewInt(1000), testTierConfig(), map[string][]allocation.Member{"core": {{WalletAddress: "0xalice"}}})
		require.True(t, apperr.IsKind(err, apperr.KindNetwork))
		require.Nil(t, result)
	})
}

func TestGitStream_Streaming_SessionBalance(t *testing.T) {
	t.Parallel()

	t.Run("matches the asset case-insensitively", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{
			address: "0xoperator",
			getLedgerBalances: func(ctx context.Context, address string) ([]clearnode.Balance, error) {
				return []clearnode.Balance{
					{Asset: "ETH", Amount: "5"},
					{Asset: "USDC", Amount: "123456"},
				}, nil
			},
		}
		service := newTestService(t, client, clockwork.NewFakeClock())

		balance, err := service.SessionBalance(context.Background(), "")
		require.NoError(t, err)
		require.Equal(t, "123456", balance)
	})

	t.Run("returns zero string when the asset is absent", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{
			address: "0xoperator",
			getLedgerBalances: func(ctx context.Context, address string) ([]clearnode.Balance, error) {
				return []clearnode.Balance{{Asset: "eth", Amount: "5"}}, nil
			},
		}
		service := newTestService(t, client, clockwork.NewFakeClock())

		balance, err := service.SessionBalance(context.Background(), "0xalice")
		require.NoError(t, err)
		require.Equal(t, "0", balance)
	})

	t.Run("propagates query failures", func(t *testing.T) {
		t.Parallel()

		client := &mockClient{
			address: "0xoperator",
			getLedgerBalances: func(ctx context.Context, address string) ([]clearnode.Balance, error) {
				return nil, errors.New("boom")
			},
		}
		service := newTestService(t, client, clockwork.NewFakeClock())

		_, err := service.SessionBalance(context.Background(), "")
		require.Error(t, err)
	})
}

func TestGitStream_Streaming_Status(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		address: "0xoperator",
		getLedgerBalances: func(ctx context.Context, address string) ([]clearnode.Balance, error) {
			return []clearnode.Balance{{Asset: "usdc", Amount: "10"}}, nil
		},
	}
	service := newTestService(t, client, clockwork.NewFakeClock())

	status, err := service.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Connected)
	require.True(t, status.Authenticated)
	require.Equal(t, "0xoperator", status.Address)
	require.Equal(t, []clearnode.Balance{{Asset: "usdc", Amount: "10"}}, status.Balances)
}
