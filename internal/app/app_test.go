package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftauction/internal/config"
	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/store/memory"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Operator.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	return &cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWireMemoryBackend(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), testConfig(), discard())
	require.NoError(t, err)
	defer cleanup()

	require.IsType(t, &memory.Ledger{}, deps.Ledger)
	require.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), deps.Signer.Address())
	require.IsType(t, &memory.AuditLog{}, deps.AuditStore)
	require.Nil(t, deps.ReplayGuard)
	require.Nil(t, deps.SignalBus)
	require.Nil(t, deps.Relay)
	require.Nil(t, deps.Archiver)
	require.Empty(t, deps.HealthChecks)
	require.False(t, deps.Notifier.Enabled())
}

func TestWireRejectsBadKey(t *testing.T) {
	cfg := testConfig()
	cfg.Operator.PrivateKey = "0x1234"
	_, _, err := Wire(context.Background(), cfg, discard())
	require.ErrorContains(t, err, "operator key")
}

func TestMarketplaceSignsEventsWithOperatorKey(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, discard())
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	mp := a.newMarketplace(deps, nil)
	require.Equal(t, deps.Signer.Address(), mp.Engine().Escrow())

	owner := common.HexToAddress("0x0000000000000000000000000000000000000a11")
	id, err := mp.Register(context.Background(), owner)
	require.NoError(t, err)
	_, err = mp.StartAuction(context.Background(), id, domain.MustEther("0.1"), domain.DurationShort, owner)
	require.NoError(t, err)

	events, err := mp.History(context.Background(), id, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].Signature)
}

func TestArchiveModeNeedsArchiver(t *testing.T) {
	a := New(testConfig(), discard())
	err := a.ArchiveMode(context.Background(), &Dependencies{})
	require.ErrorContains(t, err, "archiver not configured")
}
