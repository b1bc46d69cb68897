package risk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/ovlwatch/collateral"
	"github.com/web3guy0/ovlwatch/feeds"
	"github.com/web3guy0/ovlwatch/position"
	"github.com/web3guy0/ovlwatch/types"
)

var (
	marketA = common.HexToAddress("0xa000000000000000000000000000000000000001")
	marketB = common.HexToAddress("0xb000000000000000000000000000000000000002")
	feedA   = common.HexToAddress("0xf000000000000000000000000000000000000001")
	feedB   = common.HexToAddress("0xf000000000000000000000000000000000000002")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeReader struct {
	mu         sync.Mutex
	prices     map[common.Address]decimal.Decimal
	priceErr   map[common.Address]error
	margin     decimal.Decimal
	pool       feeds.PoolSnapshot
	poolCalls  int
	priceCalls int
	mmCalls    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		prices:   map[common.Address]decimal.Decimal{feedA: d("100"), feedB: d("100")},
		priceErr: map[common.Address]error{},
		margin:   d("0.1"),
		pool:     feeds.PoolSnapshot{TotalOi: d("500"), TotalOiShares: d("500")},
	}
}

func (f *fakeReader) Pool(_ context.Context, _ common.Address, _ bool) (feeds.PoolSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolCalls++
	return f.pool, nil
}

func (f *fakeReader) ExitPrice(_ context.Context, feed common.Address) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if err := f.priceErr[feed]; err != nil {
		return decimal.Zero, err
	}
	return f.prices[feed], nil
}

func (f *fakeReader) MarginMaintenance(_ context.Context, _ common.Address) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mmCalls++
	return f.margin, nil
}

func (f *fakeReader) setPrice(feed common.Address, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[feed] = d(price)
}

type fakeStore struct {
	scans [][]types.Assessment
	err   error
}

func (s *fakeStore) SaveAssessments(a []types.Assessment) error {
	if s.err != nil {
		return s.err
	}
	s.scans = append(s.scans, a)
	return nil
}

type fakeAlerter struct {
	alerts []types.Assessment
}

func (a *fakeAlerter) AlertLiquidatable(x types.Assessment) error {
	a.alerts = append(a.alerts, x)
	return nil
}

// longEntry owns the whole long side of a 500/500 pool, so it is
// liquidatable below 90 with a 10% maintenance margin.
func longEntry(id uint64, market, feed common.Address) types.WatchEntry {
	return types.WatchEntry{
		ID:     id,
		Label:  "long",
		Market: market,
		Feed:   feed,
		Position: position.MustNew(position.Params{
			IsLong:     true,
			Leverage:   d("5"),
			Cost:       d("100"),
			Debt:       d("400"),
			OiShares:   d("500"),
			PriceEntry: d("100"),
		}),
	}
}

func newTestMonitor(reader MarketReader, store Store, alerter Alerter, entries ...types.WatchEntry) *Monitor {
	return NewMonitor(position.NewEngine(position.DefaultPrecision), reader, store, alerter, entries, Config{})
}

func TestMonitor_ScanOnceHealthy(t *testing.T) {
	reader := newFakeReader()
	store := &fakeStore{}
	alerter := &fakeAlerter{}
	m := newTestMonitor(reader, store, alerter, longEntry(1, marketA, feedA))

	out, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)

	a := out[0]
	assert.False(t, a.Failed())
	assert.NotEmpty(t, a.ScanID)
	assert.Equal(t, "LONG", a.Side)
	assert.Equal(t, marketA.Hex(), a.Market)
	assert.True(t, a.Value.Equal(d("100")), "value %s", a.Value)
	assert.True(t, a.LiquidationPrice.Equal(d("90")), "liq price %s", a.LiquidationPrice)
	assert.True(t, a.HasLiquidationPrice)
	assert.False(t, a.IsLiquidatable)
	assert.Empty(t, a.LiquidateCalldata)

	assert.Len(t, store.scans, 1)
	assert.Empty(t, alerter.alerts)
	assert.Equal(t, out, m.Latest())
	assert.False(t, m.LastScanAt().IsZero())
}

func TestMonitor_AlertsOnlyOnTransition(t *testing.T) {
	reader := newFakeReader()
	alerter := &fakeAlerter{}
	m := newTestMonitor(reader, nil, alerter, longEntry(7, marketA, feedA))
	ctx := context.Background()

	reader.setPrice(feedA, "89")
	out, err := m.ScanOnce(ctx)
	require.NoError(t, err)
	require.True(t, out[0].IsLiquidatable)
	assert.True(t, out[0].Value.Equal(d("45")), "value %s", out[0].Value)
	assert.True(t, strings.HasPrefix(out[0].LiquidateCalldata, "0x"))
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, uint64(7), alerter.alerts[0].PositionID)

	// still liquidatable: no second alert
	_, err = m.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, alerter.alerts, 1)

	// recovers, then crosses again
	reader.setPrice(feedA, "95")
	_, err = m.ScanOnce(ctx)
	require.NoError(t, err)
	reader.setPrice(feedA, "80")
	_, err = m.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, alerter.alerts, 2)
}

func TestMonitor_DeduplicatesReads(t *testing.T) {
	reader := newFakeReader()
	m := newTestMonitor(reader, nil, nil,
		longEntry(1, marketA, feedA),
		longEntry(2, marketA, feedA),
		longEntry(3, marketB, feedA),
	)

	_, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, reader.poolCalls)
	assert.Equal(t, 1, reader.priceCalls)
	assert.Equal(t, 2, reader.mmCalls)
}

func TestMonitor_MarginOverrideSkipsReads(t *testing.T) {
	reader := newFakeReader()
	m := NewMonitor(position.NewEngine(0), reader, nil, nil,
		[]types.WatchEntry{longEntry(1, marketA, feedA)},
		Config{MarginMaintenance: d("0.3")})

	// 0.3 maintenance raises the liquidation price to 100*(150+400)/500 = 110
	out, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, reader.mmCalls)
	assert.True(t, out[0].MarginMaintenance.Equal(d("0.3")))
	assert.True(t, out[0].LiquidationPrice.Equal(d("110")), "liq price %s", out[0].LiquidationPrice)
	assert.True(t, out[0].IsLiquidatable)
}

func TestMonitor_ReadFailureIsolated(t *testing.T) {
	reader := newFakeReader()
	reader.priceErr[feedB] = feeds.ErrStalePrice
	store := &fakeStore{}
	m := newTestMonitor(reader, store, nil,
		longEntry(1, marketA, feedA),
		longEntry(2, marketA, feedB),
	)

	out, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.False(t, out[0].Failed())
	assert.True(t, out[1].Failed())
	assert.Contains(t, out[1].Error, "stale price")
	require.Len(t, store.scans, 1)
	assert.Len(t, store.scans[0], 2)
}

func TestMonitor_StoreErrorReturned(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	m := newTestMonitor(newFakeReader(), store, nil, longEntry(1, marketA, feedA))

	out, err := m.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, out, 1)
}

func TestMonitor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newTestMonitor(newFakeReader(), nil, nil, longEntry(1, marketA, feedA))
	_, err := m.ScanOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonitor_StartStop(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(newFakeReader(), store, nil, longEntry(1, marketA, feedA))

	m.Start(context.Background())
	m.Start(context.Background())
	assert.Eventually(t, func() bool { return !m.LastScanAt().IsZero() }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	assert.NotEmpty(t, m.Latest())
}

func TestMonitor_EmptyPoolHasNoLiquidationPrice(t *testing.T) {
	reader := newFakeReader()
	reader.pool = feeds.PoolSnapshot{TotalOi: decimal.Zero, TotalOiShares: d("500")}
	alerter := &fakeAlerter{}
	m := newTestMonitor(reader, nil, alerter, longEntry(1, marketA, feedA))

	out, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)

	a := out[0]
	assert.False(t, a.Failed())
	assert.True(t, a.Value.IsZero())
	assert.True(t, a.IsLiquidatable)
	assert.False(t, a.HasLiquidationPrice)
	assert.Equal(t, "n/a", a.LiquidationPriceString(4))

	require.Len(t, alerter.alerts, 1)
	assert.False(t, alerter.alerts[0].HasLiquidationPrice)
}

func TestMonitor_EncodeFailureClearsValuation(t *testing.T) {
	reader := newFakeReader()
	reader.setPrice(feedA, "89")
	alerter := &fakeAlerter{}
	m := newTestMonitor(reader, nil, alerter, longEntry(1, marketA, feedA))
	m.encodeLiquidate = func(collateral.LiquidateOptions) (string, error) {
		return "", errors.New("abi: cannot pack")
	}

	out, err := m.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)

	a := out[0]
	assert.True(t, a.Failed())
	assert.Contains(t, a.Error, "encode liquidate")
	assert.False(t, a.IsLiquidatable)
	assert.False(t, a.HasLiquidationPrice)
	assert.True(t, a.Value.IsZero())
	assert.Empty(t, a.LiquidateCalldata)
	assert.Empty(t, alerter.alerts)
}

func TestMonitor_RestartAfterContextEnds(t *testing.T) {
	m := newTestMonitor(newFakeReader(), nil, nil, longEntry(1, marketA, feedA))
	isRunning := func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.running
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	assert.Eventually(t, func() bool { return !m.LastScanAt().IsZero() }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Eventually(t, func() bool { return !isRunning() }, time.Second, 5*time.Millisecond)

	firstScan := m.LastScanAt()
	m.Start(context.Background())
	assert.True(t, isRunning())
	assert.Eventually(t, func() bool { return m.LastScanAt().After(firstScan) }, time.Second, 5*time.Millisecond)
	m.Stop()
	assert.False(t, isRunning())
}
