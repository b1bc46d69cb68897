package risk

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/ovlwatch/collateral"
	"github.com/web3guy0/ovlwatch/feeds"
	"github.com/web3guy0/ovlwatch/position"
	"github.com/web3guy0/ovlwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIQUIDATION MONITOR - Values every watched position on a fixed cadence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each scan:
// 1. Reads every distinct pool side, price feed and market margin once
// 2. Values each watch entry against that single read
// 3. Prepares liquidate() calldata for liquidatable entries (never sent)
// 4. Persists the scan and alerts on entries that just became liquidatable
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketReader supplies the live inputs of a valuation. *feeds.Reader implements it.
type MarketReader interface {
	Pool(ctx context.Context, market common.Address, isLong bool) (feeds.PoolSnapshot, error)
	ExitPrice(ctx context.Context, feed common.Address) (decimal.Decimal, error)
	MarginMaintenance(ctx context.Context, market common.Address) (decimal.Decimal, error)
}

// Store persists scan results
type Store interface {
	SaveAssessments(assessments []types.Assessment) error
}

// Alerter is told about entries that crossed into liquidatable
type Alerter interface {
	AlertLiquidatable(a types.Assessment) error
}

// Config tunes the monitor
type Config struct {
	ScanInterval       time.Duration
	MaxConcurrentReads int
	// MarginMaintenance, when positive, replaces the collateral manager read
	MarginMaintenance decimal.Decimal

	// Scans are skipped for FailureCooldown after MaxConsecutiveFailures
	// scans in a row value nothing. Zero disables the breaker.
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
}

type Monitor struct {
	mu sync.RWMutex

	engine  position.Engine
	reader  MarketReader
	store   Store
	alerter Alerter
	entries []types.WatchEntry
	cfg     Config
	breaker *CircuitBreaker

	encodeLiquidate func(collateral.LiquidateOptions) (string, error)

	// State
	latest       []types.Assessment
	liquidatable map[uint64]bool
	lastScanAt   time.Time

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor over entries. store and alerter may be nil.
func NewMonitor(engine position.Engine, reader MarketReader, store Store, alerter Alerter, entries []types.WatchEntry, cfg Config) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentReads <= 0 {
		cfg.MaxConcurrentReads = 4
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 5 * cfg.ScanInterval
	}
	return &Monitor{
		engine:       engine,
		reader:       reader,
		store:        store,
		alerter:      alerter,
		entries:      entries,
		cfg:          cfg,
		breaker:      NewCircuitBreaker(cfg.MaxConsecutiveFailures, cfg.FailureCooldown),
		liquidatable: make(map[uint64]bool),

		encodeLiquidate: collateral.LiquidateParameters,
	}
}

// Start scans immediately and then every ScanInterval until Stop or ctx is done
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	m.stopCh = stopCh
	m.doneCh = doneCh
	m.mu.Unlock()

	go m.loop(ctx, stopCh, doneCh)

	log.Info().
		Int("positions", len(m.entries)).
		Dur("interval", m.cfg.ScanInterval).
		Msg("🛡️ Liquidation monitor started")
}

// Stop ends the scan loop and waits for an in-flight scan to finish
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	log.Info().Msg("Liquidation monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	// a cancelled ctx ends the loop without Stop; allow a later Start.
	// After Stop a newer Start may own running, so only clear our own run.
	defer func() {
		m.mu.Lock()
		if m.stopCh == stopCh {
			m.running = false
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	m.scanAndLog(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanAndLog(ctx)
		}
	}
}

func (m *Monitor) scanAndLog(ctx context.Context) {
	if !m.breaker.Allow() {
		log.Debug().Msg("Circuit breaker open, scan skipped")
		return
	}

	assessments, err := m.ScanOnce(ctx)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("Scan failed")
		m.breaker.RecordFailure(err.Error())
	case len(assessments) > 0 && allFailed(assessments):
		m.breaker.RecordFailure(assessments[0].Error)
	default:
		m.breaker.RecordSuccess()
	}
}

func allFailed(assessments []types.Assessment) bool {
	for _, a := range assessments {
		if !a.Failed() {
			return false
		}
	}
	return true
}

// Breaker exposes the scan loop's circuit breaker
func (m *Monitor) Breaker() *CircuitBreaker {
	return m.breaker
}

type poolKey struct {
	market common.Address
	isLong bool
}

// marketRead is everything fetched for one scan
type marketRead struct {
	mu sync.Mutex

	pools     map[poolKey]feeds.PoolSnapshot
	prices    map[common.Address]decimal.Decimal
	margins   map[common.Address]decimal.Decimal
	poolErr   map[poolKey]error
	priceErr  map[common.Address]error
	marginErr map[common.Address]error
}

// ScanOnce values every entry against one fresh market read. Entries that cannot
// be valued come back with Error set; the returned error is reserved for
// cancellation and persistence failures.
func (m *Monitor) ScanOnce(ctx context.Context) ([]types.Assessment, error) {
	scanID := uuid.NewString()
	started := time.Now()

	read, err := m.read(ctx)
	if err != nil {
		return nil, err
	}

	evaluatedAt := time.Now().UTC()
	assessments := make([]types.Assessment, len(m.entries))
	for i, entry := range m.entries {
		a := m.assess(entry, read)
		a.ScanID = scanID
		a.EvaluatedAt = evaluatedAt
		assessments[i] = a
	}

	newlyLiquidatable := m.record(assessments)

	var liquidatable, underwater, failed int
	for _, a := range assessments {
		switch {
		case a.Failed():
			failed++
			log.Warn().Uint64("position", a.PositionID).Str("error", a.Error).Msg("Position could not be valued")
		case a.IsLiquidatable:
			liquidatable++
		}
		if a.IsUnderwater {
			underwater++
		}
	}

	for _, a := range newlyLiquidatable {
		log.Warn().
			Uint64("position", a.PositionID).
			Str("side", a.Side).
			Str("value", a.Value.StringFixed(4)).
			Str("maintenance", a.MarginMaintenance.String()).
			Str("price", a.PriceExit.String()).
			Str("liq_price", a.LiquidationPriceString(4)).
			Msg("🚨 Position liquidatable")

		if m.alerter != nil {
			if err := m.alerter.AlertLiquidatable(a); err != nil {
				log.Error().Err(err).Uint64("position", a.PositionID).Msg("Failed to send liquidation alert")
			}
		}
	}

	log.Info().
		Str("scan", scanID).
		Int("positions", len(assessments)).
		Int("liquidatable", liquidatable).
		Int("underwater", underwater).
		Int("failed", failed).
		Dur("took", time.Since(started)).
		Msg("📊 Scan complete")

	if m.store != nil {
		if err := m.store.SaveAssessments(assessments); err != nil {
			return assessments, fmt.Errorf("save scan %s: %w", scanID, err)
		}
	}

	return assessments, nil
}

// read fetches each distinct input once with bounded concurrency. Individual read
// failures are kept per key so unaffected entries still get valued.
func (m *Monitor) read(ctx context.Context) (*marketRead, error) {
	read := &marketRead{
		pools:     make(map[poolKey]feeds.PoolSnapshot),
		prices:    make(map[common.Address]decimal.Decimal),
		margins:   make(map[common.Address]decimal.Decimal),
		poolErr:   make(map[poolKey]error),
		priceErr:  make(map[common.Address]error),
		marginErr: make(map[common.Address]error),
	}

	pools := make(map[poolKey]struct{})
	priceFeeds := make(map[common.Address]struct{})
	markets := make(map[common.Address]struct{})
	for _, e := range m.entries {
		pools[poolKey{e.Market, e.Position.IsLong()}] = struct{}{}
		priceFeeds[e.Feed] = struct{}{}
		markets[e.Market] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentReads)

	for key := range pools {
		key := key
		g.Go(func() error {
			snap, err := m.reader.Pool(gctx, key.market, key.isLong)
			read.mu.Lock()
			defer read.mu.Unlock()
			if err != nil {
				read.poolErr[key] = err
				return nil
			}
			read.pools[key] = snap
			return nil
		})
	}

	for feed := range priceFeeds {
		feed := feed
		g.Go(func() error {
			price, err := m.reader.ExitPrice(gctx, feed)
			read.mu.Lock()
			defer read.mu.Unlock()
			if err != nil {
				read.priceErr[feed] = err
				return nil
			}
			read.prices[feed] = price
			return nil
		})
	}

	if !m.cfg.MarginMaintenance.IsPositive() {
		for market := range markets {
			market := market
			g.Go(func() error {
				mm, err := m.reader.MarginMaintenance(gctx, market)
				read.mu.Lock()
				defer read.mu.Unlock()
				if err != nil {
					read.marginErr[market] = err
					return nil
				}
				read.margins[market] = mm
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan cancelled: %w", err)
	}
	return read, nil
}

func (m *Monitor) assess(entry types.WatchEntry, read *marketRead) types.Assessment {
	pos := entry.Position
	a := types.Assessment{
		PositionID: entry.ID,
		Label:      entry.Label,
		Market:     entry.Market.Hex(),
		Side:       pos.Side(),
	}

	key := poolKey{entry.Market, pos.IsLong()}
	if err := read.poolErr[key]; err != nil {
		a.Error = fmt.Sprintf("read pool: %v", err)
		return a
	}
	if err := read.priceErr[entry.Feed]; err != nil {
		a.Error = fmt.Sprintf("read price: %v", err)
		return a
	}

	mm := m.cfg.MarginMaintenance
	if !mm.IsPositive() {
		if err := read.marginErr[entry.Market]; err != nil {
			a.Error = fmt.Sprintf("read margin maintenance: %v", err)
			return a
		}
		mm = read.margins[entry.Market]
	}

	pool := read.pools[key]
	price := read.prices[entry.Feed]
	a.TotalOi = pool.TotalOi
	a.TotalOiShares = pool.TotalOiShares
	a.PriceExit = price
	a.MarginMaintenance = mm

	v, err := m.engine.Snapshot(pos, pool.TotalOi, pool.TotalOiShares, price, mm)
	if err != nil {
		a.Error = fmt.Sprintf("cannot value position: %v", err)
		return a
	}

	// Encode before filling the valuation so a failed entry carries none of it
	if v.IsLiquidatable {
		calldata, err := m.encodeLiquidate(collateral.LiquidateOptions{
			PositionID: new(big.Int).SetUint64(entry.ID),
		})
		if err != nil {
			a.Error = fmt.Sprintf("encode liquidate: %v", err)
			return a
		}
		a.LiquidateCalldata = calldata
	}

	a.Oi = v.Oi
	a.Value = v.Value
	a.Notional = v.Notional
	a.OpenLeverage = v.OpenLeverage
	a.OpenMargin = v.OpenMargin
	a.IsUnderwater = v.IsUnderwater
	a.IsLiquidatable = v.IsLiquidatable
	a.LiquidationPrice = v.LiquidationPrice
	a.HasLiquidationPrice = v.HasLiquidationPrice
	return a
}

// record stores the scan as latest and returns entries that were not
// liquidatable on the previous scan
func (m *Monitor) record(assessments []types.Assessment) []types.Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var crossed []types.Assessment
	for _, a := range assessments {
		if a.Failed() {
			continue
		}
		if a.IsLiquidatable && !m.liquidatable[a.PositionID] {
			crossed = append(crossed, a)
		}
		m.liquidatable[a.PositionID] = a.IsLiquidatable
	}

	m.latest = assessments
	m.lastScanAt = time.Now()
	return crossed
}

// Latest returns a copy of the most recent scan
func (m *Monitor) Latest() []types.Assessment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Assessment, len(m.latest))
	copy(out, m.latest)
	return out
}

// LastScanAt returns when the most recent scan finished, zero before the first
func (m *Monitor) LastScanAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastScanAt
}
