package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/ovlwatch/position"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// WatchEntry is one position the watcher evaluates
type WatchEntry struct {
	ID       uint64         // ERC-1155 position id
	Label    string         // free-form, shown in alerts
	Market   common.Address // Overlay market the position trades
	Feed     common.Address // price feed quoting the market's underlying
	Position position.Position
}

// Assessment is the outcome of valuing one watch entry at one market read
type Assessment struct {
	ScanID     string
	PositionID uint64
	Label      string
	Market     string
	Side       string // "LONG" or "SHORT"

	// Market read
	TotalOi           decimal.Decimal
	TotalOiShares     decimal.Decimal
	PriceExit         decimal.Decimal
	MarginMaintenance decimal.Decimal

	// Valuation
	Oi               decimal.Decimal
	Value            decimal.Decimal
	Notional         decimal.Decimal
	OpenLeverage     decimal.Decimal
	OpenMargin       decimal.Decimal
	IsUnderwater     bool
	IsLiquidatable   bool
	LiquidationPrice decimal.Decimal

	// False when the pool is empty; LiquidationPrice is then unset
	HasLiquidationPrice bool

	// Prepared liquidate(positionId) calldata, set only when liquidatable
	LiquidateCalldata string

	// Why the entry could not be valued; zero valuation fields when set
	Error string

	EvaluatedAt time.Time
}

// Failed reports whether the entry could not be valued
func (a Assessment) Failed() bool {
	return a.Error != ""
}

// LiquidationPriceString formats the liquidation price, or "n/a" when there is none
func (a Assessment) LiquidationPriceString(places int32) string {
	if !a.HasLiquidationPrice {
		return "n/a"
	}
	return a.LiquidationPrice.StringFixed(places)
}
