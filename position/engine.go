package position

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultPrecision matches the 18-decimal fixed point the contracts use.
const DefaultPrecision int32 = 18

var (
	two = decimal.NewFromInt(2)

	// MaxLeverage is returned by OpenLeverage once value has fully eroded.
	// It marks "no residual margin" and must not be used in further arithmetic.
	MaxLeverage = decimal.NewFromInt(math.MaxInt64)
)

// IsMaxLeverage reports whether d is the MaxLeverage sentinel.
func IsMaxLeverage(d decimal.Decimal) bool {
	return d.Equal(MaxLeverage)
}

// Engine evaluates positions. The only setting is the number of decimal places
// kept by divisions; every method is a pure function of its arguments.
type Engine struct {
	precision int32
}

// NewEngine returns an engine rounding quotients to precision decimal places.
// A non-positive precision falls back to DefaultPrecision.
func NewEngine(precision int32) Engine {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return Engine{precision: precision}
}

// Precision returns the number of decimal places kept by divisions.
func (e Engine) Precision() int32 {
	if e.precision <= 0 {
		return DefaultPrecision
	}
	return e.precision
}

func (e Engine) div(num, den decimal.Decimal, what string) (decimal.Decimal, error) {
	if den.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s is zero", ErrDivisionByZero, what)
	}
	return num.DivRound(den, e.Precision()), nil
}

// Oi is the position's pro-rata share of the pooled open interest.
func (e Engine) Oi(p Position, totalOi, totalOiShares decimal.Decimal) (decimal.Decimal, error) {
	return e.div(p.oiShares.Mul(totalOi), totalOiShares, "total oi shares")
}

// frame returns the position's oi and priceExit/priceEntry.
func (e Engine) frame(p Position, totalOi, totalOiShares, priceExit decimal.Decimal) (oi, priceFrame decimal.Decimal, err error) {
	oi, err = e.Oi(p, totalOi, totalOiShares)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	priceFrame, err = e.div(priceExit, p.priceEntry, "entry price")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return oi, priceFrame, nil
}

// payoff returns the uncapped payoff and the amount subtracted from it.
// Value is raw - min(raw, claim), so it never drops below zero.
// A short's raw payoff is 2*oi (the Overlay V1 contracts' short cap), not oi/2:
// only that reading keeps IsUnderwater equal to a zero Value and lets
// LiquidationPrice invert IsLiquidatable on the short side.
func payoff(p Position, oi, priceFrame decimal.Decimal) (raw, claim decimal.Decimal) {
	if p.isLong {
		return oi.Mul(priceFrame), p.debt
	}
	return oi.Mul(two), p.debt.Add(oi.Mul(priceFrame))
}

// Value is the collateral-equivalent worth of the position, floored at zero.
func (e Engine) Value(p Position, totalOi, totalOiShares, priceExit decimal.Decimal) (decimal.Decimal, error) {
	oi, priceFrame, err := e.frame(p, totalOi, totalOiShares, priceExit)
	if err != nil {
		return decimal.Zero, err
	}
	raw, claim := payoff(p, oi, priceFrame)
	return raw.Sub(decimal.Min(raw, claim)), nil
}

// IsUnderwater reports whether the payoff no longer covers what is owed against it.
// It is true exactly when Value is zero.
func (e Engine) IsUnderwater(p Position, totalOi, totalOiShares, priceExit decimal.Decimal) (bool, error) {
	oi, priceFrame, err := e.frame(p, totalOi, totalOiShares, priceExit)
	if err != nil {
		return false, err
	}
	raw, claim := payoff(p, oi, priceFrame)
	return raw.LessThanOrEqual(claim), nil
}

// Notional is value plus debt.
func (e Engine) Notional(p Position, totalOi, totalOiShares, priceExit decimal.Decimal) (decimal.Decimal, error) {
	value, err := e.Value(p, totalOi, totalOiShares, priceExit)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Add(p.debt), nil
}

// OpenLeverage is notional / value, or MaxLeverage when value is zero.
func (e Engine) OpenLeverage(p Position, totalOi, totalOiShares, priceExit decimal.Decimal) (decimal.Decimal, error) {
	value, err := e.Value(p, totalOi, totalOiShares, priceExit)
	if err != nil {
		return decimal.Zero, err
	}
	if value.IsZero() {
		return MaxLeverage, nil
	}
	return e.div(value.Add(p.debt), value, "value")
}

// OpenMargin is value / notional, or zero when notional is zero.
func (e Engine) OpenMargin(p Position, totalOi, totalOiShares, priceExit decimal.Decimal) (decimal.Decimal, error) {
	value, err := e.Value(p, totalOi, totalOiShares, priceExit)
	if err != nil {
		return decimal.Zero, err
	}
	notional := value.Add(p.debt)
	if notional.IsZero() {
		return decimal.Zero, nil
	}
	return e.div(value, notional, "notional")
}

// IsLiquidatable reports whether value has fallen below initialOi * marginMaintenance.
func (e Engine) IsLiquidatable(p Position, totalOi, totalOiShares, priceExit, marginMaintenance decimal.Decimal) (bool, error) {
	value, err := e.Value(p, totalOi, totalOiShares, priceExit)
	if err != nil {
		return false, err
	}
	return value.LessThan(p.InitialOi().Mul(marginMaintenance)), nil
}

// LiquidationPrice is the exit price at which value reaches the maintenance
// threshold, holding oi at the given pool snapshot.
func (e Engine) LiquidationPrice(p Position, totalOi, totalOiShares, marginMaintenance decimal.Decimal) (decimal.Decimal, error) {
	oi, err := e.Oi(p, totalOi, totalOiShares)
	if err != nil {
		return decimal.Zero, err
	}
	oiFrame, err := e.div(p.InitialOi().Mul(marginMaintenance).Add(p.debt), oi, "oi")
	if err != nil {
		return decimal.Zero, err
	}
	if p.isLong {
		return p.priceEntry.Mul(oiFrame), nil
	}
	return p.priceEntry.Mul(two.Sub(oiFrame)), nil
}

// Valuation holds every derived quantity for one position at one market read.
type Valuation struct {
	Oi               decimal.Decimal
	InitialOi        decimal.Decimal
	Value            decimal.Decimal
	Notional         decimal.Decimal
	OpenLeverage     decimal.Decimal
	OpenMargin       decimal.Decimal
	IsUnderwater     bool
	IsLiquidatable   bool
	LiquidationPrice decimal.Decimal

	// HasLiquidationPrice is false when oi is zero and no price can liquidate
	// the position; LiquidationPrice is then meaningless.
	HasLiquidationPrice bool
}

// Snapshot evaluates all formulas against a single market read.
func (e Engine) Snapshot(p Position, totalOi, totalOiShares, priceExit, marginMaintenance decimal.Decimal) (Valuation, error) {
	var v Valuation
	var err error

	if v.Oi, err = e.Oi(p, totalOi, totalOiShares); err != nil {
		return Valuation{}, err
	}
	v.InitialOi = p.InitialOi()
	if v.Value, err = e.Value(p, totalOi, totalOiShares, priceExit); err != nil {
		return Valuation{}, err
	}
	if v.Notional, err = e.Notional(p, totalOi, totalOiShares, priceExit); err != nil {
		return Valuation{}, err
	}
	if v.OpenLeverage, err = e.OpenLeverage(p, totalOi, totalOiShares, priceExit); err != nil {
		return Valuation{}, err
	}
	if v.OpenMargin, err = e.OpenMargin(p, totalOi, totalOiShares, priceExit); err != nil {
		return Valuation{}, err
	}
	if v.IsUnderwater, err = e.IsUnderwater(p, totalOi, totalOiShares, priceExit); err != nil {
		return Valuation{}, err
	}
	if v.IsLiquidatable, err = e.IsLiquidatable(p, totalOi, totalOiShares, priceExit, marginMaintenance); err != nil {
		return Valuation{}, err
	}
	// oi > 0 is not guaranteed: an empty pool has no liquidation price.
	if v.Oi.IsPositive() {
		if v.LiquidationPrice, err = e.LiquidationPrice(p, totalOi, totalOiShares, marginMaintenance); err != nil {
			return Valuation{}, err
		}
		v.HasLiquidationPrice = true
	}
	return v, nil
}
