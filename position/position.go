// Package position values Overlay leveraged positions.
//
// A Position is an immutable snapshot of what the collateral manager recorded when
// the position was built. An Engine turns that snapshot plus live pool aggregates
// and an exit price into value, notional, leverage, margin and liquidation data.
// Nothing here performs I/O or keeps state between calls.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrDivisionByZero is returned when totalOiShares, priceEntry or oi is zero.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrInvalidPosition is returned by New when a field breaks its invariant.
	ErrInvalidPosition = errors.New("invalid position")
)

// Params are the raw on-chain fields a Position is built from.
type Params struct {
	IsLong     bool
	Leverage   decimal.Decimal
	Cost       decimal.Decimal
	Debt       decimal.Decimal
	OiShares   decimal.Decimal
	PriceEntry decimal.Decimal
}

// Position is an immutable leveraged position record. Construct it with New;
// to reflect a changed position build a new value.
type Position struct {
	isLong     bool
	leverage   decimal.Decimal
	cost       decimal.Decimal
	debt       decimal.Decimal
	oiShares   decimal.Decimal
	priceEntry decimal.Decimal
}

// New validates p and returns the position it describes.
func New(p Params) (Position, error) {
	switch {
	case !p.Leverage.IsPositive():
		return Position{}, fmt.Errorf("%w: leverage must be > 0, got %s", ErrInvalidPosition, p.Leverage)
	case !p.Cost.IsPositive():
		return Position{}, fmt.Errorf("%w: cost must be > 0, got %s", ErrInvalidPosition, p.Cost)
	case p.Debt.IsNegative():
		return Position{}, fmt.Errorf("%w: debt must be >= 0, got %s", ErrInvalidPosition, p.Debt)
	case !p.OiShares.IsPositive():
		return Position{}, fmt.Errorf("%w: oi shares must be > 0, got %s", ErrInvalidPosition, p.OiShares)
	case !p.PriceEntry.IsPositive():
		return Position{}, fmt.Errorf("%w: entry price must be > 0, got %s", ErrInvalidPosition, p.PriceEntry)
	}

	return Position{
		isLong:     p.IsLong,
		leverage:   p.Leverage,
		cost:       p.Cost,
		debt:       p.Debt,
		oiShares:   p.OiShares,
		priceEntry: p.PriceEntry,
	}, nil
}

// MustNew is like New but panics on invalid input. Intended for tests and constants.
func MustNew(p Params) Position {
	pos, err := New(p)
	if err != nil {
		panic(err)
	}
	return pos
}

func (p Position) IsLong() bool                { return p.isLong }
func (p Position) Leverage() decimal.Decimal   { return p.leverage }
func (p Position) Cost() decimal.Decimal       { return p.cost }
func (p Position) Debt() decimal.Decimal       { return p.debt }
func (p Position) OiShares() decimal.Decimal   { return p.oiShares }
func (p Position) PriceEntry() decimal.Decimal { return p.priceEntry }

// Side returns "LONG" or "SHORT".
func (p Position) Side() string {
	if p.isLong {
		return "LONG"
	}
	return "SHORT"
}

// InitialOi is the open interest the position was built with: cost + debt.
func (p Position) InitialOi() decimal.Decimal {
	return p.cost.Add(p.debt)
}

// Params returns the fields p was built from.
func (p Position) Params() Params {
	return Params{
		IsLong:     p.isLong,
		Leverage:   p.leverage,
		Cost:       p.cost,
		Debt:       p.debt,
		OiShares:   p.oiShares,
		PriceEntry: p.priceEntry,
	}
}
