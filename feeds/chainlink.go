package feeds

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAINLINK PRICE FEED - Exit price quotes from on-chain aggregators
// ═══════════════════════════════════════════════════════════════════════════════
//
// latestRoundData() returns
//   (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
// and the answer is scaled by decimals(), cached per feed after the first read.
//
// ═══════════════════════════════════════════════════════════════════════════════

const aggregatorABI = `[
	{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"uint8"}]}
]`

// PricePoint is one aggregator round
type PricePoint struct {
	Price     decimal.Decimal
	RoundID   *big.Int
	UpdatedAt time.Time
}

// ExitPrice returns the latest aggregator answer for feed
func (r *Reader) ExitPrice(ctx context.Context, feed common.Address) (decimal.Decimal, error) {
	point, err := r.LatestRound(ctx, feed)
	if err != nil {
		return decimal.Zero, err
	}
	return point.Price, nil
}

// LatestRound reads latestRoundData() and rejects non-positive or stale answers
func (r *Reader) LatestRound(ctx context.Context, feed common.Address) (PricePoint, error) {
	decimals, err := r.feedDecimals(ctx, feed)
	if err != nil {
		return PricePoint{}, err
	}

	out, err := r.call(ctx, r.aggregator, feed, "latestRoundData")
	if err != nil {
		return PricePoint{}, err
	}

	roundID := out[0].(*big.Int)
	answer := out[1].(*big.Int)
	updatedAt := time.Unix(out[3].(*big.Int).Int64(), 0)

	if answer.Sign() <= 0 {
		return PricePoint{}, fmt.Errorf("%w: feed %s answered %s", ErrBadPrice, feed.Hex(), answer)
	}
	if r.maxPriceAge > 0 {
		if age := r.now().Sub(updatedAt); age > r.maxPriceAge {
			return PricePoint{}, fmt.Errorf("%w: feed %s last updated %s ago", ErrStalePrice, feed.Hex(), age.Truncate(time.Second))
		}
	}

	point := PricePoint{
		Price:     decimal.NewFromBigInt(answer, -decimals),
		RoundID:   roundID,
		UpdatedAt: updatedAt,
	}

	log.Debug().
		Str("feed", feed.Hex()).
		Str("price", point.Price.String()).
		Str("round", roundID.String()).
		Msg("⛓️ Chainlink round")

	return point, nil
}

func (r *Reader) feedDecimals(ctx context.Context, feed common.Address) (int32, error) {
	r.mu.RLock()
	dec, ok := r.decimals[feed]
	r.mu.RUnlock()
	if ok {
		return dec, nil
	}

	out, err := r.call(ctx, r.aggregator, feed, "decimals")
	if err != nil {
		return 0, err
	}
	dec = int32(out[0].(uint8))

	r.mu.Lock()
	r.decimals[feed] = dec
	r.mu.Unlock()
	return dec, nil
}
