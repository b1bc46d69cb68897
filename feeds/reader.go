// Package feeds reads the live market inputs a position valuation needs:
// pool open interest, exit price and the maintenance margin fraction.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrBadPrice   = errors.New("bad price")
	ErrStalePrice = errors.New("stale price")
)

// wadDecimals is the fixed-point scale of Overlay oi and margin values.
const wadDecimals = 18

const marketABI = `[
	{"type":"function","name":"oi","stateMutability":"view","inputs":[],"outputs":[
		{"name":"oiLong_","type":"uint256"},
		{"name":"oiShort_","type":"uint256"},
		{"name":"oiLongShares_","type":"uint256"},
		{"name":"oiShortShares_","type":"uint256"}]}
]`

const collateralManagerABI = `[
	{"type":"function","name":"marginMaintenance","stateMutability":"view","inputs":[
		{"name":"_market","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}]}
]`

// ContractCaller is the read side of an RPC client. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PoolSnapshot holds one side's open-interest aggregates
type PoolSnapshot struct {
	TotalOi       decimal.Decimal
	TotalOiShares decimal.Decimal
}

// Reader performs eth_calls against markets, price feeds and the collateral manager
type Reader struct {
	caller            ContractCaller
	collateralManager common.Address

	market     abi.ABI
	manager    abi.ABI
	aggregator abi.ABI

	maxPriceAge time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	decimals map[common.Address]int32
}

// NewReader creates a reader bound to the collateral manager at collateralManager
func NewReader(caller ContractCaller, collateralManager common.Address) *Reader {
	return &Reader{
		caller:            caller,
		collateralManager: collateralManager,
		market:            mustParse(marketABI),
		manager:           mustParse(collateralManagerABI),
		aggregator:        mustParse(aggregatorABI),
		now:               time.Now,
		decimals:          make(map[common.Address]int32),
	}
}

// SetMaxPriceAge rejects quotes older than d. Zero disables the check.
func (r *Reader) SetMaxPriceAge(d time.Duration) {
	r.maxPriceAge = d
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("feeds: parse abi: %v", err))
	}
	return parsed
}

// Pool returns the open-interest aggregates of one side of market
func (r *Reader) Pool(ctx context.Context, market common.Address, isLong bool) (PoolSnapshot, error) {
	out, err := r.call(ctx, r.market, market, "oi")
	if err != nil {
		return PoolSnapshot{}, err
	}

	oiLong, oiShort := out[0].(*big.Int), out[1].(*big.Int)
	sharesLong, sharesShort := out[2].(*big.Int), out[3].(*big.Int)

	if isLong {
		return PoolSnapshot{TotalOi: fromWad(oiLong), TotalOiShares: fromWad(sharesLong)}, nil
	}
	return PoolSnapshot{TotalOi: fromWad(oiShort), TotalOiShares: fromWad(sharesShort)}, nil
}

// MarginMaintenance returns the maintenance fraction the collateral manager applies to market
func (r *Reader) MarginMaintenance(ctx context.Context, market common.Address) (decimal.Decimal, error) {
	out, err := r.call(ctx, r.manager, r.collateralManager, "marginMaintenance", market)
	if err != nil {
		return decimal.Zero, err
	}
	return fromWad(out[0].(*big.Int)), nil
}

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("feeds: pack %s: %w", method, err)
	}

	output, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("feeds: call %s on %s: %w", method, to.Hex(), err)
	}

	out, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("feeds: unpack %s from %s: %w", method, to.Hex(), err)
	}
	return out, nil
}

func fromWad(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -wadDecimals)
}
