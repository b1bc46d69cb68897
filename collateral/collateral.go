// Package collateral builds calldata for the Overlay V1 OVL collateral manager.
//
// Every builder validates its inputs, scales OVL amounts to 18-decimal integers
// and returns 0x-prefixed ABI-encoded calldata. Nothing is signed or sent.
package collateral

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OVL COLLATERAL MANAGER - build / unwind / liquidate + ERC-1155 transfers
// ═══════════════════════════════════════════════════════════════════════════════

// Decimals is the fixed-point scale of OVL amounts and position shares.
const Decimals = 18

var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrMismatchedBatch = errors.New("mismatched batch lengths")
)

const collateralABI = `[
	{"type":"function","name":"build","stateMutability":"nonpayable","inputs":[
		{"name":"_market","type":"address"},
		{"name":"_collateral","type":"uint256"},
		{"name":"_leverage","type":"uint256"},
		{"name":"_isLong","type":"bool"}],
	 "outputs":[{"name":"positionId_","type":"uint256"}]},
	{"type":"function","name":"unwind","stateMutability":"nonpayable","inputs":[
		{"name":"_positionId","type":"uint256"},
		{"name":"_shares","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"liquidate","stateMutability":"nonpayable","inputs":[
		{"name":"_positionId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"id","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"data","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"safeBatchTransferFrom","stateMutability":"nonpayable","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"ids","type":"uint256[]"},
		{"name":"amounts","type":"uint256[]"},
		{"name":"data","type":"bytes"}],"outputs":[]}
]`

// Interface is the parsed OVL collateral manager ABI.
var Interface abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(collateralABI))
	if err != nil {
		panic(fmt.Sprintf("collateral: parse abi: %v", err))
	}
	Interface = parsed
}

// BuildOptions opens a position on Market.
type BuildOptions struct {
	Market     string
	Collateral decimal.Decimal // OVL
	Leverage   decimal.Decimal // whole number
	IsLong     bool
}

// UnwindOptions exits Shares of PositionID.
type UnwindOptions struct {
	PositionID *big.Int
	Shares     decimal.Decimal
}

// LiquidateOptions liquidates PositionID.
type LiquidateOptions struct {
	PositionID *big.Int
}

// SafeTransferOptions moves Value shares of PositionID from Sender to Recipient.
type SafeTransferOptions struct {
	Sender     string
	Recipient  string
	PositionID *big.Int
	Value      decimal.Decimal
	Data       []byte
}

// SafeBatchTransferOptions moves several position ids in one call.
type SafeBatchTransferOptions struct {
	Sender      string
	Recipient   string
	PositionIDs []*big.Int
	Values      []decimal.Decimal
	Data        []byte
}

// ValidateAndParseAddress returns the EIP-55 checksummed form of s. Mixed-case
// input must already carry a valid checksum.
func ValidateAndParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)

	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if body != addr.Hex()[2:] {
			return common.Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
		}
	}
	return addr, nil
}

// ToWei scales an OVL amount to its 18-decimal integer representation.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	scaled := amount.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, Decimals)
	}
	return scaled.BigInt(), nil
}

// FromWei is the inverse of ToWei.
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -Decimals)
}

func positionID(id *big.Int) (*big.Int, error) {
	if id == nil || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: position id %v", ErrInvalidAmount, id)
	}
	return id, nil
}

func encode(method string, args ...interface{}) (string, error) {
	data, err := Interface.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("collateral: encode %s: %w", method, err)
	}
	return hexutil.Encode(data), nil
}

// BuildParameters encodes build(market, collateral, leverage, isLong).
func BuildParameters(opts BuildOptions) (string, error) {
	market, err := ValidateAndParseAddress(opts.Market)
	if err != nil {
		return "", err
	}
	collateral, err := ToWei(opts.Collateral)
	if err != nil {
		return "", err
	}
	if opts.Leverage.LessThan(decimal.NewFromInt(1)) || !opts.Leverage.Equal(opts.Leverage.Truncate(0)) {
		return "", fmt.Errorf("%w: leverage %s must be a whole number >= 1", ErrInvalidAmount, opts.Leverage)
	}
	return encode("build", market, collateral, opts.Leverage.BigInt(), opts.IsLong)
}

// UnwindParameters encodes unwind(positionId, shares).
func UnwindParameters(opts UnwindOptions) (string, error) {
	id, err := positionID(opts.PositionID)
	if err != nil {
		return "", err
	}
	shares, err := ToWei(opts.Shares)
	if err != nil {
		return "", err
	}
	return encode("unwind", id, shares)
}

// LiquidateParameters encodes liquidate(positionId).
func LiquidateParameters(opts LiquidateOptions) (string, error) {
	id, err := positionID(opts.PositionID)
	if err != nil {
		return "", err
	}
	return encode("liquidate", id)
}

// SafeTransferFromParameters encodes the ERC-1155 single transfer.
func SafeTransferFromParameters(opts SafeTransferOptions) (string, error) {
	from, err := ValidateAndParseAddress(opts.Sender)
	if err != nil {
		return "", err
	}
	to, err := ValidateAndParseAddress(opts.Recipient)
	if err != nil {
		return "", err
	}
	id, err := positionID(opts.PositionID)
	if err != nil {
		return "", err
	}
	value, err := ToWei(opts.Value)
	if err != nil {
		return "", err
	}
	return encode("safeTransferFrom", from, to, id, value, nonNil(opts.Data))
}

// SafeBatchTransferFromParameters encodes the ERC-1155 batch transfer.
func SafeBatchTransferFromParameters(opts SafeBatchTransferOptions) (string, error) {
	if len(opts.PositionIDs) != len(opts.Values) {
		return "", fmt.Errorf("%w: %d ids, %d values", ErrMismatchedBatch, len(opts.PositionIDs), len(opts.Values))
	}
	from, err := ValidateAndParseAddress(opts.Sender)
	if err != nil {
		return "", err
	}
	to, err := ValidateAndParseAddress(opts.Recipient)
	if err != nil {
		return "", err
	}

	ids := make([]*big.Int, len(opts.PositionIDs))
	values := make([]*big.Int, len(opts.Values))
	for i := range opts.PositionIDs {
		if ids[i], err = positionID(opts.PositionIDs[i]); err != nil {
			return "", err
		}
		if values[i], err = ToWei(opts.Values[i]); err != nil {
			return "", err
		}
	}
	return encode("safeBatchTransferFrom", from, to, ids, values, nonNil(opts.Data))
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
