package feeds

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	managerAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	marketAddr  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	feedAddr    = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

type fakeCaller struct {
	responses map[string][]byte
	calls     int
}

func key(to common.Address, selector []byte) string {
	return to.Hex() + common.Bytes2Hex(selector)
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	out, ok := f.responses[key(*call.To, call.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (f *fakeCaller) set(t *testing.T, contractDef string, to common.Address, method string, values ...interface{}) {
	t.Helper()
	parsed := mustParse(contractDef)
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	f.responses[key(to, parsed.Methods[method].ID)] = out
}

func wad(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(wadDecimals).BigInt()
}

func newFake() *fakeCaller {
	return &fakeCaller{responses: make(map[string][]byte)}
}

func TestReader_Pool(t *testing.T) {
	caller := newFake()
	caller.set(t, marketABI, marketAddr, "oi", wad("1000"), wad("250.5"), wad("900"), wad("200"))
	r := NewReader(caller, managerAddr)

	long, err := r.Pool(context.Background(), marketAddr, true)
	require.NoError(t, err)
	assert.True(t, long.TotalOi.Equal(decimal.NewFromInt(1000)))
	assert.True(t, long.TotalOiShares.Equal(decimal.NewFromInt(900)))

	short, err := r.Pool(context.Background(), marketAddr, false)
	require.NoError(t, err)
	assert.True(t, short.TotalOi.Equal(decimal.RequireFromString("250.5")))
	assert.True(t, short.TotalOiShares.Equal(decimal.NewFromInt(200)))

	_, err = r.Pool(context.Background(), feedAddr, true)
	assert.Error(t, err)
}

func TestReader_MarginMaintenance(t *testing.T) {
	caller := newFake()
	caller.set(t, collateralManagerABI, managerAddr, "marginMaintenance", wad("0.06"))
	r := NewReader(caller, managerAddr)

	mm, err := r.MarginMaintenance(context.Background(), marketAddr)
	require.NoError(t, err)
	assert.True(t, mm.Equal(decimal.RequireFromString("0.06")))
}

func TestReader_ExitPrice(t *testing.T) {
	caller := newFake()
	updated := time.Unix(1_700_000_000, 0)
	caller.set(t, aggregatorABI, feedAddr, "decimals", uint8(8))
	caller.set(t, aggregatorABI, feedAddr, "latestRoundData",
		big.NewInt(11), big.NewInt(4_321_012_345_678), big.NewInt(updated.Unix()), big.NewInt(updated.Unix()), big.NewInt(11))

	r := NewReader(caller, managerAddr)
	r.now = func() time.Time { return updated.Add(30 * time.Second) }
	r.SetMaxPriceAge(time.Minute)

	price, err := r.ExitPrice(context.Background(), feedAddr)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("43210.12345678")), "price %s", price)

	// decimals() is read once per feed
	before := caller.calls
	point, err := r.LatestRound(context.Background(), feedAddr)
	require.NoError(t, err)
	assert.Equal(t, before+1, caller.calls)
	assert.Equal(t, int64(11), point.RoundID.Int64())
	assert.True(t, point.UpdatedAt.Equal(updated))
}

func TestReader_ExitPriceRejects(t *testing.T) {
	updated := time.Unix(1_700_000_000, 0)

	t.Run("non-positive answer", func(t *testing.T) {
		caller := newFake()
		caller.set(t, aggregatorABI, feedAddr, "decimals", uint8(8))
		caller.set(t, aggregatorABI, feedAddr, "latestRoundData",
			big.NewInt(1), big.NewInt(0), big.NewInt(updated.Unix()), big.NewInt(updated.Unix()), big.NewInt(1))

		_, err := NewReader(caller, managerAddr).ExitPrice(context.Background(), feedAddr)
		assert.ErrorIs(t, err, ErrBadPrice)
	})

	t.Run("stale answer", func(t *testing.T) {
		caller := newFake()
		caller.set(t, aggregatorABI, feedAddr, "decimals", uint8(8))
		caller.set(t, aggregatorABI, feedAddr, "latestRoundData",
			big.NewInt(1), big.NewInt(100), big.NewInt(updated.Unix()), big.NewInt(updated.Unix()), big.NewInt(1))

		r := NewReader(caller, managerAddr)
		r.now = func() time.Time { return updated.Add(time.Hour) }
		r.SetMaxPriceAge(5 * time.Minute)

		_, err := r.ExitPrice(context.Background(), feedAddr)
		assert.ErrorIs(t, err, ErrStalePrice)
	})

	t.Run("missing feed", func(t *testing.T) {
		_, err := NewReader(newFake(), managerAddr).ExitPrice(context.Background(), feedAddr)
		assert.Error(t, err)
	})
}
