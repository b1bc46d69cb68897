package bot

import (
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/ovlwatch/position"
	"github.com/web3guy0/ovlwatch/types"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

type fakeStatus struct {
	latest []types.Assessment
	at     time.Time
}

func (f fakeStatus) Latest() []types.Assessment { return f.latest }
func (f fakeStatus) LastScanAt() time.Time      { return f.at }

type fakeHistory struct{ n int64 }

func (f fakeHistory) CountLiquidatable(time.Time) (int64, error) { return f.n, nil }

func newTestBot() (*TelegramBot, *fakeSender) {
	out := &fakeSender{}
	return &TelegramBot{out: out, chatID: 42, stopCh: make(chan struct{})}, out
}

func liquidatable() types.Assessment {
	return types.Assessment{
		PositionID:          7,
		Label:               "eth_long",
		Market:              "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Side:                "LONG",
		PriceExit:           decimal.NewFromInt(89),
		LiquidationPrice:    decimal.NewFromInt(90),
		HasLiquidationPrice: true,
		Value:               decimal.NewFromInt(45),
		MarginMaintenance:   decimal.RequireFromString("0.1"),
		OpenLeverage:        decimal.RequireFromString("9.8888"),
		IsLiquidatable:      true,
		LiquidateCalldata:   "0xdeadbeef",
	}
}

func TestAlertLiquidatable(t *testing.T) {
	b, out := newTestBot()

	require.NoError(t, b.AlertLiquidatable(liquidatable()))
	require.Len(t, out.sent, 1)

	msg := out.sent[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, msg.ParseMode)
	assert.Contains(t, msg.Text, "#7")
	assert.Contains(t, msg.Text, `eth\_long`)
	assert.Contains(t, msg.Text, "90.0000")
	assert.Contains(t, msg.Text, "maint 10.00%")
	assert.Contains(t, msg.Text, "9.89x")
	assert.Contains(t, msg.Text, "0xdeadbeef")
}

func TestAlertLiquidatable_SendError(t *testing.T) {
	b, out := newTestBot()
	out.err = errors.New("network down")

	err := b.AlertLiquidatable(liquidatable())
	assert.ErrorContains(t, err, "network down")
}

func TestFormatLeverage_Max(t *testing.T) {
	a := liquidatable()
	a.OpenLeverage = position.MaxLeverage
	assert.Equal(t, "∞", formatLeverage(a))
}

func TestFormatStatus(t *testing.T) {
	assert.Contains(t, formatStatus(nil, time.Time{}), "No scan")

	healthy := liquidatable()
	healthy.PositionID = 1
	healthy.IsLiquidatable = false
	failed := types.Assessment{PositionID: 2, Side: "SHORT", Error: "read price: stale price"}

	text := formatStatus([]types.Assessment{healthy, liquidatable(), failed}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Contains(t, text, "03:04:05 UTC")
	assert.Contains(t, text, "✅ #1 LONG")
	assert.Contains(t, text, "🚨 #7 LONG")
	assert.Contains(t, text, "⚠️ #2 SHORT: read price: stale price")
}

func TestHandleCommand(t *testing.T) {
	b, out := newTestBot()
	b.SetProviders(fakeStatus{latest: []types.Assessment{liquidatable()}, at: time.Now()}, fakeHistory{n: 3})

	b.handleCommand("status")
	b.handleCommand("STATS")
	b.handleCommand("help")
	b.handleCommand("ping")
	b.handleCommand("bogus")

	require.Len(t, out.sent, 5)
	assert.Contains(t, out.sent[0].Text, "#7")
	assert.Contains(t, out.sent[1].Text, "*3*")
	assert.Contains(t, out.sent[2].Text, "/status")
	assert.Equal(t, "🏓 Pong!", out.sent[3].Text)
	assert.Contains(t, out.sent[4].Text, "Unknown command")
}

func TestHandleCommand_NoProviders(t *testing.T) {
	b, out := newTestBot()

	b.handleCommand("status")
	b.handleCommand("stats")

	require.Len(t, out.sent, 2)
	assert.Contains(t, out.sent[0].Text, "unavailable")
	assert.Contains(t, out.sent[1].Text, "No history")
}

func TestAlertLiquidatable_NoLiquidationPrice(t *testing.T) {
	b, out := newTestBot()

	a := liquidatable()
	a.Value = decimal.Zero
	a.LiquidationPrice = decimal.Zero
	a.HasLiquidationPrice = false
	require.NoError(t, b.AlertLiquidatable(a))

	require.Len(t, out.sent, 1)
	assert.Contains(t, out.sent[0].Text, "Liq price: *n/a*")
	assert.NotContains(t, out.sent[0].Text, "Liq price: *0.0000*")

	assert.Contains(t, formatStatus([]types.Assessment{a}, time.Now()), "liq n/a")
}
