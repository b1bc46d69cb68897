package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/ovlwatch/position"
	"github.com/web3guy0/ovlwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Liquidation alerts & watcher status
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🚨 Alert when a watched position becomes liquidatable
//   📊 /status - latest valuation of every watched position
//   📈 /stats  - liquidatable assessments recorded in the last 24h
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider exposes the most recent scan. *risk.Monitor implements it.
type StatusProvider interface {
	Latest() []types.Assessment
	LastScanAt() time.Time
}

// HistoryProvider exposes persisted scan history. *storage.Database implements it.
type HistoryProvider interface {
	CountLiquidatable(since time.Time) (int64, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	out     sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	status  StatusProvider
	history HistoryProvider
}

// NewTelegramBot connects to Telegram. Alerts and command replies go to chatID only.
func NewTelegramBot(token string, chatID int64) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return &TelegramBot{
		api:    api,
		out:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
	}, nil
}

// SetProviders wires the data behind /status and /stats. Either may be nil.
func (b *TelegramBot) SetProviders(status StatusProvider, history HistoryProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.history = history
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// AlertLiquidatable sends a liquidation alert for a
func (b *TelegramBot) AlertLiquidatable(a types.Assessment) error {
	return b.sendMarkdown(formatLiquidationAlert(a))
}

// NotifyStartup announces the watcher and its configuration
func (b *TelegramBot) NotifyStartup(positions int, interval time.Duration) {
	msg := fmt.Sprintf(`🚀 *OVLWATCH STARTED*
━━━━━━━━━━━━━━━━━━━━

👀 Watching: *%d* positions
⏱️ Scan every: *%s*

Use /help for commands`, positions, interval)

	if err := b.sendMarkdown(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send startup message")
	}
}

func formatLiquidationAlert(a types.Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 *LIQUIDATABLE*\n\n")
	fmt.Fprintf(&sb, "📊 Position *#%d* %s %s\n", a.PositionID, sideEmoji(a.Side), a.Side)
	if a.Label != "" {
		fmt.Fprintf(&sb, "🏷️ %s\n", escape(a.Label))
	}
	fmt.Fprintf(&sb, "🏦 Market: `%s`\n", a.Market)
	sb.WriteString("━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "💵 Price: *%s*\n", a.PriceExit.StringFixed(4))
	fmt.Fprintf(&sb, "💀 Liq price: *%s*\n", a.LiquidationPriceString(4))
	fmt.Fprintf(&sb, "💰 Value: *%s* (maint %s%%)\n", a.Value.StringFixed(4), a.MarginMaintenance.Shift(2).StringFixed(2))
	fmt.Fprintf(&sb, "📐 Leverage: *%s*\n", formatLeverage(a))
	if a.LiquidateCalldata != "" {
		sb.WriteString("━━━━━━━━━━━━━━━━\n")
		fmt.Fprintf(&sb, "📝 liquidate calldata:\n`%s`", a.LiquidateCalldata)
	}
	return sb.String()
}

func formatStatus(latest []types.Assessment, lastScan time.Time) string {
	if len(latest) == 0 {
		return "📭 No scan has completed yet"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *WATCHER STATUS*\n━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, "⏱️ Last scan: %s\n\n", lastScan.UTC().Format("15:04:05 UTC"))

	for _, a := range latest {
		switch {
		case a.Failed():
			fmt.Fprintf(&sb, "⚠️ #%d %s: %s\n", a.PositionID, a.Side, escape(a.Error))
		case a.IsLiquidatable:
			fmt.Fprintf(&sb, "🚨 #%d %s value *%s* | liq %s\n", a.PositionID, a.Side, a.Value.StringFixed(2), a.LiquidationPriceString(2))
		default:
			fmt.Fprintf(&sb, "✅ #%d %s value *%s* | liq %s | %s\n", a.PositionID, a.Side, a.Value.StringFixed(2), a.LiquidationPriceString(2), formatLeverage(a))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatLeverage(a types.Assessment) string {
	if position.IsMaxLeverage(a.OpenLeverage) {
		return "∞"
	}
	return a.OpenLeverage.StringFixed(2) + "x"
}

func sideEmoji(side string) string {
	if side == "LONG" {
		return "🟢"
	}
	return "🔴"
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	var err error
	switch strings.ToLower(cmd) {
	case "start", "help":
		err = b.cmdHelp()
	case "status":
		err = b.cmdStatus()
	case "stats":
		err = b.cmdStats()
	case "ping":
		err = b.send("🏓 Pong!")
	default:
		err = b.send("❓ Unknown command. Use /help")
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("Failed to answer command")
	}
}

func (b *TelegramBot) cmdHelp() error {
	return b.sendMarkdown(`🤖 *OVLWATCH COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status - Latest valuation per position
📈 /stats - Liquidatable count, last 24h
🏓 /ping - Test connection`)
}

func (b *TelegramBot) cmdStatus() error {
	b.mu.RLock()
	status := b.status
	b.mu.RUnlock()

	if status == nil {
		return b.send("📭 Status unavailable")
	}
	return b.sendMarkdown(formatStatus(status.Latest(), status.LastScanAt()))
}

func (b *TelegramBot) cmdStats() error {
	b.mu.RLock()
	history := b.history
	b.mu.RUnlock()

	if history == nil {
		return b.send("📭 No history database configured")
	}
	n, err := history.CountLiquidatable(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return b.send("❌ Failed to read history: " + err.Error())
	}
	return b.sendMarkdown(fmt.Sprintf("📈 *LAST 24H*\n━━━━━━━━━━━━━━━━━━━━\n\n🚨 Liquidatable assessments: *%d*", n))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) error {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (b *TelegramBot) sendMarkdown(text string) error {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.out.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
