package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v3"

	"futures_bot/internal/engine"
	"futures_bot/internal/exchange"
	"futures_bot/internal/models"
)

// queryTimeout bounds the exchange lookups behind operator commands so
// a stalled connection cannot hang a handler.
const queryTimeout = 10 * time.Second

// Bot is the operator channel: commands to inspect and halt/resume the
// engine, plus push notifications for trades and alerts.
type Bot struct {
	bot          *tele.Bot
	engine       *engine.Engine
	ex           exchange.Client
	symbol       string
	authorizedID int64
	startTime    time.Time
	log          zerolog.Logger
}

func NewBot(token string, authorizedID int64, eng *engine.Engine, ex exchange.Client, symbol string, log zerolog.Logger) (*Bot, error) {
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:          b,
		engine:       eng,
		ex:           ex,
		symbol:       symbol,
		authorizedID: authorizedID,
		startTime:    time.Now(),
		log:          log.With().Str("comp", "telegram").Logger(),
	}

	bot.setupHandlers()
	return bot, nil
}

func (b *Bot) Start() {
	b.log.Info().Msg("📱 telegram bot started")
	b.bot.Start()
}

func (b *Bot) Stop() {
	b.bot.Stop()
}

func (b *Bot) setupHandlers() {
	// Middleware for authorization
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != b.authorizedID {
				return c.Send("⛔ Unauthorized")
			}
			return next(c)
		}
	})

	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/status", b.handleStatus)
	b.bot.Handle("/position", b.handlePosition)
	b.bot.Handle("/halt", b.handleHalt)
	b.bot.Handle("/resume", b.handleResume)

	b.bot.Handle(&btnStatus, b.handleStatus)
	b.bot.Handle(&btnPosition, b.handlePosition)
	b.bot.Handle(&btnHalt, b.handleHalt)
	b.bot.Handle(&btnResume, b.handleResume)
	b.bot.Handle(&btnBack, b.handleStart)
}

var (
	btnStatus   = tele.Btn{Text: "📊 Status", Unique: "status"}
	btnPosition = tele.Btn{Text: "📋 Position", Unique: "position"}
	btnHalt     = tele.Btn{Text: "⏸️ Halt", Unique: "halt"}
	btnResume   = tele.Btn{Text: "▶️ Resume", Unique: "resume"}
	btnBack     = tele.Btn{Text: "🔙 Back", Unique: "back"}
)

func (b *Bot) handleStart(c tele.Context) error {
	menu := &tele.ReplyMarkup{}

	var toggleBtn tele.Btn
	if b.engine.Halted() {
		toggleBtn = btnResume
	} else {
		toggleBtn = btnHalt
	}

	menu.Inline(
		menu.Row(btnStatus, btnPosition),
		menu.Row(toggleBtn),
	)

	msg := fmt.Sprintf(`🤖 *Binance Futures Bot*

📈 Symbol: %s
🔄 Status: %s

Choose an action:`, b.symbol, b.statusEmoji())

	return c.Send(msg, menu, tele.ModeMarkdown)
}

func (b *Bot) handleStatus(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	msg := b.statusMessage(ctx)

	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnPosition, btnBack))

	return c.Send(msg, menu, tele.ModeMarkdown)
}

// statusMessage builds the /status reply. Split out from the handler so
// the formatting is testable without a live bot connection.
func (b *Bot) statusMessage(ctx context.Context) string {
	st := b.engine.Status()

	balance, err := b.ex.GetBalance(ctx, "USDT")
	if err != nil {
		b.log.Warn().Err(err).Msg("balance query failed")
	}

	return fmt.Sprintf(`📊 *Engine Status*

🔄 Status: %s
🧭 State: %s
🎯 Composite total: %d
🛡️ Current stop: %.4f
💰 Balance: %.2f USDT

🕐 Uptime: %s
🕐 Updated: %s`,
		b.statusEmoji(),
		st.State,
		st.LastTotal,
		st.CurrentStop,
		balance,
		formatUptime(time.Since(b.startTime)),
		time.Now().Format("15:04:05"),
	)
}

func (b *Bot) handlePosition(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	pos, err := b.ex.GetOpenPosition(ctx, b.symbol)
	if err != nil {
		return c.Send(fmt.Sprintf("⚠️ Position query failed: %v", err))
	}

	menu := &tele.ReplyMarkup{}
	menu.Inline(menu.Row(btnBack))

	if pos == nil {
		return c.Send("📋 No open position", menu)
	}

	emoji := "📈"
	if pos.Side == models.SideShort {
		emoji = "📉"
	}
	plEmoji := "🟢"
	if pos.UnrealizedPL < 0 {
		plEmoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *%s %s*

📊 Quantity: %.6f
💵 Entry: %.4f
💵 Mark: %.4f
%s P&L: %+.2f USDT
⚙️ Leverage: %dx`,
		emoji, pos.Side, pos.Symbol,
		pos.Quantity,
		pos.EntryPrice,
		pos.MarkPrice,
		plEmoji, pos.UnrealizedPL,
		pos.Leverage,
	)

	return c.Send(msg, menu, tele.ModeMarkdown)
}

func (b *Bot) handleHalt(c tele.Context) error {
	b.engine.Halt()
	b.log.Info().Msg("trading halted by operator")
	return b.handleStart(c)
}

func (b *Bot) handleResume(c tele.Context) error {
	b.engine.Resume()
	b.log.Info().Msg("trading resumed by operator")
	return b.handleStart(c)
}

func (b *Bot) SendTradeOpen(pos models.Position) {
	emoji := "📈"
	if pos.Side == models.SideShort {
		emoji = "📉"
	}

	msg := fmt.Sprintf(`✅ *POSITION OPENED*

%s *%s %s*
📊 Quantity: %.6f
💵 Entry: %.4f

⏰ %s`,
		emoji, pos.Side, pos.Symbol,
		pos.Quantity,
		pos.EntryPrice,
		time.Now().Format("15:04:05"),
	)

	b.send(msg)
}

func (b *Bot) SendTradeClose(symbol string) {
	b.send(fmt.Sprintf("🏁 *POSITION CLOSED*\n\n%s is flat.\n\n⏰ %s",
		symbol, time.Now().Format("15:04:05")))
}

func (b *Bot) SendSignal(sig models.CompositeSignal) {
	b.send(fmt.Sprintf("🔍 Composite total: *%d* (%s)",
		sig.Total, sig.Timestamp.Format("15:04:05")))
}

func (b *Bot) SendAlert(message string) {
	b.send(message)
}

func (b *Bot) send(msg string) {
	if _, err := b.bot.Send(&tele.User{ID: b.authorizedID}, msg, tele.ModeMarkdown); err != nil {
		b.log.Warn().Err(err).Msg("telegram send failed")
	}
}

func (b *Bot) statusEmoji() string {
	if b.engine.Halted() {
		return "⏸️ Halted"
	}
	return "▶️ Active"
}

func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
