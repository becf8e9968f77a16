// Package notification delivers trade and error events to humans. The
// Telegram backend also answers a small command set for checking running
// strategies.
package notification

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/logger"
	tb "gopkg.in/tucnak/telebot.v2"
)

const pollingTimeout = 10 * time.Second

// StatusProvider is the supervisor surface the /status command reads.
type StatusProvider interface {
	Running() []core.ExecutorMetadata
	Executor(key core.InstanceKey) (core.Executor, bool)
}

// Telegram implements core.NotifierWithStart over the Telegram bot API.
// Only the configured user ids may interact with the bot; everyone in the
// list receives outgoing notifications.
type Telegram struct {
	client   *tb.Bot
	users    []int
	provider StatusProvider
	log      logger.Logger
}

// TelegramSettings configures the bot.
type TelegramSettings struct {
	Token string
	Users []int
}

// Option configures a Telegram instance.
type Option func(*Telegram)

// WithStatusProvider enables the /status command.
func WithStatusProvider(p StatusProvider) Option {
	return func(t *Telegram) { t.provider = p }
}

// SetStatusProvider attaches the provider after construction, for wiring
// orders where the supervisor is built with this notifier.
func (t *Telegram) SetStatusProvider(p StatusProvider) { t.provider = p }

// NewTelegram creates the bot and registers its command handlers. Start
// must be called to begin polling.
func NewTelegram(settings TelegramSettings, log logger.Logger, options ...Option) (*Telegram, error) {
	poller := &tb.LongPoller{Timeout: pollingTimeout}
	middleware := tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			return false
		}
		if slices.Contains(settings.Users, int(u.Message.Sender.ID)) {
			return true
		}
		log.WithField("user", u.Message.Sender.ID).Warn("unauthorized telegram user")
		return false
	})

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     settings.Token,
		Poller:    middleware,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	t := &Telegram{
		client: client,
		users:  settings.Users,
		log:    log,
	}
	for _, option := range options {
		option(t)
	}

	client.Handle("/status", t.handleStatus)
	client.Handle("/help", t.handleHelp)

	return t, nil
}

// Start begins long polling. Blocks; run it in a goroutine.
func (t *Telegram) Start() {
	t.log.Info("telegram notifier started")
	t.client.Start()
}

// Notify implements core.Notifier.
func (t *Telegram) Notify(message string) {
	for _, user := range t.users {
		if _, err := t.client.Send(&tb.User{ID: int64(user)}, message); err != nil {
			t.log.WithField("user", user).WithError(err).Error("telegram send failed")
		}
	}
}

// OnTrade implements core.Notifier.
func (t *Telegram) OnTrade(trade core.Trade) {
	var b strings.Builder
	if trade.Status == core.TradeStatusClosed {
		b.WriteString("*Position closed*\n")
	} else {
		b.WriteString("*Position opened*\n")
	}
	fmt.Fprintf(&b, "Instrument: %s\nSide: %s\nAmount: %.6f\nEntry: %.2f\n",
		trade.Instrument, trade.Side, trade.Amount, trade.EntryPrice)

	if trade.Status == core.TradeStatusClosed {
		if trade.ExitPrice != nil {
			fmt.Fprintf(&b, "Exit: %.2f (%s)\n", *trade.ExitPrice, trade.ExitReason)
		}
		if trade.PnLPercent != nil {
			fmt.Fprintf(&b, "P&L: %+.3f%%", *trade.PnLPercent)
		}
	} else {
		fmt.Fprintf(&b, "SL: %.2f | TP: %.2f", trade.StopLoss, trade.TakeProfit)
	}

	t.Notify(b.String())
}

// OnError implements core.Notifier.
func (t *Telegram) OnError(err error) {
	t.Notify(fmt.Sprintf("*Error*\n```\n%s\n```", err))
}

func (t *Telegram) handleStatus(m *tb.Message) {
	if t.provider == nil {
		t.reply(m, "status provider not configured")
		return
	}

	running := t.provider.Running()
	if len(running) == 0 {
		t.reply(m, "no strategies running")
		return
	}

	var b strings.Builder
	for _, meta := range running {
		executor, ok := t.provider.Executor(meta.Key)
		if !ok {
			continue
		}
		state := executor.AnalysisState()
		fmt.Fprintf(&b, "*%s*\nstate: %s | price: %.2f | trades today: %d\n\n",
			meta.Key, state.State, state.LastPrice, state.DailyTrades)
	}
	t.reply(m, b.String())
}

func (t *Telegram) handleHelp(m *tb.Message) {
	t.reply(m, "/status - running strategy instances\n/help - this message")
}

func (t *Telegram) reply(m *tb.Message, text string) {
	if _, err := t.client.Send(m.Sender, text); err != nil {
		t.log.WithError(err).Error("telegram reply failed")
	}
}
