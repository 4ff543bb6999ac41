package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/persistence"
)

const (
	SourceTelegram = "telegram"

	kvTelegramOffset = "telegram_update_offset"
	defaultPollLimit = 100
)

type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	// Endpoint overrides the Bot API URL format (tgbotapi.APIEndpoint).
	Endpoint string
	// PollLimit caps updates fetched per Poll.
	PollLimit int
	Timeout   time.Duration

	Store  *persistence.Store
	Logger *slog.Logger
}

// Telegram pulls messages from allowed users into the inbox and forwards wake
// signals back to them. The update offset is kept in the store so a restart does
// not replay acknowledged updates. An update counts as acknowledged only after Ack.
type Telegram struct {
	cfg        TelegramConfig
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	mu           sync.Mutex
	bot          *tgbotapi.BotAPI
	offset       int
	pending      int
	offsetLoaded bool
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = defaultPollLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:        cfg,
		allowedIDs: allowed,
		logger:     logger.With("component", "telegram"),
	}
}

func (t *Telegram) Name() string {
	return SourceTelegram
}

// client connects lazily so a daemon with an unreachable Bot API still starts; the
// failure surfaces as a transient check_inbox error instead.
func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.Endpoint, &http.Client{Timeout: t.cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	t.bot = bot
	return bot, nil
}

func (t *Telegram) loadOffset(ctx context.Context) error {
	if t.offsetLoaded || t.cfg.Store == nil {
		t.offsetLoaded = true
		return nil
	}
	raw, err := t.cfg.Store.KVGet(ctx, kvTelegramOffset)
	if err != nil {
		return fmt.Errorf("load telegram offset: %w", err)
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			t.logger.Warn("ignoring corrupt telegram offset", "value", raw)
		} else {
			t.offset = n
		}
	}
	t.offsetLoaded = true
	return nil
}

// Poll performs one short getUpdates call from the committed offset. Messages from
// users outside the allowlist are dropped but are acknowledged with the rest on Ack.
// Until Ack, every Poll fetches the same updates again.
func (t *Telegram) Poll(ctx context.Context) ([]persistence.InboxMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.loadOffset(ctx); err != nil {
		return nil, err
	}
	bot, err := t.client()
	if err != nil {
		return nil, err
	}

	t.pending = t.offset
	u := tgbotapi.NewUpdate(t.offset)
	u.Limit = t.cfg.PollLimit
	u.Timeout = 0
	u.AllowedUpdates = []string{"message"}
	updates, err := bot.GetUpdates(u)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	if len(updates) == 0 {
		return nil, nil
	}

	msgs := make([]persistence.InboxMessage, 0, len(updates))
	next := t.offset
	for _, update := range updates {
		if update.UpdateID >= next {
			next = update.UpdateID + 1
		}
		if m, ok := t.toInbox(update.Message); ok {
			msgs = append(msgs, m)
		}
	}

	t.pending = next
	return msgs, nil
}

// Ack commits the offset past the updates returned by the last Poll. Call it once
// those messages are stored. Re-delivery before Ack is harmless: the inbox drops
// repeated external ids.
func (t *Telegram) Ack(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending <= t.offset {
		return nil
	}
	if t.cfg.Store != nil {
		if err := t.cfg.Store.KVSet(ctx, kvTelegramOffset, strconv.Itoa(t.pending)); err != nil {
			return fmt.Errorf("persist telegram offset: %w", err)
		}
	}
	t.offset = t.pending
	return nil
}

func (t *Telegram) toInbox(msg *tgbotapi.Message) (persistence.InboxMessage, bool) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return persistence.InboxMessage{}, false
	}
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return persistence.InboxMessage{}, false
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return persistence.InboxMessage{}, false
	}
	sender := msg.From.UserName
	if sender == "" {
		sender = strconv.FormatInt(msg.From.ID, 10)
	}
	received := time.Time{}
	if msg.Date > 0 {
		received = msg.Time().UTC()
	}
	return persistence.InboxMessage{
		ExternalID: fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID),
		Source:     SourceTelegram,
		Sender:     sender,
		Content:    content,
		ReceivedAt: received,
	}, true
}

// Notify sends text to every allowed user. Allowed ids double as private chat ids.
func (t *Telegram) Notify(text string) error {
	t.mu.Lock()
	bot, err := t.client()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	var firstErr error
	for chatID := range t.allowedIDs {
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			t.logger.Error("failed to send telegram notification", "chat_id", chatID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ForwardWakes relays wake signals from the bus to allowed users until ctx is done.
func (t *Telegram) ForwardWakes(ctx context.Context, eventBus *bus.Bus) {
	if eventBus == nil {
		return
	}
	sub := eventBus.Subscribe(bus.TopicWakeSignal)
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			sig, ok := ev.Payload.(bus.WakeSignal)
			if !ok {
				t.logger.Warn("invalid WakeSignal payload", "type", fmt.Sprintf("%T", ev.Payload))
				continue
			}
			_ = t.Notify(fmt.Sprintf("lifeline wake from %s: %s", sig.Task, sig.Message))
		}
	}
}
