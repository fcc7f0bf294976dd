package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/engine"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// ChannelTelegram is the channel name stored in chat refs.
	ChannelTelegram = "telegram"
	// Telegram rejects messages above 4096 characters.
	telegramMessageLimit = 4000
	approvePrefix        = "approve:"
)

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramConfig struct {
	Token string
	// AllowedIDs lists the Telegram user ids that may talk to the team.
	AllowedIDs []int64
	Inbound    InboundHandler
	// Status and ChatRefs enable the review approval button; both optional.
	Status   StatusChanger
	ChatRefs ChatRefLookup
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// TelegramChannel long-polls the Bot API and routes chat text into tasks.
type TelegramChannel struct {
	config     TelegramConfig
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	botMu sync.RWMutex
	bot   botAPI
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		config:     cfg,
		allowedIDs: allowed,
		logger:     logger.With("channel", ChannelTelegram),
	}
}

func (t *TelegramChannel) Name() string {
	return ChannelTelegram
}

func (t *TelegramChannel) setBot(b botAPI) {
	t.botMu.Lock()
	t.bot = b
	t.botMu.Unlock()
}

func (t *TelegramChannel) client() botAPI {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	return t.bot
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.config.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.setBot(bot)
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	if t.config.Bus != nil && t.config.Status != nil && t.config.ChatRefs != nil {
		go t.watchReviews(ctx)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates returns nil when ctx is done and an error when the update
// stream closes or stalls for longer than two long-poll periods.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		if !t.allowed(update.Message.From.ID) {
			t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
			return
		}
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		if !t.allowed(update.CallbackQuery.From.ID) {
			t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
			return
		}
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" || msg.Chat == nil {
		return
	}
	if msg.IsCommand() && msg.Command() == "start" {
		t.reply(msg.Chat.ID, "Hi! Send me a request and the team will pick it up.")
		return
	}

	chatRef := strconv.FormatInt(msg.Chat.ID, 10)
	task, err := t.config.Inbound.HandleInbound(ctx, ChannelTelegram, chatRef, senderOf(msg.From), content)
	switch {
	case errors.Is(err, engine.ErrInboundRejected):
		t.reply(msg.Chat.ID, "I can't act on that message.")
		return
	case err != nil:
		t.logger.Error("telegram inbound failed", "chat", chatRef, "error", err)
		t.reply(msg.Chat.ID, "Sorry, I couldn't take that request right now.")
		return
	}
	t.logger.Info("telegram message routed", "chat", chatRef, "task_id", task.ID)
}

func senderOf(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "telegram:@" + u.UserName
	}
	return "telegram:" + strconv.FormatInt(u.ID, 10)
}

// handleCallbackQuery approves a task from the review button.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	taskID, ok := strings.CutPrefix(query.Data, approvePrefix)
	if !ok || taskID == "" || t.config.Status == nil {
		return
	}
	answer := "Approved."
	_, err := t.config.Status.SetStatus(ctx, taskID, persistence.TaskStatusDone, lifecycle.Change{
		Actor:        senderOf(query.From),
		Reason:       "approved in telegram",
		SystemReason: lifecycle.ReasonHumanApproval,
	})
	if err != nil {
		t.logger.Warn("telegram approval failed", "task_id", taskID, "error", err)
		answer = "Could not approve: " + err.Error()
	}
	bot := t.client()
	if bot == nil {
		return
	}
	if _, err := bot.Request(tgbotapi.NewCallback(query.ID, answer)); err != nil {
		t.logger.Warn("telegram callback answer failed", "error", err)
	}
}

// watchReviews offers an approve button when a chat-linked task enters review.
func (t *TelegramChannel) watchReviews(ctx context.Context) {
	sub := t.config.Bus.Subscribe(bus.TopicTaskStatusChanged)
	defer t.config.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			change, ok := ev.Payload.(bus.TaskStatusChangedEvent)
			if !ok || change.NewStatus != string(persistence.TaskStatusReview) {
				continue
			}
			t.offerApproval(ctx, change.TaskID)
		}
	}
}

func (t *TelegramChannel) offerApproval(ctx context.Context, taskID string) {
	name, ref, err := t.config.ChatRefs.ChatRefForTask(ctx, taskID)
	if err != nil || name != ChannelTelegram {
		return
	}
	chatID, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return
	}
	bot := t.client()
	if bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, "The task is ready for your review.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Approve", approvePrefix+taskID),
	))
	if _, err := bot.Send(msg); err != nil {
		t.logger.Warn("telegram review prompt failed", "task_id", taskID, "error", err)
	}
}

// Send delivers an agent reply to a chat, split to fit Telegram's limit.
func (t *TelegramChannel) Send(ctx context.Context, chatRef, text string) error {
	bot := t.client()
	if bot == nil {
		return errors.New("telegram: bot not started")
	}
	chatID, err := strconv.ParseInt(chatRef, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat ref %q: %w", chatRef, err)
	}
	for _, part := range splitMessage(SanitizeForPlainText(text), telegramMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	bot := t.client()
	if bot == nil {
		return
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
