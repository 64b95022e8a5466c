package bot

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/singleflight"

	"plant-doctor/internal/navigation"
	"plant-doctor/internal/payment"
	"plant-doctor/internal/session"
	"plant-doctor/pkg/logger"
)

// Messenger is the part of the Bot API the handlers use.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// SessionFactory opens the client session of one chat.
type SessionFactory func(ctx context.Context, chatID int64) (*session.Session, error)

// WebhookRecorder counts settled payment webhooks.
type WebhookRecorder interface {
	RecordWebhook(status string)
}

// Awaited free-text answers.
const (
	awaitNothing    = ""
	awaitUserType   = "user_type"
	awaitPlantTypes = "plant_types"
)

// chat is one Telegram chat acting as one client device.
type chat struct {
	id   int64
	sess *session.Session
	nav  *navigation.Navigator

	mu       sync.Mutex
	awaiting string
	userType string
}

func (c *chat) await(what string) {
	c.mu.Lock()
	c.awaiting = what
	c.mu.Unlock()
}

func (c *chat) awaited() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

type Options struct {
	Stripe         *payment.StripeClient
	HTTPClient     *http.Client
	AnalyzeTimeout time.Duration
	Webhooks       WebhookRecorder
	// BotName builds the checkout return links.
	BotName string
}

type TelegramBot struct {
	api          *tgbotapi.BotAPI
	out          Messenger
	newSession   SessionFactory
	stripeClient *payment.StripeClient
	httpClient   *http.Client
	webhooks     WebhookRecorder
	logger       *logger.Logger

	analyzeTimeout time.Duration
	botName        string

	chats      map[int64]*chat
	stateMutex sync.RWMutex
	// opening dedupes concurrent first opens of one chat.
	opening singleflight.Group
	wg      sync.WaitGroup
}

func NewTelegramBot(token string, newSession SessionFactory, opts Options, logger *logger.Logger) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	logger.Infow("Authorized on Telegram", "username", api.Self.UserName)
	if opts.BotName == "" {
		opts.BotName = api.Self.UserName
	}

	t := newTelegramBot(api, newSession, opts, logger)
	t.api = api
	return t, nil
}

func newTelegramBot(out Messenger, newSession SessionFactory, opts Options, log *logger.Logger) *TelegramBot {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 90 * time.Second
	}
	return &TelegramBot{
		out:            out,
		newSession:     newSession,
		stripeClient:   opts.Stripe,
		httpClient:     opts.HTTPClient,
		webhooks:       opts.Webhooks,
		logger:         log.Named("bot"),
		analyzeTimeout: opts.AnalyzeTimeout,
		botName:        opts.BotName,
		chats:          make(map[int64]*chat),
	}
}

// Start begins receiving updates from Telegram via polling
func (t *TelegramBot) Start(ctx context.Context) error {
	// polling and a webhook cannot coexist
	t.logger.Infow("Removing any existing webhook")
	if _, err := t.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := t.api.GetUpdatesChan(updateConfig)

	t.logger.Infow("Started receiving Telegram updates")
	go t.handleUpdates(ctx, updates)
	return nil
}

func (t *TelegramBot) handleUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		t.wg.Add(1)
		go func(update tgbotapi.Update) {
			defer t.wg.Done()
			t.handleUpdate(ctx, update)
		}(update)
	}
}

func (t *TelegramBot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorw("Recovered from panic while processing update", "error", r, "update_id", update.UpdateID)
		}
	}()

	switch {
	case update.Message != nil:
		msg := update.Message
		t.logger.Debugw("Received message", "chat_id", msg.Chat.ID, "command", msg.Command())
		c, err := t.chatFor(ctx, msg.Chat.ID)
		if err != nil {
			t.logger.Errorw("Failed to open chat session", "chat_id", msg.Chat.ID, "error", err)
			t.reply(msg.Chat.ID, "Sorry, something went wrong. Please try again later.")
			return
		}
		switch {
		case msg.IsCommand():
			t.handleCommand(ctx, c, msg)
		case len(msg.Photo) > 0 || isImageDocument(msg):
			t.handlePhoto(ctx, c, msg)
		default:
			t.handleText(ctx, c, msg)
		}
	case update.CallbackQuery != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// chatFor returns the chat's session, opening and initializing it on
// first use. Opening talks to the backend, so it runs outside stateMutex.
func (t *TelegramBot) chatFor(ctx context.Context, chatID int64) (*chat, error) {
	if c, ok := t.lookupChat(chatID); ok {
		return c, nil
	}

	key := strconv.FormatInt(chatID, 10)
	v, err, _ := t.opening.Do(key, func() (any, error) {
		if c, ok := t.lookupChat(chatID); ok {
			return c, nil
		}
		sess, err := t.newSession(ctx, chatID)
		if err != nil {
			return nil, err
		}
		sess.Init(ctx)

		nav := navigation.New(sess, t.logger.Named(key), navigation.WithSplashDuration(0))
		if _, err := nav.SplashComplete(); err != nil {
			return nil, err
		}
		c := &chat{id: chatID, sess: sess, nav: nav}

		t.stateMutex.Lock()
		t.chats[chatID] = c
		t.stateMutex.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chat), nil
}

func (t *TelegramBot) lookupChat(chatID int64) (*chat, bool) {
	t.stateMutex.RLock()
	defer t.stateMutex.RUnlock()
	c, ok := t.chats[chatID]
	return c, ok
}

// Stop gracefully shuts down the bot
func (t *TelegramBot) Stop(ctx context.Context) error {
	if t.api != nil {
		t.api.StopReceivingUpdates()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (t *TelegramBot) reply(chatID int64, text string) {
	t.send(tgbotapi.NewMessage(chatID, text))
}

func (t *TelegramBot) send(msg tgbotapi.MessageConfig) {
	if _, err := t.out.Send(msg); err != nil {
		t.logger.Warnw("Failed to send message", "chat_id", msg.ChatID, "error", err)
	}
}

func isImageDocument(msg *tgbotapi.Message) bool {
	return msg.Document != nil && len(msg.Document.MimeType) > 6 && msg.Document.MimeType[:6] == "image/"
}
