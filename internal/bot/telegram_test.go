package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jarcoal/httpmock"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-doctor/internal/api"
	"plant-doctor/internal/navigation"
	"plant-doctor/internal/payment"
	"plant-doctor/internal/session"
	"plant-doctor/internal/store"
)

const (
	testBaseURL = "https://plants.test/api/v1"
	chatID      = int64(42)
	jpegBytes   = "\xff\xd8\xff\xe0\x00\x10JFIF\x00"
)

type fakeMessenger struct {
	mu        sync.Mutex
	sent      []tgbotapi.MessageConfig
	callbacks []string
}

func (f *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeMessenger) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.callbacks = append(f.callbacks, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeMessenger) GetFileDirectURL(fileID string) (string, error) {
	return "https://files.test/" + fileID, nil
}

func (f *fakeMessenger) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return tgbotapi.MessageConfig{}
	}
	return f.sent[len(f.sent)-1]
}

type webhookCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (w *webhookCounter) RecordWebhook(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts[status]++
}

// setupBot wires a bot to real sessions over an httpmock'd backend.
func setupBot(t *testing.T, opts Options) (*TelegramBot, *fakeMessenger) {
	t.Helper()

	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	client := api.New(api.Config{BaseURL: "https://plants.test", HTTPClient: httpClient})
	kv := store.NewMemoryKV()
	factory := func(_ context.Context, id int64) (*session.Session, error) {
		local := store.NewLocal(store.Namespaced(kv, fmt.Sprintf("chat:%d", id)), 0)
		return session.New(client, client, local, nil,
			session.WithIDGenerator(func() string { return "device-1" })), nil
	}

	out := &fakeMessenger{}
	opts.HTTPClient = httpClient
	if opts.BotName == "" {
		opts.BotName = "plantdoc_bot"
	}
	return newTelegramBot(out, factory, opts, nil), out
}

func registerBackend(t *testing.T) {
	t.Helper()
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/auth/login",
		httpmock.NewStringResponder(http.StatusOK,
			`{"access_token":"tok","user":{"id":7,"email":"asha@example.com","name":"Asha","isPremium":false}}`))
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/users/device",
		httpmock.NewStringResponder(http.StatusOK, `{"scans_used":0,"is_premium":false}`))
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/scans/?limit=50",
		httpmock.NewStringResponder(http.StatusOK, `[]`))
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/diagnose/",
		httpmock.NewStringResponder(http.StatusOK,
			`{"success":true,"diagnoses":[{"name":"Powdery Mildew","confidence":91,"treatment":["neem oil"]}]}`))
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/scans/",
		httpmock.NewStringResponder(http.StatusOK, `{"id":501}`))
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/users/scan-count",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/users/upgrade",
		httpmock.NewStringResponder(http.StatusOK, `{"success":true}`))
	httpmock.RegisterResponder(http.MethodGet, "https://files.test/big",
		httpmock.NewStringResponder(http.StatusOK, jpegBytes))
}

func command(text string) tgbotapi.Update {
	name, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func text(s string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, Text: s}}
}

func photo() tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: chatID},
		Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "big"}},
	}}
}

func callback(data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-" + data,
		Data:    data,
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func TestStartSignedOut(t *testing.T) {
	bot, out := setupBot(t, Options{})
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/start"))
	assert.Contains(t, out.last().Text, "/login")

	bot.handleUpdate(ctx, command("/diagnose"))
	assert.Contains(t, out.last().Text, "Please /login or /register first.")

	bot.handleUpdate(ctx, command("/login only-email"))
	assert.Contains(t, out.last().Text, "Usage: /login")
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestDiagnoseSaveAndPaywall(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	assert.Contains(t, out.last().Text, "Hi Asha!")
	assert.Contains(t, out.last().Text, "Free diagnoses left: 1 of 1")

	bot.handleUpdate(ctx, command("/diagnose"))
	assert.Contains(t, out.last().Text, "affected leaves")

	bot.handleUpdate(ctx, photo())
	result := out.last()
	assert.Contains(t, result.Text, "Powdery Mildew (91%)")
	assert.Contains(t, result.Text, "- neem oil")
	require.NotNil(t, result.ReplyMarkup)

	bot.handleUpdate(ctx, callback("save"))
	assert.Equal(t, "Saved to your history.", out.last().Text)

	// a second tap on the same result must not store it twice
	bot.handleUpdate(ctx, callback("save"))
	assert.Contains(t, out.last().Text, "isn't available")
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST "+testBaseURL+"/scans/"])

	bot.handleUpdate(ctx, command("/history"))
	assert.Contains(t, out.last().Text, "1. Powdery Mildew")
	assert.NotContains(t, out.last().Text, "not synced")

	c, ok := bot.lookupChat(chatID)
	require.True(t, ok)
	st := c.sess.Snapshot()
	require.Len(t, st.History, 1)
	assert.Equal(t, "tg://file/big", st.History[0].Image)
	assert.Equal(t, 1, st.ScansUsed)

	bot.handleUpdate(ctx, command("/diagnose"))
	assert.Contains(t, out.last().Text, "You've used all your free diagnoses.")

	bot.handleUpdate(ctx, callback("upgrade:monthly"))
	assert.Contains(t, out.last().Text, "Welcome to Pro!")
	assert.True(t, c.sess.Snapshot().IsPro)

	out.mu.Lock()
	assert.Contains(t, out.callbacks, "cb-save")
	out.mu.Unlock()
}

func TestDiscardKeepsHistoryEmpty(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	bot.handleUpdate(ctx, photo())
	assert.Contains(t, out.last().Text, "Powdery Mildew")

	bot.handleUpdate(ctx, callback("discard"))
	assert.Equal(t, "Discarded.", out.last().Text)

	bot.handleUpdate(ctx, command("/history"))
	assert.Equal(t, "No saved scans yet.", out.last().Text)
	assert.Zero(t, httpmock.GetCallCountInfo()["POST "+testBaseURL+"/scans/"])
}

func TestRegisterOnboarding(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/auth/register",
		httpmock.NewStringResponder(http.StatusCreated,
			`{"access_token":"tok","user":{"id":"u-2","email":"ravi@example.com","name":"Ravi Kumar"}}`))
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/register ravi@example.com secret1 Ravi Kumar"))
	assert.Contains(t, out.last().Text, "Which describes you best?")

	bot.handleUpdate(ctx, text("astronaut"))
	assert.Contains(t, out.last().Text, "pick one of the buttons")

	bot.handleUpdate(ctx, text("nursery"))
	assert.Contains(t, out.last().Text, "Which plants do you grow?")

	bot.handleUpdate(ctx, text("tomatoes, , roses"))
	assert.Contains(t, out.last().Text, "Hi Ravi Kumar!")

	c, _ := bot.lookupChat(chatID)
	profile := c.sess.Snapshot().Profile
	assert.Equal(t, "Nursery", string(profile.UserType))
	assert.Equal(t, []string{"tomatoes", "roses"}, profile.PlantTypes)
}

func TestNoteAndDelete(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	httpmock.RegisterResponder(http.MethodPut, testBaseURL+"/scans/501/notes",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	httpmock.RegisterResponder(http.MethodDelete, testBaseURL+"/scans/501",
		httpmock.NewStringResponder(http.StatusNoContent, ""))
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	bot.handleUpdate(ctx, photo())
	bot.handleUpdate(ctx, callback("save"))

	bot.handleUpdate(ctx, command("/note 1 sprayed with neem"))
	assert.Equal(t, "Note saved.", out.last().Text)

	bot.handleUpdate(ctx, command("/scan 1"))
	assert.Contains(t, out.last().Text, "Notes: sprayed with neem")

	bot.handleUpdate(ctx, command("/scan 9"))
	assert.Equal(t, "No such scan. See /history.", out.last().Text)

	bot.handleUpdate(ctx, command("/delete 1"))
	assert.Contains(t, out.last().Text, `Deleted "Powdery Mildew".`)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["DELETE "+testBaseURL+"/scans/501"])

	bot.handleUpdate(ctx, command("/history"))
	assert.Equal(t, "No saved scans yet.", out.last().Text)
}

func TestAnalysisFailureAllowsRetry(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/diagnose/",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "down"))
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	bot.handleUpdate(ctx, photo())
	assert.Contains(t, out.last().Text, "Please try again.")

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/diagnose/",
		httpmock.NewStringResponder(http.StatusOK,
			`{"success":true,"diagnoses":[{"name":"Rust","confidence":80}]}`))
	bot.handleUpdate(ctx, photo())
	assert.Contains(t, out.last().Text, "Rust (80%)")
}

func TestExpiredSessionPromptsLogin(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	assert.Contains(t, out.last().Text, "Hi Asha!")

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/diagnose/",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"detail":"token expired"}`))
	bot.handleUpdate(ctx, photo())

	out.mu.Lock()
	require.GreaterOrEqual(t, len(out.sent), 2)
	expired := out.sent[len(out.sent)-2].Text
	out.mu.Unlock()
	assert.Contains(t, expired, "Session Expired")
	assert.Contains(t, out.last().Text, "/login")

	c, ok := bot.lookupChat(chatID)
	require.True(t, ok)
	assert.False(t, c.sess.IsAuthenticated())
	assert.Equal(t, navigation.RootAuth, c.nav.Screen().Root)

	bot.handleUpdate(ctx, command("/diagnose"))
	assert.Contains(t, out.last().Text, "Please /login or /register first.")

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	assert.Contains(t, out.last().Text, "Hi Asha!")
	assert.Equal(t, navigation.RootMain, c.nav.Screen().Root)

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	assert.Contains(t, out.last().Text, "already signed in")
}

func TestStatsCommand(t *testing.T) {
	bot, out := setupBot(t, Options{})
	registerBackend(t)
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/scans/stats/summary",
		httpmock.NewStringResponder(http.StatusOK, `{"total_scans":5,"diagnosis_scans":4,"identification_scans":1}`))
	ctx := context.Background()

	bot.handleUpdate(ctx, command("/stats"))
	assert.Contains(t, out.last().Text, "Scans on this chat: 0")

	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))
	bot.handleUpdate(ctx, command("/stats"))
	assert.Contains(t, out.last().Text, "Scans on your account: 5")
	assert.Contains(t, out.last().Text, "Diagnoses: 4")
}

func TestSlowChatOpenDoesNotBlockOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := api.New(api.Config{BaseURL: "https://plants.test"})
	kv := store.NewMemoryKV()
	factory := func(_ context.Context, id int64) (*session.Session, error) {
		if id == 1 {
			close(started)
			<-release
		}
		local := store.NewLocal(store.Namespaced(kv, fmt.Sprintf("chat:%d", id)), 0)
		return session.New(client, client, local, nil), nil
	}
	bot := newTelegramBot(&fakeMessenger{}, factory, Options{}, nil)
	ctx := context.Background()

	existing, err := bot.chatFor(ctx, 2)
	require.NoError(t, err)

	opened := make(chan *chat, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, _ := bot.chatFor(ctx, 1)
			opened <- c
		}()
	}
	<-started

	begin := time.Now()
	again, err := bot.chatFor(ctx, 2)
	require.NoError(t, err)
	assert.Same(t, existing, again)
	_, err = bot.chatFor(ctx, 3)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second)

	close(release)
	first, second := <-opened, <-opened
	require.NotNil(t, first)
	assert.Same(t, first, second)
}

func signedEvent(t *testing.T, secret, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":%q,"type":%q,"data":{"object":%s}}`,
		stripe.APIVersion, eventType, object))
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return payload, fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	recorder := &webhookCounter{counts: map[string]int{}}
	bot, out := setupBot(t, Options{
		Stripe:   payment.NewStripeClient(payment.Config{SecretKey: "sk_test", WebhookKey: secret}),
		Webhooks: recorder,
	})
	registerBackend(t)
	ctx := context.Background()
	bot.handleUpdate(ctx, command("/login asha@example.com secret1"))

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		bot.HandleStripeWebhook(rec, httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		payload, _ := signedEvent(t, secret, "checkout.session.completed", `{"id":"cs_1"}`)
		req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(string(payload)))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rec := httptest.NewRecorder()
		bot.HandleStripeWebhook(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("completed checkout upgrades the chat", func(t *testing.T) {
		payload, sig := signedEvent(t, secret, "checkout.session.completed",
			`{"id":"cs_1","object":"checkout.session","client_reference_id":"42","payment_status":"paid","metadata":{"plan":"yearly"}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(string(payload)))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		bot.HandleStripeWebhook(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, bot.Stop(stopCtx))

		assert.Contains(t, out.last().Text, "Welcome to Pro!")
		c, _ := bot.lookupChat(chatID)
		assert.True(t, c.sess.Snapshot().IsPro)
		assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST "+testBaseURL+"/users/upgrade"])
	})

	recorder.mu.Lock()
	assert.Equal(t, 1, recorder.counts[string(payment.PurchaseConfirmed)])
	recorder.mu.Unlock()
}

func TestUnknownCallbackChat(t *testing.T) {
	bot, out := setupBot(t, Options{})
	bot.handleUpdate(context.Background(), callback("save"))
	assert.Contains(t, out.last().Text, "expired")
}
