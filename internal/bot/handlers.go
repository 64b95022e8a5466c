package bot

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plant-doctor/internal/models"
	"plant-doctor/internal/navigation"
	"plant-doctor/internal/payment"
)

const purchaseTimeout = 30 * time.Second

func (t *TelegramBot) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if t.stripeClient == nil || t.stripeClient.GetWebhookSecret() == "" {
		t.logger.Errorw("Webhook secret is not configured")
		http.Error(w, "Webhook not configured", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		t.logger.Errorw("Failed to read webhook body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		t.logger.Errorw("Missing Stripe signature header")
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}

	event, err := t.stripeClient.VerifyWebhookSignature(body, signature)
	if err != nil {
		t.logger.Errorw("Failed to verify webhook signature", "error", err)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	purchase, err := payment.ParseEvent(event)
	if err != nil {
		t.logger.Errorw("Failed to parse webhook event", "type", event.Type, "error", err)
		http.Error(w, "Failed to parse event data", http.StatusBadRequest)
		return
	}
	if t.webhooks != nil {
		t.webhooks.RecordWebhook(string(purchase.Status))
	}

	if purchase.Status != payment.PurchaseIgnored {
		chatID, err := strconv.ParseInt(purchase.ClientReference, 10, 64)
		if err != nil {
			t.logger.Errorw("Invalid client reference ID", "value", purchase.ClientReference, "session_id", purchase.SessionID)
			http.Error(w, "Invalid client reference ID", http.StatusBadRequest)
			return
		}

		// finish in the background so Stripe is not kept waiting
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.completePurchase(chatID, purchase)
		}()
		t.logger.Infow("Purchase processing started", "chat_id", chatID, "session_id", purchase.SessionID, "status", purchase.Status)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Webhook received"))
}

func (t *TelegramBot) completePurchase(chatID int64, purchase payment.Purchase) {
	ctx, cancel := context.WithTimeout(context.Background(), purchaseTimeout)
	defer cancel()

	c, err := t.chatFor(ctx, chatID)
	if err != nil {
		t.logger.Errorw("Failed to open chat for purchase", "chat_id", chatID, "error", err)
		return
	}

	out, err := payment.Complete(ctx, c.sess, purchase)
	if err != nil {
		t.logger.Errorw("Failed to upgrade after payment", "chat_id", chatID, "session_id", purchase.SessionID, "error", err)
		t.reply(chatID, "We received your payment but could not upgrade your account yet. Please contact support.")
		return
	}
	if purchase.Status == payment.PurchaseCancelled {
		t.reply(chatID, "Payment was cancelled. You can try again with /upgrade.")
		return
	}
	if out.Success && c.nav.Screen().Top() == navigation.ModalPaywall {
		c.nav.Back()
	}
	t.replyOutcome(c, out, nil)
}

func (t *TelegramBot) handleCallbackQuery(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil {
		return
	}
	chatID := cq.Message.Chat.ID
	if _, err := t.out.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		t.logger.Warnw("Failed to answer callback", "chat_id", chatID, "error", err)
	}

	c, ok := t.lookupChat(chatID)
	if !ok {
		t.reply(chatID, "This message has expired. Send /start.")
		return
	}

	switch data := cq.Data; {
	case data == "save":
		_, res, err := c.nav.SavePending(ctx)
		if err != nil {
			t.replyError(chatID, err)
			return
		}
		switch {
		case res.Duplicate:
			t.reply(chatID, "Already saved.")
		case res.Synced:
			t.reply(chatID, "Saved to your history.")
		default:
			t.reply(chatID, "Saved on this device. It will sync when the server is reachable.")
		}
		c.nav.Close()

	case data == "discard":
		c.nav.Close()
		t.reply(chatID, "Discarded.")

	case strings.HasPrefix(data, "upgrade:"):
		plan := models.Plan(strings.TrimPrefix(data, "upgrade:"))
		if c.nav.Screen().Top() != navigation.ModalPaywall {
			if _, err := c.nav.ShowPaywall(); err != nil {
				t.reply(chatID, "Please /login or /register first.")
				return
			}
		}
		_, out, err := c.nav.Upgrade(ctx, plan)
		t.replyOutcome(c, out, err)

	default:
		t.logger.Warnw("Unknown callback", "chat_id", chatID, "data", data)
	}
}
