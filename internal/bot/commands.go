package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/internal/navigation"
	"plant-doctor/internal/session"
)

const helpText = `I diagnose plant problems and identify plants from a photo.

/diagnose - check a sick plant (send a photo next)
/identify - name a plant (send a photo next)
/history - your saved scans
/scan N - open scan N from /history
/note N text - add a note to scan N
/delete N - delete scan N
/status - free scans left
/stats - scan totals
/upgrade - unlimited diagnoses
/coupon CODE - redeem a coupon
/login email password
/register email password name
/logout
/cancel - close the current scan`

var userTypes = []models.UserType{
	models.UserTypeHomeGardener,
	models.UserTypeNursery,
	models.UserTypeFarmer,
	models.UserTypeOther,
}

func (t *TelegramBot) handleCommand(ctx context.Context, c *chat, msg *tgbotapi.Message) {
	command := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	t.logger.Infow("Handling command", "command", command, "chat_id", c.id)

	switch command {
	case "start":
		switch msg.CommandArguments() {
		case "payment_success":
			t.reply(c.id, "Thanks for your payment! Your account will be upgraded in a moment.")
			return
		case "payment_cancel":
			t.reply(c.id, "Payment was cancelled. You can try again with /upgrade.")
			return
		}
		t.sendHome(c)

	case "help":
		t.reply(c.id, helpText)

	case "login":
		t.login(ctx, c, args)

	case "register":
		t.register(ctx, c, args)

	case "skip":
		if _, err := c.nav.SkipOnboarding(ctx); err != nil {
			t.reply(c.id, "Nothing to skip.")
			return
		}
		c.await(awaitNothing)
		t.sendHome(c)

	case "logout":
		if _, err := c.nav.Logout(ctx); err != nil {
			t.logger.Warnw("Logout incomplete", "chat_id", c.id, "error", err)
		}
		t.reply(c.id, "Signed out. Use /login or /register to continue.")

	case "deleteaccount":
		if err := c.sess.DeleteAccount(ctx); err != nil {
			t.replyError(c.id, err)
			return
		}
		_, _ = c.nav.Logout(ctx)
		t.reply(c.id, "Your account has been deleted.")

	case "diagnose":
		t.startScan(c, models.ModeDiagnosis)

	case "identify":
		t.startScan(c, models.ModeIdentification)

	case "cancel":
		c.nav.Close()
		t.reply(c.id, "Closed. Nothing was saved.")

	case "history":
		t.sendHistory(c)

	case "scan":
		t.viewScan(c, args)

	case "note":
		t.noteScan(ctx, c, args)

	case "delete":
		t.deleteScan(ctx, c, args)

	case "status":
		t.reply(c.id, statusText(c.sess.Snapshot()))

	case "stats":
		stats, remote := c.sess.Stats(ctx)
		where := "your account"
		if !remote {
			where = "this chat"
		}
		t.reply(c.id, fmt.Sprintf("Scans on %s: %d\nDiagnoses: %d\nIdentifications: %d",
			where, stats.Total, stats.Diagnoses, stats.Identification))

	case "upgrade":
		t.showPaywall(c)

	case "coupon":
		if len(args) != 1 {
			t.reply(c.id, "Usage: /coupon CODE")
			return
		}
		t.redeem(ctx, c, args[0])

	default:
		t.reply(c.id, "Unknown command. Use /help to see what I can do.")
	}
}

func (t *TelegramBot) sendHome(c *chat) {
	sc, _ := c.nav.SyncAuth()
	if sc.Root != navigation.RootMain {
		t.reply(c.id, "Welcome to Plant Doctor!\n\nSign in with /login email password or create an account with /register email password name.")
		return
	}
	st := c.sess.Snapshot()
	name := st.Profile.Name
	if name == "" {
		name = "there"
	}
	t.reply(c.id, fmt.Sprintf("Hi %s! Send /diagnose or /identify, then a photo of the plant.\n\n%s", name, statusText(st)))
}

func (t *TelegramBot) login(ctx context.Context, c *chat, args []string) {
	if len(args) != 2 {
		t.reply(c.id, "Usage: /login email password")
		return
	}
	if c.sess.IsAuthenticated() {
		t.reply(c.id, "You are already signed in. Use /logout first.")
		return
	}
	c.nav.SyncAuth()
	if _, err := c.nav.ShowAuth(navigation.AuthSignIn); err != nil {
		t.replyError(c.id, err)
		return
	}
	if _, err := c.nav.SignIn(ctx, models.Credentials{Email: args[0], Password: args[1]}); err != nil {
		t.replyError(c.id, err)
		return
	}
	t.sendHome(c)
}

func (t *TelegramBot) register(ctx context.Context, c *chat, args []string) {
	if len(args) < 3 {
		t.reply(c.id, "Usage: /register email password name")
		return
	}
	if c.sess.IsAuthenticated() {
		t.reply(c.id, "You are already signed in. Use /logout first.")
		return
	}
	c.nav.SyncAuth()
	if _, err := c.nav.ShowAuth(navigation.AuthRegister); err != nil {
		t.replyError(c.id, err)
		return
	}
	req := models.RegisterRequest{Email: args[0], Password: args[1], Name: strings.Join(args[2:], " ")}
	if _, err := c.nav.Register(ctx, req); err != nil {
		t.replyError(c.id, err)
		return
	}

	c.await(awaitUserType)
	rows := make([][]tgbotapi.KeyboardButton, 0, len(userTypes))
	for _, ut := range userTypes {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(string(ut))))
	}
	out := tgbotapi.NewMessage(c.id, "Account created! Which describes you best? (/skip to skip)")
	out.ReplyMarkup = tgbotapi.NewOneTimeReplyKeyboard(rows...)
	t.send(out)
}

// handleText answers the onboarding questions; other text gets help.
func (t *TelegramBot) handleText(ctx context.Context, c *chat, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)

	switch c.awaited() {
	case awaitUserType:
		for _, ut := range userTypes {
			if strings.EqualFold(text, string(ut)) {
				c.mu.Lock()
				c.userType = string(ut)
				c.awaiting = awaitPlantTypes
				c.mu.Unlock()
				out := tgbotapi.NewMessage(c.id, "Which plants do you grow? Separate them with commas, e.g. tomatoes, roses.")
				out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
				t.send(out)
				return
			}
		}
		t.reply(c.id, "Please pick one of the buttons, or /skip.")

	case awaitPlantTypes:
		var plants []string
		for _, p := range strings.Split(text, ",") {
			if p = strings.TrimSpace(p); p != "" {
				plants = append(plants, p)
			}
		}
		if len(plants) == 0 {
			t.reply(c.id, "Please list at least one plant, or /skip.")
			return
		}
		c.mu.Lock()
		ut := models.UserType(c.userType)
		c.awaiting = awaitNothing
		c.mu.Unlock()
		if _, err := c.nav.CompleteOnboarding(ctx, ut, plants); err != nil {
			t.replyError(c.id, err)
			return
		}
		t.sendHome(c)

	default:
		t.reply(c.id, "Send /diagnose or /identify, then a photo. /help lists everything.")
	}
}

func (t *TelegramBot) startScan(c *chat, mode models.Mode) {
	sc, err := c.nav.StartScan(mode)
	if errors.Is(err, navigation.ErrInvalidTransition) && sc.Root == navigation.RootMain {
		// a previous scan flow is still open
		c.nav.Close()
		sc, err = c.nav.StartScan(mode)
	}
	if err != nil {
		if sc.Root != navigation.RootMain {
			t.reply(c.id, "Please /login or /register first.")
			return
		}
		t.replyError(c.id, err)
		return
	}
	if sc.Top() == navigation.ModalPaywall {
		t.sendPaywall(c, "You've used all your free diagnoses.")
		return
	}
	if _, err := c.nav.OpenCamera(true); err != nil {
		t.replyError(c.id, err)
		return
	}
	if c.nav.Screen().Top() == navigation.ModalPaywall {
		t.sendPaywall(c, "You've used all your free diagnoses.")
		return
	}
	if mode == models.ModeIdentification {
		t.reply(c.id, "Send me a photo of the whole plant.")
	} else {
		t.reply(c.id, "Send me a clear, well-lit photo of the affected leaves.")
	}
}

func (t *TelegramBot) handlePhoto(ctx context.Context, c *chat, msg *tgbotapi.Message) {
	if sc, _ := c.nav.SyncAuth(); sc.Root != navigation.RootMain {
		t.reply(c.id, "Please /login or /register first.")
		return
	}
	if c.nav.Screen().Top() != navigation.ModalCamera {
		t.startScan(c, models.ModeDiagnosis)
		if c.nav.Screen().Top() != navigation.ModalCamera {
			return
		}
	}

	fileID := ""
	if len(msg.Photo) > 0 {
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	} else {
		fileID = msg.Document.FileID
	}
	url, err := t.out.GetFileDirectURL(fileID)
	if err != nil {
		t.logger.Errorw("Failed to resolve photo", "chat_id", c.id, "error", err)
		t.reply(c.id, "I couldn't download that photo. Please send it again.")
		return
	}
	img, err := capture.Load(ctx, t.httpClient, url)
	if err != nil {
		t.logger.Errorw("Failed to download photo", "chat_id", c.id, "error", err)
		t.reply(c.id, "I couldn't download that photo. Please send it again.")
		return
	}
	// the direct URL embeds the bot token
	img.Ref = "tg://file/" + fileID

	if _, err := c.nav.Capture(img, navigation.SourceCamera); err != nil {
		t.replyError(c.id, err)
		return
	}
	t.reply(c.id, "Analyzing your plant...")

	actx, cancel := context.WithTimeout(ctx, t.analyzeTimeout)
	defer cancel()
	sc, err := c.nav.Analyze(actx)
	switch {
	case errors.Is(err, navigation.ErrDiscarded):
		return
	case err != nil && sc.Root != navigation.RootMain:
		t.replyError(c.id, err)
		t.reply(c.id, "Send /login email password to continue.")
		return
	case err != nil && sc.Top() == navigation.ModalPaywall:
		t.sendPaywall(c, "You've used all your free diagnoses.")
		return
	case err != nil:
		t.replyError(c.id, err)
		// leave review so the next photo starts over
		_, _ = c.nav.Retake()
		return
	}

	out := tgbotapi.NewMessage(c.id, resultText(*sc.Pending))
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Save", "save"),
			tgbotapi.NewInlineKeyboardButtonData("Discard", "discard"),
		),
	)
	t.send(out)
}

func (t *TelegramBot) sendHistory(c *chat) {
	st := c.sess.Snapshot()
	if len(st.History) == 0 {
		t.reply(c.id, "No saved scans yet.")
		return
	}
	var b strings.Builder
	b.WriteString("Your scans:\n")
	for i, s := range st.History {
		fmt.Fprintf(&b, "%d. %s - %s (%s)", i+1, s.Label(), s.Date.Format("2 Jan 2006 15:04"), s.Mode)
		if s.PendingSync {
			b.WriteString(" [not synced]")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nOpen one with /scan N")
	t.reply(c.id, b.String())
}

// scanAt resolves a 1-based /history position.
func (t *TelegramBot) scanAt(c *chat, args []string) (models.Scan, bool) {
	if len(args) == 0 {
		t.reply(c.id, "Which scan? Give its number from /history.")
		return models.Scan{}, false
	}
	n, err := strconv.Atoi(args[0])
	history := c.sess.Snapshot().History
	if err != nil || n < 1 || n > len(history) {
		t.reply(c.id, "No such scan. See /history.")
		return models.Scan{}, false
	}
	return history[n-1], true
}

func (t *TelegramBot) viewScan(c *chat, args []string) {
	s, ok := t.scanAt(c, args)
	if !ok {
		return
	}
	c.nav.Close()
	if _, err := c.nav.ViewScan(s.ID); err != nil {
		t.replyError(c.id, err)
		return
	}
	t.reply(c.id, resultText(s))
}

func (t *TelegramBot) noteScan(ctx context.Context, c *chat, args []string) {
	s, ok := t.scanAt(c, args)
	if !ok {
		return
	}
	notes := strings.Join(args[1:], " ")
	if _, err := c.sess.UpdateScanNotes(ctx, s.ID, notes); err != nil {
		t.replyError(c.id, err)
		return
	}
	t.reply(c.id, "Note saved.")
}

func (t *TelegramBot) deleteScan(ctx context.Context, c *chat, args []string) {
	s, ok := t.scanAt(c, args)
	if !ok {
		return
	}
	if err := c.sess.DeleteScan(ctx, s.ID); err != nil {
		t.replyError(c.id, err)
		return
	}
	if sc := c.nav.Screen(); sc.Viewing == s.ID {
		c.nav.Back()
	}
	t.reply(c.id, fmt.Sprintf("Deleted %q.", s.Label()))
}

func (t *TelegramBot) showPaywall(c *chat) {
	if c.sess.Snapshot().IsPro {
		t.reply(c.id, "You already have unlimited diagnoses.")
		return
	}
	if _, err := c.nav.ShowPaywall(); err != nil {
		t.reply(c.id, "Please /login or /register first.")
		return
	}
	t.sendPaywall(c, "Upgrade to Pro for unlimited diagnoses.")
}

func (t *TelegramBot) sendPaywall(c *chat, headline string) {
	out := tgbotapi.NewMessage(c.id, headline+"\n\nChoose a plan below, or redeem a coupon with /coupon CODE.")
	row := make([]tgbotapi.InlineKeyboardButton, 0, 2)
	for _, plan := range []models.Plan{models.PlanMonthly, models.PlanYearly} {
		label := "Monthly"
		if plan == models.PlanYearly {
			label = "Yearly"
		}
		if url, ok := t.checkoutURL(c, plan); ok {
			row = append(row, tgbotapi.NewInlineKeyboardButtonURL(label, url))
		} else {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, "upgrade:"+string(plan)))
		}
	}
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	t.send(out)
}

// checkoutURL creates a Stripe checkout when payments are configured.
func (t *TelegramBot) checkoutURL(c *chat, plan models.Plan) (string, bool) {
	if t.stripeClient == nil {
		return "", false
	}
	successURL := fmt.Sprintf("https://t.me/%s?start=payment_success", t.botName)
	cancelURL := fmt.Sprintf("https://t.me/%s?start=payment_cancel", t.botName)
	_, url, err := t.stripeClient.CreateCheckoutSession(strconv.FormatInt(c.id, 10), plan, successURL, cancelURL)
	if err != nil {
		t.logger.Errorw("Failed to create Stripe session", "chat_id", c.id, "error", err)
		return "", false
	}
	return url, true
}

func (t *TelegramBot) redeem(ctx context.Context, c *chat, code string) {
	if sc := c.nav.Screen(); sc.Top() != navigation.ModalPaywall {
		if _, err := c.nav.ShowPaywall(); err != nil {
			t.reply(c.id, "Please /login or /register first.")
			return
		}
	}
	_, out, err := c.nav.RedeemCoupon(ctx, code)
	t.replyOutcome(c, out, err)
}

func (t *TelegramBot) replyOutcome(c *chat, out models.Outcome, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		t.reply(c.id, "Please /login or /register first.")
	case err != nil:
		t.replyError(c.id, err)
	case out.Success && out.AlreadyPremium:
		t.reply(c.id, "Your account is already Pro. Enjoy unlimited diagnoses!")
	case out.Success:
		t.reply(c.id, "Welcome to Pro! Diagnoses are now unlimited.")
	default:
		msg := out.Message
		if msg == "" {
			msg = "That didn't work. Please try again."
		}
		t.reply(c.id, msg)
	}
}

func (t *TelegramBot) replyError(chatID int64, err error) {
	if errors.Is(err, navigation.ErrInvalidTransition) {
		t.logger.Debugw("Ignored action", "chat_id", chatID, "error", err)
		t.reply(chatID, "That isn't available right now. /help lists what you can do.")
		return
	}
	title, message, retry := navigation.ErrorTitle(err)
	text := title + "\n" + message
	if retry {
		text += "\nPlease try again."
	}
	t.reply(chatID, text)
}

func statusText(st session.State) string {
	if st.IsPro {
		return "Plan: Pro (unlimited diagnoses)"
	}
	return fmt.Sprintf("Free diagnoses left: %d of %d", st.Remaining(), st.ScansLimit)
}

func resultText(s models.Scan) string {
	var b strings.Builder
	if s.Mode == models.ModeIdentification {
		fmt.Fprintf(&b, "%s (%.0f%%)\n", s.PlantName, s.Confidence)
		if s.ScientificName != "" {
			fmt.Fprintf(&b, "Scientific name: %s\n", s.ScientificName)
		}
		if s.Family != "" {
			fmt.Fprintf(&b, "Family: %s\n", s.Family)
		}
	} else {
		fmt.Fprintf(&b, "%s (%.0f%%)\n", s.Condition, s.Confidence)
		if s.Severity != "" {
			fmt.Fprintf(&b, "Severity: %s\n", s.Severity)
		}
		writeList(&b, "Symptoms", s.Symptoms)
		writeList(&b, "Causes", s.Causes)
		writeList(&b, "Treatment", s.Treatment)
	}
	if s.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", s.Notes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
