package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/command"
	"github.com/codelaboratoryltd/opsbot/pkg/metrics"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Dispatcher resolves one parsed command. Satisfied by
// *command.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) command.Result
}

// Sender delivers a reply. Satisfied by *Client.
type Sender interface {
	SendMessage(ctx context.Context, chatID, replyTo int64, text string) error
}

// WebhookHandler receives Bot API updates and hands commands to the
// dispatcher, one goroutine per update so a slow backend never blocks
// the webhook.
type WebhookHandler struct {
	secret     string
	botName    string
	dispatcher Dispatcher
	sender     Sender
	logger     *zap.Logger
	metrics    *metrics.Metrics

	wg sync.WaitGroup
}

// NewWebhookHandler creates the webhook endpoint handler. m may be nil.
func NewWebhookHandler(secret, botName string, d Dispatcher, s Sender, logger *zap.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		botName:    botName,
		dispatcher: d,
		sender:     s,
		logger:     logger,
		metrics:    m,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret != "" && r.Header.Get(secretHeader) != h.secret {
		h.logger.Warn("Webhook secret mismatch", zap.String("remote", r.RemoteAddr))
		h.observe("rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.observe("malformed")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Always acknowledge: the Bot API redelivers unacked updates and a
	// failed command must not be replayed.
	w.WriteHeader(http.StatusOK)

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		h.observe("ignored")
		return
	}
	name, args, ok := command.Parse(msg.Text, h.botName)
	if !ok {
		h.observe("ignored")
		return
	}
	h.observe("accepted")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.handle(msg, command.Request{CallerID: msg.From.ID, Name: name, Args: args})
	}()
}

// handle runs one command and replies. The dispatcher enforces its own
// deadline, so the detached context here is bounded.
func (h *WebhookHandler) handle(msg *Message, req command.Request) {
	ctx := context.Background()
	res := h.dispatcher.Dispatch(ctx, req)

	if err := h.sender.SendMessage(ctx, msg.Chat.ID, msg.MessageID, res.Text); err != nil {
		h.logger.Error("Reply delivery failed",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.String("command", req.Name),
			zap.Error(err),
		)
	}
}

// Wait blocks until all in-flight updates finish. Used on shutdown.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

func (h *WebhookHandler) observe(result string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookUpdate(result)
	}
}
