package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codelaboratoryltd/opsbot/pkg/command"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []command.Request
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req command.Request) command.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return command.Result{Status: command.StatusOK, Text: "done"}
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, chatID)
	return nil
}

const updateJSON = `{
	"update_id": 12,
	"message": {
		"message_id": 34,
		"from": {"id": 1001, "username": "ops"},
		"chat": {"id": -500},
		"text": "/status budi01"
	}
}`

func post(h http.Handler, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookDispatchesCommand(t *testing.T) {
	d := &fakeDispatcher{}
	s := &fakeSender{}
	h := NewWebhookHandler("s3cret", "ops_bot", d, s, zaptest.NewLogger(t), nil)

	w := post(h, updateJSON, "s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	h.Wait()

	require.Len(t, d.reqs, 1)
	assert.Equal(t, int64(1001), d.reqs[0].CallerID)
	assert.Equal(t, "status", d.reqs[0].Name)
	assert.Equal(t, []string{"budi01"}, d.reqs[0].Args)

	require.Len(t, s.sent, 1)
	assert.Equal(t, "done", s.sent[0])
	assert.Equal(t, int64(-500), s.chats[0])
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	d := &fakeDispatcher{}
	h := NewWebhookHandler("s3cret", "ops_bot", d, &fakeSender{}, zaptest.NewLogger(t), nil)

	w := post(h, updateJSON, "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)
	h.Wait()
	assert.Empty(t, d.reqs)
}

func TestWebhookIgnoresNonCommandText(t *testing.T) {
	d := &fakeDispatcher{}
	h := NewWebhookHandler("", "ops_bot", d, &fakeSender{}, zaptest.NewLogger(t), nil)

	body := strings.Replace(updateJSON, "/status budi01", "hello there", 1)
	w := post(h, body, "")
	assert.Equal(t, http.StatusOK, w.Code)
	h.Wait()
	assert.Empty(t, d.reqs)
}

func TestWebhookIgnoresNonMessageUpdate(t *testing.T) {
	d := &fakeDispatcher{}
	h := NewWebhookHandler("", "ops_bot", d, &fakeSender{}, zaptest.NewLogger(t), nil)

	w := post(h, `{"update_id": 13}`, "")
	assert.Equal(t, http.StatusOK, w.Code)
	h.Wait()
	assert.Empty(t, d.reqs)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h := NewWebhookHandler("", "ops_bot", &fakeDispatcher{}, &fakeSender{}, zaptest.NewLogger(t), nil)
	w := post(h, "{not json", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsGet(t *testing.T) {
	h := NewWebhookHandler("", "ops_bot", &fakeDispatcher{}, &fakeSender{}, zaptest.NewLogger(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
