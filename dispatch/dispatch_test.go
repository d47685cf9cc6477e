package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingProvider struct {
	err  error
	sent []string
	mu   sync.Mutex
}

func (r *recordingProvider) Send(_ context.Context, channelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, channelID+": "+text)
	return r.err
}

func TestRouterUsesChannelProvider(t *testing.T) {
	fallback := &recordingProvider{}
	general := &recordingProvider{}
	router := NewRouter(fallback, testLogger())
	router.Route("general", general)

	ctx := context.Background()
	if err := router.Send(ctx, "general", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := router.Send(ctx, "other", "bye"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(general.sent) != 1 || general.sent[0] != "general: hello" {
		t.Errorf("general provider got %v", general.sent)
	}
	if len(fallback.sent) != 1 || fallback.sent[0] != "other: bye" {
		t.Errorf("fallback provider got %v", fallback.sent)
	}
}

func TestRouterWithoutFallback(t *testing.T) {
	router := NewRouter(nil, testLogger())
	if err := router.Send(context.Background(), "nowhere", "text"); err == nil {
		t.Error("expected error for unrouted channel")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingProvider{}
	bad := &recordingProvider{err: errors.New("boom")}
	m := Multi{bad, ok}

	err := m.Send(context.Background(), "c", "text")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Send() error = %v, want boom", err)
	}
	if len(ok.sent) != 1 {
		t.Errorf("healthy provider should still receive message, got %v", ok.sent)
	}
}

func TestWebhookProviderPostsJSON(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, testLogger())
	if err := p.Send(context.Background(), "racing", "driver is in a race"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Channel != "racing" || got.Text != "driver is in a race" {
		t.Errorf("webhook received %+v", got)
	}
}

func TestWebhookProviderClientErrorNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, testLogger())
	if err := p.Send(context.Background(), "racing", "text"); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSanitizeHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Race alert: general", "Race alert: general"},
		{"evil\r\nBcc: victim@example.com", "evilBcc: victim@example.com"},
		{"tab\there", "tabhere"},
		{"del\x7f", "del"},
	}
	for _, tt := range tests {
		if got := sanitizeHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("ops@example.com", "Race alert: general", "body text")
	for _, want := range []string{
		"To: ops@example.com\r\n",
		"Subject: Race alert: general\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n\r\nbody text",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestHubDeliversToSubscribedChannel(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	racing, _, err := websocket.DefaultDialer.Dial(wsURL+"/racing", nil)
	if err != nil {
		t.Fatalf("dial racing: %v", err)
	}
	defer racing.Close()
	other, _, err := websocket.DefaultDialer.Dial(wsURL+"/other", nil)
	if err != nil {
		t.Fatalf("dial other: %v", err)
	}
	defer other.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want 2", hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Send(context.Background(), "racing", "nick is in a race"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if err := racing.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := racing.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if alert.Channel != "racing" || alert.Text != "nick is in a race" {
		t.Errorf("alert = %+v", alert)
	}

	if err := other.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("client on other channel should not receive alert")
	}
}
