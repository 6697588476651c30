package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"courier"
)

const whatsAppConnectTimeout = 2 * time.Second

func newTestWhatsAppSender(t *testing.T, baseURL string) *WhatsAppSender {
	t.Helper()
	sender, err := NewWhatsAppSender(WhatsAppConfig{
		BaseURL:        baseURL,
		PhoneNumberID:  "123456",
		AccessToken:    "token-1",
		ConnectTimeout: whatsAppConnectTimeout,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new whatsapp sender: %v", err)
	}
	return sender
}

func TestWhatsAppSendRequestMapping(t *testing.T) {
	var gotMethod string
	var gotPath string
	var gotAuth string
	var gotContentType string
	var gotBody cloudAPITextBody
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")

		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			t.Errorf("expected EOF after body, got %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.test123"}]}`))
	}))
	defer provider.Close()

	sender := newTestWhatsAppSender(t, provider.URL)
	messageID, err := sender.Send(context.Background(), "+5511999999999", "Hello")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if messageID != "wamid.test123" {
		t.Fatalf("expected wamid.test123, got %q", messageID)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("expected method POST, got %q", gotMethod)
	}
	if gotPath != "/123456/messages" {
		t.Fatalf("expected path /123456/messages, got %q", gotPath)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected content-type application/json, got %q", gotContentType)
	}
	if gotBody.MessagingProduct != "whatsapp" {
		t.Fatalf("expected messaging_product whatsapp, got %q", gotBody.MessagingProduct)
	}
	if gotBody.To != "+5511999999999" {
		t.Fatalf("expected to +5511999999999, got %q", gotBody.To)
	}
	if gotBody.Type != "text" || gotBody.Text.Body != "Hello" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestWhatsAppSendErrorEnvelope(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`))
	}))
	defer provider.Close()

	sender := newTestWhatsAppSender(t, provider.URL)
	_, err := sender.Send(context.Background(), "+5511999999999", "Hello")
	var channelErr *courier.ChannelError
	if !errors.As(err, &channelErr) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if channelErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", channelErr.Status)
	}
	if channelErr.Code != "190" {
		t.Fatalf("expected code 190, got %q", channelErr.Code)
	}
	if channelErr.Channel != courier.ChannelWhatsApp {
		t.Fatalf("expected whatsapp channel, got %q", channelErr.Channel)
	}
}

func TestWhatsAppSendOpaqueFailure(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer provider.Close()

	sender := newTestWhatsAppSender(t, provider.URL)
	_, err := sender.Send(context.Background(), "+5511999999999", "Hello")
	var channelErr *courier.ChannelError
	if !errors.As(err, &channelErr) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if channelErr.Status != http.StatusBadGateway || channelErr.Code != "" {
		t.Fatalf("unexpected error %+v", channelErr)
	}
}

func TestWhatsAppSendMissingMessageID(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer provider.Close()

	sender := newTestWhatsAppSender(t, provider.URL)
	if _, err := sender.Send(context.Background(), "+5511999999999", "Hello"); err == nil {
		t.Fatalf("expected error for missing message id")
	}
}

func TestWhatsAppSendRejectsEmptyRecipient(t *testing.T) {
	called := false
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer provider.Close()

	sender := newTestWhatsAppSender(t, provider.URL)
	_, err := sender.Send(context.Background(), "  ", "Hello")
	if !errors.Is(err, courier.ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
	if called {
		t.Fatalf("expected no network call for empty recipient")
	}
}
