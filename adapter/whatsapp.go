// Package adapter provides the per-channel courier.Sender implementations.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"courier"
	"courier/pii"
)

// WhatsAppSenderName is the identifier for the Cloud API sender adapter.
const WhatsAppSenderName = "whatsapp-cloudapi"

const defaultGraphBaseURL = "https://graph.facebook.com/v21.0"

// whatsAppSendTimeout is the per-send network timeout. It belongs to the
// adapter, not the delivery loop.
const whatsAppSendTimeout = 30 * time.Second

type cloudAPITextBody struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             cloudAPIText `json:"text"`
}

type cloudAPIText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudAPISendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudAPIErrorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// WhatsAppConfig configures the Cloud API sender for one business number.
type WhatsAppConfig struct {
	BaseURL        string
	PhoneNumberID  string
	AccessToken    string
	ConnectTimeout time.Duration
	// SendsPerSecond paces outgoing calls; zero disables pacing.
	SendsPerSecond int
}

// WhatsAppSender sends text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	cfg     WhatsAppConfig
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewWhatsAppSender builds the Cloud API sender adapter.
func NewWhatsAppSender(cfg WhatsAppConfig, log zerolog.Logger) (*WhatsAppSender, error) {
	if cfg.PhoneNumberID == "" {
		return nil, errors.New("whatsapp phone number id is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("whatsapp access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphBaseURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	var limiter *rate.Limiter
	if cfg.SendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendsPerSecond)
	}

	return &WhatsAppSender{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   whatsAppSendTimeout,
		},
		limiter: limiter,
		log:     log.With().Str("sender", WhatsAppSenderName).Logger(),
	}, nil
}

// Send posts one text message and returns the Cloud API message id.
func (s *WhatsAppSender) Send(ctx context.Context, to, text string) (string, error) {
	if err := courier.ValidateRecipient(to); err != nil {
		return "", err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(cloudAPITextBody{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             cloudAPIText{Body: text},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", s.cfg.BaseURL, s.cfg.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)

	s.log.Debug().
		Str("recipient", pii.MaskRecipient(to)).
		Int("content_len", len(text)).
		Str("content_hash", pii.Hash(text)).
		Msg("cloudapi_request")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", decodeCloudAPIError(resp)
	}

	var sendResp cloudAPISendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return "", err
	}
	if len(sendResp.Messages) == 0 || sendResp.Messages[0].ID == "" {
		return "", &courier.ChannelError{
			Channel: courier.ChannelWhatsApp,
			Status:  resp.StatusCode,
			Message: "response missing message id",
		}
	}
	return sendResp.Messages[0].ID, nil
}

func decodeCloudAPIError(resp *http.Response) error {
	var envelope cloudAPIErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Message == "" {
		return &courier.ChannelError{
			Channel: courier.ChannelWhatsApp,
			Status:  resp.StatusCode,
			Message: "non-2xx response",
		}
	}
	return &courier.ChannelError{
		Channel: courier.ChannelWhatsApp,
		Status:  resp.StatusCode,
		Code:    strconv.Itoa(envelope.Error.Code),
		Message: envelope.Error.Message,
	}
}
