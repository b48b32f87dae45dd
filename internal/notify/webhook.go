package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookDispatcher hands messages to a delivery relay (an SMS gateway or mail
// bridge) as a JSON POST. The relay owns the provider credentials.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

type webhookMessage struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// NewWebhookDispatcher constructs a dispatcher posting to url.
func NewWebhookDispatcher(url string, timeout time.Duration, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{url: url, client: &http.Client{Timeout: timeout}, log: log.Named("notify")}
}

// SendSMS posts an sms message.
func (d *WebhookDispatcher) SendSMS(ctx context.Context, phone, body string) error {
	return d.post(ctx, webhookMessage{Channel: "sms", To: phone, Body: body}, MaskPhone(phone))
}

// SendEmail posts an email message.
func (d *WebhookDispatcher) SendEmail(ctx context.Context, to, subject, body string) error {
	return d.post(ctx, webhookMessage{Channel: "email", To: to, Subject: subject, Body: body}, MaskEmail(to))
}

func (d *WebhookDispatcher) post(ctx context.Context, msg webhookMessage, masked string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s dispatch: %w", msg.Channel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s dispatch: relay answered %d", msg.Channel, resp.StatusCode)
	}
	d.log.Info(msg.Channel+" dispatched", zap.String("to", masked))
	return nil
}
