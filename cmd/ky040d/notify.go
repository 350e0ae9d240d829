package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Webhook Notifier
// ============================================================================
// Outbound POSTs for home automation hooks. Posts run on the daemon
// goroutine; the client timeout bounds how long one can stall the loop.
// ============================================================================

// notifyEnvelope is the JSON body sent to notify URLs.
type notifyEnvelope struct {
	Event string    `json:"event"`
	Ts    time.Time `json:"ts"`
	Data  any       `json:"data,omitempty"`
}

type rotationNotifyPayload struct {
	Direction string `json:"direction"`
	Position  int64  `json:"position"`
}

type buttonNotifyPayload struct {
	Pressed bool `json:"pressed"`
}

// WebhookNotifier posts state change notifications to configured URLs.
type WebhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
	}
}

// Post sends one notification. Non-2xx responses count as errors.
func (n *WebhookNotifier) Post(url, event string, payload any) error {
	body, err := json.Marshal(notifyEnvelope{Event: event, Ts: time.Now(), Data: payload})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %s", url, resp.Status)
	}
	return nil
}
