package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
)

// Provider delivers a rendered notice to a patient outside the websocket
// channel (SMS gateway, clinic app push, ops webhook).
type Provider interface {
	Send(ctx context.Context, patientID, message string) error
}

func NewProvider(kind, webhookURL, webhookToken string) Provider {
	switch kind {
	case "", "stub", "log":
		return logProvider{}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if webhookURL == "" {
			return logProvider{}
		}
		return webhookProvider{url: webhookURL, token: webhookToken}
	default:
		return logProvider{}
	}
}

type logProvider struct{}

func (logProvider) Send(ctx context.Context, patientID, message string) error {
	log.Printf("notify patient=%s: %s", patientID, message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, patientID, message string) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, patientID, message string) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url   string
	token string
}

func (p webhookProvider) Send(ctx context.Context, patientID, message string) error {
	payload := map[string]string{
		"patient_id": patientID,
		"message":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("provider rejected request")
	}
	return nil
}
