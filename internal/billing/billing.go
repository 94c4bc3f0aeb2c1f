package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

type RefundTicket struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// RefundRequester raises a compensating refund against the payment/deposit
// service. The request is an async hand-off: the refund itself settles out of
// band, only the submission outcome is reported.
type RefundRequester interface {
	RequestRefund(ctx context.Context, entryID string, amount float64, reason string) (RefundTicket, error)
}

type HTTPRefunder struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPRefunder(url, token string, timeout time.Duration) *HTTPRefunder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRefunder{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *HTTPRefunder) RequestRefund(ctx context.Context, entryID string, amount float64, reason string) (RefundTicket, error) {
	body, err := json.Marshal(map[string]interface{}{
		"entry_id": entryID,
		"amount":   amount,
		"reason":   reason,
	})
	if err != nil {
		return RefundTicket{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return RefundTicket{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return RefundTicket{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return RefundTicket{}, fmt.Errorf("billing status %d", resp.StatusCode)
	}
	var ticket RefundTicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return RefundTicket{}, err
	}
	return ticket, nil
}

// LogRefunder records refund requests in the log only. Used when no billing
// endpoint is configured.
type LogRefunder struct{}

func (LogRefunder) RequestRefund(ctx context.Context, entryID string, amount float64, reason string) (RefundTicket, error) {
	log.Printf("refund request entry=%s amount=%.2f reason=%s", entryID, amount, reason)
	return RefundTicket{RefundID: "log-" + entryID, Status: "accepted"}, nil
}
