package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/helion-deployer/internal/ledger"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
	tokenHeader      = "X-Deployer-Token"
)

// ErrUnauthorized indicates the receiver rejected the shared token.
var ErrUnauthorized = errors.New("status webhook unauthorized")

// ErrRejected indicates the receiver answered with another error status.
var ErrRejected = errors.New("status webhook rejected")

// Webhook posts status transitions to an HTTP endpoint.
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

// Event is the payload delivered for every transition.
type Event struct {
	DeploymentID string `json:"deployment_id"`
	Package      string `json:"package"`
	Destination  string `json:"destination,omitempty"`
	Status       string `json:"status"`
	Datetime     string `json:"datetime"`
}

// NewWebhook returns a webhook for url. A zero client timeout gets a default.
func NewWebhook(url, token string, client *http.Client) (*Webhook, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("status webhook url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Webhook{url: trimmed, token: strings.TrimSpace(token), client: client}, nil
}

// Notify delivers the latest transition of rec.
func (w *Webhook) Notify(ctx context.Context, rec ledger.Record) error {
	if w == nil {
		return errors.New("status webhook not initialised")
	}
	body, err := json.Marshal(Event{
		DeploymentID: rec.DeployID,
		Package:      rec.Package,
		Destination:  rec.Destination,
		Status:       rec.DeployStatus,
		Datetime:     rec.Datetime,
	})
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set(tokenHeader, w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	default:
		return fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, summary)
	}
}
