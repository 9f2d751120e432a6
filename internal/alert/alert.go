package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/p2wdb/p2wdb/internal/events"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts system alerts to Slack and forwards validation events to
// plain JSON webhooks.
type Manager struct {
	enabled      bool
	slackWebhook string
	webhooks     []string
	httpClient   HTTPClient
	logger       *slog.Logger
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type validationPayload struct {
	Event     string    `json:"event"`
	TxID      string    `json:"txid"`
	Hash      string    `json:"hash"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func NewManager(enabled bool, slackWebhook string, webhooks []string, logger *slog.Logger) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, webhooks, &http.Client{Timeout: 10 * time.Second}, logger)
}

func NewManagerWithClient(enabled bool, slackWebhook string, webhooks []string, client HTTPClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		webhooks:     webhooks,
		httpClient:   client,
		logger:       logger,
	}
}

// NotifyValidation posts ev to every configured webhook. Each webhook is
// tried even if an earlier one fails.
func (m *Manager) NotifyValidation(ev events.Validation) error {
	if !m.enabled || len(m.webhooks) == 0 {
		return nil
	}

	payload, err := json.Marshal(validationPayload{
		Event:     events.ValidationSucceeded,
		TxID:      ev.TxID,
		Hash:      ev.Hash,
		Data:      ev.Data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal validation payload: %w", err)
	}

	var errs []error
	for _, url := range m.webhooks {
		if err := m.post(url, payload); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

// Handler adapts NotifyValidation for an events.Bus subscription.
func (m *Manager) Handler() events.Handler {
	return func(ev events.Validation) {
		if err := m.NotifyValidation(ev); err != nil {
			m.logger.Warn("Failed to deliver validation webhook", "txid", ev.TxID, "error", err)
		}
	}
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "p2wdb",
				Ts:     time.Now().Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	if err := m.post(m.slackWebhook, payload); err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	return nil
}

func (m *Manager) post(url string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}

	return nil
}
