// Package webhook delivers messages as a JSON POST with a single text field,
// the shape accepted by Discord, Slack and Mattermost style incoming webhooks.
package webhook

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

	"cellwatch/internal/transport"
)

const DefaultField = "text"

type Config struct {
	URL       string
	Field     string // JSON key carrying the text, default "text"
	UserAgent string
	Timeout   time.Duration
}

type Sender struct {
	cfg  Config
	http *http.Client
}

var _ transport.Sender = (*Sender)(nil)

// New returns a webhook sender. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Sender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: url is empty")
	}
	if strings.TrimSpace(cfg.Field) == "" {
		cfg.Field = DefaultField
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cellwatch"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sender{cfg: cfg, http: client}, nil
}

func (s *Sender) Name() string { return "webhook" }

func (s *Sender) Send(ctx context.Context, m transport.Message) error {
	body, err := json.Marshal(map[string]string{s.cfg.Field: m.Text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: webhook status %d: %s", transport.ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
