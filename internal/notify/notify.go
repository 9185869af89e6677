// Package notify delivers one-time codes to users.
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

	"github.com/sirupsen/logrus"

	"collegium.org/internal/obs"
)

// LogSender writes codes to the log. Development only.
type LogSender struct {
	Log logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, email, code string) error {
	log := s.Log
	if log == nil {
		log = obs.Logger()
	}
	log.WithFields(logrus.Fields{"email": email, "code": code}).Info("otp_issued")
	return nil
}

// WebhookSender posts {"email","code"} to an HTTP endpoint such as a mail relay.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender builds a sender for url with the given request timeout.
func NewWebhookSender(url string, timeout time.Duration) (*WebhookSender, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("notify: webhook url must be http(s): %q", url)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{url: url, client: &http.Client{Timeout: timeout}}, nil
}

type webhookPayload struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

func (s *WebhookSender) Send(ctx context.Context, email, code string) error {
	body, err := json.Marshal(webhookPayload{Email: email, Code: code, Kind: "signup_otp"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Async hands delivery to a goroutine so slow relays never hold up issuance.
// Failures are logged.
type Async struct {
	Next interface {
		Send(ctx context.Context, email, code string) error
	}
	Timeout time.Duration
	Log     logrus.FieldLogger
}

func (a Async) Send(_ context.Context, email, code string) error {
	if a.Next == nil {
		return errors.New("notify: no sender configured")
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := a.Log
	if log == nil {
		log = obs.Logger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.Next.Send(ctx, email, code); err != nil {
			log.WithError(err).WithField("email", email).Warn("otp delivery failed")
		}
	}()
	return nil
}
